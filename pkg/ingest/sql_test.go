package ingest

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/David-Botos/txn-pipeline/pkg/model"
)

// dbConnector adapts a plain *sql.DB to connector.DatabaseConnector
type dbConnector struct{ db *sql.DB }

func (c dbConnector) DB() *sql.DB                        { return c.db }
func (c dbConnector) DriverName() string                 { return "postgres" }
func (c dbConnector) Validate(ctx context.Context) error { return c.db.PingContext(ctx) }
func (c dbConnector) Close() error                       { return c.db.Close() }

func (c dbConnector) QueryWithTimeout(ctx context.Context, query string, timeout time.Duration, args ...interface{}) (*sql.Rows, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return rows, cancel, nil
}

func TestSQLSource_Load(t *testing.T) {
	dsn := os.Getenv("TXNPIPE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TXNPIPE_TEST_POSTGRES_DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	conn := dbConnector{db: db}
	t.Cleanup(func() { _ = conn.Close() })

	query := `SELECT * FROM (VALUES
		('T-1', 'C-1', 12.50::numeric, DATE '2024-05-01', 'completed', NULL::text),
		('T-2', 'C-2', 99.99::numeric, DATE '2024-05-02', 'pending', 'extra')
	) AS t(txn_id, customer_id, amount, txn_date, status, ignored_col)`

	src := NewSQLSource(conn, query, zaptest.NewLogger(t)).WithTimeout(30 * time.Second)
	assert.Equal(t, model.SourceSQL, src.Kind())
	assert.Equal(t, query, src.Path())

	batch, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Records, 2)
	assert.Equal(t, "T-1", batch.Records[0].TransactionID)
	assert.Equal(t, "12.50", batch.Records[0].Amount)
	assert.Equal(t, "completed", batch.Records[0].Status)
	assert.NotEmpty(t, batch.Records[1].Date)
	assert.Equal(t, []string{"ignored_col"}, batch.Unmapped)
	assert.Equal(t, "sql", batch.File.Format)
	assert.Positive(t, batch.File.SizeBytes)
}

func TestSQLSource_DefaultQuery(t *testing.T) {
	src := NewSQLSource(dbConnector{}, "", nil)
	assert.Equal(t, DefaultQuery, src.Path())
}
