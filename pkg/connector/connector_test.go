package connector

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/David-Botos/txn-pipeline/pkg/config"
)

func TestFactory_NotConfigured(t *testing.T) {
	f := NewConnectorFactory(&config.Config{}, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := f.CreateSourceConnector(ctx, "Snowflake")
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = f.CreateSourceConnector(ctx, "pg")
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = f.CreateSourceConnector(ctx, "oracle")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotConfigured)

	_, err = NewPostgresConnector(ctx, nil, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestApplyConnectionSettings(t *testing.T) {
	// sql.Open does not dial
	db, err := sql.Open(PostgresDriver, "postgres://nobody@127.0.0.1:1/none")
	require.NoError(t, err)
	defer db.Close()

	ApplyConnectionSettings(db, 7, 3, time.Minute, time.Second)
	stats := GetConnectionStats(db)
	assert.Equal(t, 7, stats.MaxOpenConns)
	assert.Zero(t, stats.OpenConnections)
}

func TestPingWithTimeout_Unreachable(t *testing.T) {
	db, err := sql.Open(PostgresDriver, "postgres://nobody@127.0.0.1:1/none?connect_timeout=1")
	require.NoError(t, err)
	defer db.Close()

	assert.Error(t, PingWithTimeout(context.Background(), db, 2*time.Second))
}

func TestPostgresConnector_Query(t *testing.T) {
	dsn := os.Getenv("TXNPIPE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TXNPIPE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	conn, err := NewPostgresConnector(ctx, &config.PostgresConfig{DSN: dsn, StatementTimeout: time.Minute}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Validate(ctx))
	assert.Equal(t, "pgx", conn.DriverName())

	rows, cancel, err := conn.QueryWithTimeout(ctx, "SELECT generate_series(1, $1::int)", 5*time.Second, 3)
	require.NoError(t, err)
	defer cancel()
	defer rows.Close()

	n := 0
	for rows.Next() {
		n++
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, 3, n)
}
