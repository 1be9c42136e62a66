// pkg/ingest/sql.go
package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/David-Botos/txn-pipeline/pkg/connector"
	"github.com/David-Botos/txn-pipeline/pkg/converter"
	"github.com/David-Botos/txn-pipeline/pkg/model"
)

// DefaultQuery is used when an SQL source is given no query
const DefaultQuery = "SELECT * FROM transactions"

const defaultQueryTimeout = 10 * time.Minute

// SQLSource reads rows with a query on a Postgres or Snowflake connector
type SQLSource struct {
	conn          connector.DatabaseConnector
	query         string
	timeout       time.Duration
	typeConverter *converter.TypeConverter
	logger        *zap.Logger
}

// NewSQLSource creates a source over an open connector
func NewSQLSource(conn connector.DatabaseConnector, query string, logger *zap.Logger) *SQLSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if query == "" {
		query = DefaultQuery
	}
	return &SQLSource{
		conn:          conn,
		query:         query,
		timeout:       defaultQueryTimeout,
		typeConverter: converter.NewTypeConverter(logger),
		logger:        logger.Named("sql-source"),
	}
}

// WithTimeout bounds the query including row iteration
func (s *SQLSource) WithTimeout(timeout time.Duration) *SQLSource {
	if timeout > 0 {
		s.timeout = timeout
	}
	return s
}

func (s *SQLSource) Kind() model.SourceKind { return model.SourceSQL }
func (s *SQLSource) Name() string           { return s.conn.DriverName() + " query" }
func (s *SQLSource) Path() string           { return s.query }

// Load runs the query and converts every row to text columns
func (s *SQLSource) Load(ctx context.Context) (*Batch, error) {
	rows, cancel, err := s.conn.QueryWithTimeout(ctx, s.query, s.timeout)
	if err != nil {
		return nil, fmt.Errorf("source query failed: %w", err)
	}
	defer cancel()
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}

	batch := &Batch{File: model.FileInfo{Format: "sql", Encoding: "utf-8"}}
	seen := make(map[string]bool)
	for _, c := range columns {
		canonical, ok := converter.CanonicalColumn(c)
		switch {
		case !ok:
			batch.Unmapped = append(batch.Unmapped, c)
		case !seen[canonical]:
			seen[canonical] = true
			batch.Columns = append(batch.Columns, canonical)
		}
	}

	values := make([]interface{}, len(columns))
	ptrs := make([]interface{}, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	var size int64
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row %d: %w", len(batch.Records)+1, err)
		}
		raw := make(map[string]interface{}, len(columns))
		for i, c := range columns {
			raw[c] = values[i]
		}
		row := s.typeConverter.ToRow(raw)
		for _, v := range row {
			size += int64(len(v))
		}
		batch.Records = append(batch.Records, converter.BuildTransaction(row))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating source rows: %w", err)
	}
	batch.File.SizeBytes = size

	s.logger.Info("Loaded query result",
		zap.String("driver", s.conn.DriverName()),
		zap.Int("rows", len(batch.Records)),
		zap.Strings("columns", batch.Columns))
	return batch, nil
}
