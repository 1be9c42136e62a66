// pkg/connector/factory.go
package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/David-Botos/txn-pipeline/pkg/config"
)

// ErrNotConfigured is returned when a connector's settings are absent
var ErrNotConfigured = errors.New("connector not configured")

// ConnectorFactory creates database connectors from process configuration
type ConnectorFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewConnectorFactory creates a new connector factory
func NewConnectorFactory(cfg *config.Config, logger *zap.Logger) *ConnectorFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectorFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateSnowflakeConnector creates a new Snowflake connector
func (f *ConnectorFactory) CreateSnowflakeConnector(ctx context.Context) (*SnowflakeConnector, error) {
	if f.cfg.Snowflake == nil {
		return nil, fmt.Errorf("snowflake: %w", ErrNotConfigured)
	}
	f.logger.Info("Creating Snowflake connector")

	connector, err := NewSnowflakeConnector(ctx, f.cfg.Snowflake, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create Snowflake connector: %w", err)
	}

	return connector, nil
}

// CreatePostgresConnector creates a new PostgreSQL connector
func (f *ConnectorFactory) CreatePostgresConnector(ctx context.Context) (*PostgresConnector, error) {
	if f.cfg.Postgres == nil {
		return nil, fmt.Errorf("postgres: %w", ErrNotConfigured)
	}
	f.logger.Info("Creating PostgreSQL connector")

	connector, err := NewPostgresConnector(ctx, f.cfg.Postgres, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL connector: %w", err)
	}

	return connector, nil
}

// CreateSourceConnector opens the connector an sql ingestion source names
// ("postgres" or "snowflake")
func (f *ConnectorFactory) CreateSourceConnector(ctx context.Context, name string) (DatabaseConnector, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pg":
		return f.CreatePostgresConnector(ctx)
	case "snowflake", "sf":
		return f.CreateSnowflakeConnector(ctx)
	default:
		return nil, fmt.Errorf("unknown source database %q", name)
	}
}
