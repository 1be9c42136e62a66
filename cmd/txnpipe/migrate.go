// cmd/txnpipe/migrate.go
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/David-Botos/txn-pipeline/pkg/connector"
	"github.com/David-Botos/txn-pipeline/pkg/store/postgres"
)

var migrateDown bool

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "roll the schema back instead of applying it")
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the PostgreSQL store schema",
	Long: `Apply (or with --down, roll back) the schema of the PostgreSQL store
configured by the POSTGRES_* environment variables.

Examples:
  # Apply pending migrations
  txnpipe migrate

  # Drop every table
  txnpipe migrate --down`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{skipAppAnnotation: "true"},
	RunE:        runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	conn, err := connector.NewPostgresConnector(ctx, cfg.Postgres, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	if migrateDown {
		err = postgres.MigrateDown(conn.DB(), logger)
	} else {
		err = postgres.Migrate(conn.DB(), logger)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Migration complete")
	return nil
}
