// cmd/txnpipe/ingest.go
package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/David-Botos/txn-pipeline/pkg/connector"
	"github.com/David-Botos/txn-pipeline/pkg/ingest"
	"github.com/David-Botos/txn-pipeline/pkg/pipeline"
)

var (
	ingestName        string
	ingestSheet       string
	ingestSQL         string
	ingestQuery       string
	ingestAPI         string
	ingestHeaders     map[string]string
	ingestManual      bool
	ingestCorrelation string
	ingestTimeout     time.Duration
)

func init() {
	ingestCmd.Flags().StringVar(&ingestName, "name", "", "dataset name (defaults to the source name)")
	ingestCmd.Flags().StringVar(&ingestSheet, "sheet", "", "worksheet to read from an Excel workbook")
	ingestCmd.Flags().StringVar(&ingestSQL, "sql", "", "read from a database: postgres or snowflake")
	ingestCmd.Flags().StringVar(&ingestQuery, "query", "", "query for --sql (defaults to SELECT * FROM transactions)")
	ingestCmd.Flags().StringVar(&ingestAPI, "api", "", "read a JSON document from this URL")
	ingestCmd.Flags().StringToStringVar(&ingestHeaders, "header", nil, "extra request header for --api (key=value)")
	ingestCmd.Flags().BoolVar(&ingestManual, "manual", false, "stop after ingestion instead of processing to completion")
	ingestCmd.Flags().StringVar(&ingestCorrelation, "correlation-id", "", "correlation id attached to emitted events")
	ingestCmd.Flags().DurationVar(&ingestTimeout, "query-timeout", 5*time.Minute, "timeout for --sql queries")

	ingestCmd.MarkFlagsMutuallyExclusive("sql", "api")
	ingestCmd.MarkFlagsMutuallyExclusive("sheet", "sql")
	ingestCmd.MarkFlagsMutuallyExclusive("sheet", "api")

	rootCmd.AddCommand(ingestCmd)
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Ingest a dataset and process it",
	Long: `Ingest a transaction dataset from a CSV or Excel file, a database query or a
JSON API, then run it through every stage unless --manual is given.

Examples:
  # Ingest and process a CSV export
  txnpipe ingest march.csv

  # Ingest an Excel sheet without processing
  txnpipe ingest --sheet Q1 --manual book.xlsx

  # Ingest from Snowflake
  txnpipe ingest --sql snowflake --query "SELECT * FROM BANK.PUBLIC.TRANSACTIONS"

  # Ingest from an API
  txnpipe ingest --api https://bank.example.com/transactions --header Authorization="Bearer $TOKEN"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	src, closeSrc, err := buildSource(cmd, args)
	if err != nil {
		return err
	}
	defer closeSrc()

	req := pipeline.IngestRequest{
		Name:          ingestName,
		Source:        src,
		CorrelationID: ingestCorrelation,
	}
	if ingestManual {
		cfg := app.defaults.Clone()
		cfg.AutoProcess = false
		req.Config = &cfg
	}

	ds, err := app.orch.Ingest(ctx, req)
	if ds != nil {
		if rerr := render(cmd.OutOrStdout(), ds, func(w io.Writer) { printDataset(w, ds) }); rerr != nil {
			return rerr
		}
	}
	return err
}

// buildSource picks the source from the flags; the returned func releases it
func buildSource(cmd *cobra.Command, args []string) (ingest.Source, func(), error) {
	noop := func() {}
	switch {
	case ingestSQL != "":
		if len(args) > 0 {
			return nil, noop, errors.New("a file argument cannot be combined with --sql")
		}
		factory := connector.NewConnectorFactory(app.cfg, app.logger)
		conn, err := factory.CreateSourceConnector(cmd.Context(), ingestSQL)
		if err != nil {
			return nil, noop, err
		}
		closeConn := func() {
			if err := conn.Close(); err != nil {
				app.logger.Warn("Failed to close source connection", zap.Error(err))
			}
		}
		return ingest.NewSQLSource(conn, ingestQuery, app.logger).WithTimeout(ingestTimeout), closeConn, nil

	case ingestAPI != "":
		if len(args) > 0 {
			return nil, noop, errors.New("a file argument cannot be combined with --api")
		}
		src := ingest.NewAPISource(ingestAPI, app.logger)
		for k, v := range ingestHeaders {
			src = src.WithHeader(k, v)
		}
		return src, noop, nil

	default:
		if len(args) == 0 {
			return nil, noop, errors.New("ingest needs a file, --sql or --api")
		}
		src, err := ingest.NewFileSource(args[0], app.logger)
		if err != nil {
			return nil, noop, fmt.Errorf("cannot ingest %s: %w", args[0], err)
		}
		if ingestSheet != "" {
			src = src.WithSheet(ingestSheet)
		}
		return src, noop, nil
	}
}
