// cmd/txnpipe/main.go

// Package main implements the txnpipe CLI: ingest banking transaction
// datasets, drive them through the processing stages and review anomalies.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// version information
	version = "dev"

	// global flags
	logLevel       string
	outputFormat   string
	pipelineConfig string

	// app is built by the root PersistentPreRunE for commands that need it
	app *application
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	// PersistentPostRunE is skipped when a command fails
	if cerr := closeApp(); err == nil {
		err = cerr
	}
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func closeApp() error {
	if app == nil {
		return nil
	}
	err := app.Close()
	app = nil
	return err
}

var rootCmd = &cobra.Command{
	Use:   "txnpipe",
	Short: "Banking transaction dataset pipeline",
	Long: `txnpipe ingests banking transaction datasets and drives them through
ingestion, validation, cleaning, anomaly detection, review and publishing.

Configuration is read from the environment (and a .env file when present).
STORE_KIND=postgres keeps datasets between invocations; the default memory
store only lives for the duration of one command.`,
	Version:      version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := validateOutput(); err != nil {
			return err
		}
		if cmd.Annotations[skipAppAnnotation] == "true" {
			return nil
		}
		a, err := newApplication(cmd.Context())
		if err != nil {
			return err
		}
		app = a
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeApp()
	},
}

// skipAppAnnotation marks commands that set up their own dependencies
const skipAppAnnotation = "txnpipe/skip-app"

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", outputText, "output format: text or json")
	rootCmd.PersistentFlags().StringVar(&pipelineConfig, "pipeline-config", "", "override PIPELINE_CONFIG_PATH")
}

func validateOutput() error {
	switch outputFormat {
	case outputText, outputJSON:
		return nil
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}
}
