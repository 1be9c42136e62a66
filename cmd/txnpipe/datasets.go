// cmd/txnpipe/datasets.go
package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/David-Botos/txn-pipeline/pkg/model"
	"github.com/David-Botos/txn-pipeline/pkg/pipeline"
	"github.com/David-Botos/txn-pipeline/pkg/store"
)

var (
	advanceTarget      string
	advanceCorrelation string

	listStatus string
	listLimit  int
	listOffset int
)

func init() {
	advanceCmd.Flags().StringVar(&advanceTarget, "target", model.DatasetCompleted.String(),
		"status to stop at: validating, cleaning, analyzing or completed")
	advanceCmd.Flags().StringVar(&advanceCorrelation, "correlation-id", "", "correlation id attached to emitted events")
	rerunCmd.Flags().StringVar(&advanceCorrelation, "correlation-id", "", "correlation id attached to emitted events")

	listCmd.Flags().StringVar(&listStatus, "status", "", "only list datasets in this status")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of datasets")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "datasets to skip")

	rootCmd.AddCommand(advanceCmd, rerunCmd, statusCmd, listCmd, runsCmd, overviewCmd, deleteCmd)
}

var advanceCmd = &cobra.Command{
	Use:   "advance <dataset-id>",
	Short: "Run the remaining stages of a dataset",
	Long: `Run the stages after the dataset's latest completed stage until the target
status is reached or a stage fails.

Examples:
  # Finish processing
  txnpipe advance 5b1f0c1e-...

  # Stop once cleaning is done
  txnpipe advance --target cleaning 5b1f0c1e-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		target, err := model.ParseDatasetStatus(advanceTarget)
		if err != nil {
			return err
		}
		ds, err := app.orch.Advance(cmd.Context(), id, pipeline.AdvanceOptions{
			Target:        target,
			CorrelationID: advanceCorrelation,
		})
		return renderDatasetResult(cmd, ds, err)
	},
}

var rerunCmd = &cobra.Command{
	Use:   "rerun <dataset-id> <stage>",
	Short: "Re-run one stage of a dataset",
	Long: `Re-run a stage, keeping the earlier runs as history. The dataset rewinds to
the stage's status; later stages are not run.

Stages: validation, cleaning, anomaly_detection, review, publishing.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		stage, err := model.ParseStage(args[1])
		if err != nil {
			return err
		}
		ds, err := app.orch.Rerun(cmd.Context(), id, stage, advanceCorrelation)
		return renderDatasetResult(cmd, ds, err)
	},
}

// datasetStatus bundles what the status command shows
type datasetStatus struct {
	Dataset  *model.Dataset         `json:"dataset"`
	Metadata *model.DatasetMetadata `json:"metadata,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status <dataset-id>",
	Short: "Show a dataset and its quality profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ds, err := app.orch.Dataset(cmd.Context(), id)
		if err != nil {
			return err
		}
		out := datasetStatus{Dataset: ds}
		md, err := app.orch.Metadata(cmd.Context(), id)
		switch {
		case err == nil:
			out.Metadata = md
		case !errors.Is(err, model.ErrNotFound):
			return err
		}
		return render(cmd.OutOrStdout(), out, func(w io.Writer) {
			printDataset(w, ds)
			if out.Metadata != nil {
				fmt.Fprintln(w)
				printMetadata(w, out.Metadata)
			}
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List datasets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := store.DatasetFilter{Limit: listLimit, Offset: listOffset}
		if listStatus != "" {
			s, err := model.ParseDatasetStatus(listStatus)
			if err != nil {
				return err
			}
			filter.Status = &s
		}
		all, err := app.orch.ListDatasets(cmd.Context(), filter)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), all, func(w io.Writer) { printDatasets(w, all) })
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs <dataset-id>",
	Short: "List the stage runs of a dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		runs, err := app.orch.ListRuns(cmd.Context(), id)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), runs, func(w io.Writer) { printRuns(w, runs) })
	},
}

var overviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Aggregate statistics over all datasets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ov, err := app.orch.Overview(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), ov, func(w io.Writer) { printOverview(w, ov) })
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <dataset-id>",
	Short: "Delete a dataset with its records, runs and anomalies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if err := app.orch.Delete(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted dataset %s\n", id)
		return nil
	},
}

// renderDatasetResult prints the dataset even when the operation failed part way
func renderDatasetResult(cmd *cobra.Command, ds *model.Dataset, err error) error {
	if ds != nil {
		if rerr := render(cmd.OutOrStdout(), ds, func(w io.Writer) { printDataset(w, ds) }); rerr != nil {
			return rerr
		}
	}
	return err
}

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}
