// cmd/txnpipe/anomalies.go
package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/David-Botos/txn-pipeline/pkg/model"
	"github.com/David-Botos/txn-pipeline/pkg/store"
)

var (
	anomalyTypes      []string
	anomalySeverity   string
	anomalyUnresolved bool
	anomalyRun        string
	anomalyLimit      int
	anomalyOffset     int
	anomalySummary    bool

	resolveAction string
	resolveValue  string
)

func init() {
	anomaliesCmd.Flags().StringSliceVar(&anomalyTypes, "type", nil, "only these anomaly types")
	anomaliesCmd.Flags().StringVar(&anomalySeverity, "severity", "", "only this severity: low, medium, high or critical")
	anomaliesCmd.Flags().BoolVar(&anomalyUnresolved, "unresolved", false, "only unresolved anomalies")
	anomaliesCmd.Flags().StringVar(&anomalyRun, "run", "", "detection run to read (defaults to the latest completed one)")
	anomaliesCmd.Flags().IntVar(&anomalyLimit, "limit", 100, "maximum number of anomalies")
	anomaliesCmd.Flags().IntVar(&anomalyOffset, "offset", 0, "anomalies to skip")
	anomaliesCmd.Flags().BoolVar(&anomalySummary, "summary", false, "print counts instead of anomalies")

	resolveCmd.Flags().StringVar(&resolveAction, "action", "manual_review", "resolution action recorded on the anomaly")
	resolveCmd.Flags().StringVar(&resolveValue, "value", "", "corrected value, if any")

	rootCmd.AddCommand(anomaliesCmd, resolveCmd)
}

var anomaliesCmd = &cobra.Command{
	Use:   "anomalies <dataset-id>",
	Short: "List the anomalies detected in a dataset",
	Long: `List the anomalies of a dataset's latest completed detection run.

Examples:
  # High severity anomalies still needing review
  txnpipe anomalies --severity high --unresolved 5b1f0c1e-...

  # Counts by severity, type and detector
  txnpipe anomalies --summary 5b1f0c1e-...`,
	Args: cobra.ExactArgs(1),
	RunE: runAnomalies,
}

func runAnomalies(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	if anomalySummary {
		s, err := app.orch.AnomalySummary(cmd.Context(), id)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), s, func(w io.Writer) { printSummary(w, s) })
	}

	filter := store.AnomalyFilter{
		DatasetID:  id,
		Unresolved: anomalyUnresolved,
		Limit:      anomalyLimit,
		Offset:     anomalyOffset,
	}
	for _, t := range anomalyTypes {
		kind, err := model.ParseAnomalyType(t)
		if err != nil {
			return err
		}
		filter.Types = append(filter.Types, kind)
	}
	if anomalySeverity != "" {
		sev, err := model.ParseSeverity(anomalySeverity)
		if err != nil {
			return err
		}
		filter.Severity = &sev
	}
	if anomalyRun != "" {
		runID, err := parseID(anomalyRun)
		if err != nil {
			return err
		}
		filter.RunID = &runID
	}

	anomalies, err := app.orch.Anomalies(cmd.Context(), filter)
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), anomalies, func(w io.Writer) { printAnomalies(w, anomalies) })
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <anomaly-id> <outcome>",
	Short: "Record the resolution of an anomaly",
	Long: `Record how an anomaly was resolved. A resolved anomaly cannot be resolved again.

Outcomes: accepted, rejected, escalated, corrected, removed, ignored.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		outcome, err := model.ParseResolutionOutcome(args[1])
		if err != nil {
			return err
		}
		if outcome == model.OutcomeUnresolved {
			return fmt.Errorf("%s is not a resolution", args[1])
		}
		a, err := app.orch.ResolveAnomaly(cmd.Context(), id, outcome, resolveAction, resolveValue)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), a, func(w io.Writer) {
			fmt.Fprintf(w, "Anomaly %s resolved as %s\n", a.ID, a.Resolution.Outcome())
		})
	},
}
