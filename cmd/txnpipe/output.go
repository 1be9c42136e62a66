// cmd/txnpipe/output.go
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/David-Botos/txn-pipeline/pkg/model"
	"github.com/David-Botos/txn-pipeline/pkg/pipeline"
)

const (
	outputText = "text"
	outputJSON = "json"
)

// render writes v as indented JSON, or calls text for the text format
func render(w io.Writer, v interface{}, text func(io.Writer)) error {
	if outputFormat == outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}

func printDataset(w io.Writer, ds *model.Dataset) {
	fmt.Fprintf(w, "Dataset:   %s (%s)\n", ds.Name, ds.ID)
	fmt.Fprintf(w, "Status:    %s\n", ds.Status)
	fmt.Fprintf(w, "Source:    %s %s\n", ds.SourceKind, ds.FilePath)
	fmt.Fprintf(w, "Rows:      total=%d valid=%d invalid=%d cleaned=%d\n",
		ds.TotalRows, ds.ValidRows, ds.InvalidRows, ds.CleanedRows)
	fmt.Fprintf(w, "Anomalies: %d\n", ds.AnomalyCount)
	fmt.Fprintf(w, "Quality:   %.2f\n", ds.QualityScore)
	if ds.ProcessingSeconds != nil {
		fmt.Fprintf(w, "Duration:  %.3fs\n", *ds.ProcessingSeconds)
	}
	if ds.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:     %s\n", ds.ErrorMessage)
	}
}

func printDatasets(w io.Writer, all []model.Dataset) {
	tw := newTable(w, "ID", "NAME", "STATUS", "ROWS", "VALID", "ANOMALIES", "QUALITY", "UPDATED")
	for _, ds := range all {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%.2f\t%s\n",
			ds.ID, ds.Name, ds.Status, ds.TotalRows, ds.ValidRows, ds.AnomalyCount,
			ds.QualityScore, ds.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	_ = tw.Flush()
}

func printRuns(w io.Writer, runs []model.PipelineRun) {
	tw := newTable(w, "ID", "STAGE", "STATUS", "IN", "OUT", "MODIFIED", "REMOVED", "SECONDS", "ERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%.3f\t%s\n",
			r.ID, r.Stage, r.Status, r.InputRows, r.OutputRows, r.RowsModified, r.RowsRemoved,
			r.DurationSeconds, r.ErrorMessage)
	}
	_ = tw.Flush()
}

func printAnomalies(w io.Writer, anomalies []model.Anomaly) {
	tw := newTable(w, "ID", "ROW", "TXN", "TYPE", "SEVERITY", "CONF", "DETECTOR", "RESOLUTION", "DESCRIPTION")
	for _, a := range anomalies {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%.2f\t%s\t%s\t%s\n",
			a.ID, a.RowNumber, a.TransactionID, a.Type, a.Severity, a.Confidence,
			a.DetectedBy, a.Resolution.Outcome(), a.Description)
	}
	_ = tw.Flush()
}

func printSummary(w io.Writer, s model.AnomalySummary) {
	fmt.Fprintf(w, "Total: %d  Unresolved: %d\n", s.Total, s.Unresolved)
	for _, group := range []struct {
		title  string
		counts map[string]int
	}{
		{"By severity", s.BySeverity},
		{"By type", s.ByType},
		{"By detector", s.ByDetector},
	} {
		fmt.Fprintf(w, "%s:\n", group.title)
		printCounts(w, group.counts)
	}
}

func printCounts(w io.Writer, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-24s %d\n", k, counts[k])
	}
}

func printOverview(w io.Writer, ov *pipeline.Overview) {
	fmt.Fprintf(w, "Datasets:        %d\n", ov.Datasets)
	fmt.Fprintf(w, "Success rate:    %.1f%%\n", ov.SuccessRate*100)
	fmt.Fprintf(w, "Average quality: %.2f\n", ov.AverageQuality)
	fmt.Fprintf(w, "Total rows:      %d\n", ov.TotalRows)
	fmt.Fprintf(w, "Total anomalies: %d\n", ov.TotalAnomalies)
	fmt.Fprintln(w, "By status:")
	printCounts(w, ov.ByStatus)
}

func printMetadata(w io.Writer, md *model.DatasetMetadata) {
	s := md.Scores
	fmt.Fprintf(w, "Columns: %s\n", strings.Join(md.Columns, ", "))
	fmt.Fprintf(w, "Scores:  completeness=%.2f validity=%.2f consistency=%.2f accuracy=%.2f overall=%.2f\n",
		s.Completeness, s.Validity, s.Consistency, s.Accuracy, s.Overall)
	if md.DateRange != nil {
		fmt.Fprintf(w, "Dates:   %s to %s\n",
			md.DateRange.Earliest.Format("2006-01-02"), md.DateRange.Latest.Format("2006-01-02"))
	}
	if len(md.CleaningSummary) > 0 {
		fmt.Fprintln(w, "Cleaning:")
		printCounts(w, md.CleaningSummary)
	}
	if len(md.NullCounts) > 0 {
		fmt.Fprintln(w, "Nulls:")
		printCounts(w, md.NullCounts)
	}
}
