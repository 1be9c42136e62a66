// pkg/pipeline/verifier.go
package pipeline

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/David-Botos/txn-pipeline/pkg/model"
)

// IntegrityIssue is one invariant the dataset breaks
type IntegrityIssue struct {
	Check   string
	Row     int
	Details string
}

// VerificationReport is the outcome of checking a dataset before publishing
type VerificationReport struct {
	DatasetID  string
	TotalRows  int
	Issues     []IntegrityIssue
	VerifiedAt time.Time
}

// OK reports whether no issue was found
func (r *VerificationReport) OK() bool { return len(r.Issues) == 0 }

// Err summarizes the issues as an invariant violation, or nil
func (r *VerificationReport) Err() error {
	if r.OK() {
		return nil
	}
	checks := make([]string, 0, len(r.Issues))
	seen := make(map[string]bool)
	for _, is := range r.Issues {
		if !seen[is.Check] {
			seen[is.Check] = true
			checks = append(checks, is.Check)
		}
	}
	return fmt.Errorf("%w: %d integrity issues (%s)", model.ErrInvariantViolation, len(r.Issues), strings.Join(checks, ", "))
}

// Verifier checks the dataset invariants that must hold before publishing
type Verifier struct {
	logger    *zap.Logger
	maxIssues int
}

// NewVerifier creates a new verifier
func NewVerifier(logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{logger: logger, maxIssues: 100}
}

// Verify checks counters and per-row audit invariants. Anomalies are those of
// the latest detection run.
func (v *Verifier) Verify(ds *model.Dataset, records []model.Transaction, anomalies []model.Anomaly) *VerificationReport {
	report := &VerificationReport{
		DatasetID:  ds.ID.String(),
		TotalRows:  len(records),
		VerifiedAt: time.Now().UTC(),
	}
	add := func(issue IntegrityIssue) {
		if len(report.Issues) < v.maxIssues {
			report.Issues = append(report.Issues, issue)
		}
	}

	if ds.TotalRows != len(records) {
		add(IntegrityIssue{Check: "row_count", Details: fmt.Sprintf("total_rows %d but %d records stored", ds.TotalRows, len(records))})
	}
	if err := ds.CheckCounters(); err != nil {
		add(IntegrityIssue{Check: "counters", Details: err.Error()})
	}

	referenced := make(map[int]bool, len(anomalies))
	for _, a := range anomalies {
		if a.RowNumber > 0 {
			referenced[a.RowNumber] = true
		}
		if err := model.ValidateConfidence(a.Confidence); err != nil {
			add(IntegrityIssue{Check: "confidence", Row: a.RowNumber, Details: err.Error()})
		}
	}

	valid := 0
	for i := range records {
		rec := &records[i]
		if rec.IsValid {
			valid++
		}
		if rec.IsAnomaly && !referenced[rec.RowNumber] {
			add(IntegrityIssue{Check: "anomaly_flag", Row: rec.RowNumber, Details: "is_anomaly set without an anomaly"})
		}
		if rec.WasCleaned && len(rec.OriginalValues) == 0 {
			add(IntegrityIssue{Check: "cleaning_audit", Row: rec.RowNumber, Details: "was_cleaned set without original values"})
		}
	}
	if valid != ds.ValidRows {
		add(IntegrityIssue{Check: "valid_rows", Details: fmt.Sprintf("valid_rows %d but %d records are valid", ds.ValidRows, valid)})
	}

	if report.OK() {
		v.logger.Info("Dataset verification successful",
			zap.String("dataset_id", report.DatasetID),
			zap.Int("rows", report.TotalRows))
	} else {
		v.logger.Warn("Dataset verification failed",
			zap.String("dataset_id", report.DatasetID),
			zap.Int("issues", len(report.Issues)))
	}
	return report
}
