// pkg/model/enums.go
package model

import (
	"fmt"
	"strings"
)

// DatasetStatus is the lifecycle position of a dataset
type DatasetStatus int

const (
	DatasetUploaded DatasetStatus = iota
	DatasetValidating
	DatasetCleaning
	DatasetAnalyzing
	DatasetCompleted
	DatasetFailed
)

// String returns the persisted name of the status
func (s DatasetStatus) String() string {
	switch s {
	case DatasetUploaded:
		return "uploaded"
	case DatasetValidating:
		return "validating"
	case DatasetCleaning:
		return "cleaning"
	case DatasetAnalyzing:
		return "analyzing"
	case DatasetCompleted:
		return "completed"
	case DatasetFailed:
		return "failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// IsTerminal reports whether no further stage runs are expected
func (s DatasetStatus) IsTerminal() bool {
	switch s {
	case DatasetCompleted, DatasetFailed:
		return true
	case DatasetUploaded, DatasetValidating, DatasetCleaning, DatasetAnalyzing:
		return false
	default:
		return false
	}
}

// ParseDatasetStatus parses a persisted status name
func ParseDatasetStatus(s string) (DatasetStatus, error) {
	for st := DatasetUploaded; st <= DatasetFailed; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown dataset status %q", s)
}

func (s DatasetStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *DatasetStatus) UnmarshalText(b []byte) error {
	v, err := ParseDatasetStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Stage names one of the six fixed processing phases
type Stage int

const (
	StageIngestion Stage = iota
	StageValidation
	StageCleaning
	StageAnomalyDetection
	StageReview
	StagePublishing
)

// AllStages returns the stages in execution order
func AllStages() []Stage {
	return []Stage{
		StageIngestion,
		StageValidation,
		StageCleaning,
		StageAnomalyDetection,
		StageReview,
		StagePublishing,
	}
}

func (s Stage) String() string {
	switch s {
	case StageIngestion:
		return "ingestion"
	case StageValidation:
		return "validation"
	case StageCleaning:
		return "cleaning"
	case StageAnomalyDetection:
		return "anomaly_detection"
	case StageReview:
		return "review"
	case StagePublishing:
		return "publishing"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// DatasetStatus returns the dataset status a dataset holds while (and after) this stage runs.
// analyzing covers anomaly_detection and review; publishing leads to completed.
func (s Stage) DatasetStatus() DatasetStatus {
	switch s {
	case StageIngestion:
		return DatasetUploaded
	case StageValidation:
		return DatasetValidating
	case StageCleaning:
		return DatasetCleaning
	case StageAnomalyDetection, StageReview:
		return DatasetAnalyzing
	case StagePublishing:
		return DatasetCompleted
	default:
		return DatasetFailed
	}
}

// ParseStage parses a persisted stage name
func ParseStage(s string) (Stage, error) {
	for _, st := range AllStages() {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown pipeline stage %q", s)
}

func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Stage) UnmarshalText(b []byte) error {
	v, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// RunStatus is the state of a single PipelineRun
type RunStatus int

const (
	RunPending RunStatus = iota
	RunRunning
	RunCompleted
	RunFailed
	RunCancelled
)

func (s RunStatus) String() string {
	switch s {
	case RunPending:
		return "pending"
	case RunRunning:
		return "running"
	case RunCompleted:
		return "completed"
	case RunFailed:
		return "failed"
	case RunCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// IsTerminal reports whether the run can no longer change
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	case RunPending, RunRunning:
		return false
	default:
		return true
	}
}

// CanTransition enforces pending -> running -> {completed|failed|cancelled} and
// pending -> cancelled.
func (s RunStatus) CanTransition(to RunStatus) bool {
	switch s {
	case RunPending:
		return to == RunRunning || to == RunCancelled
	case RunRunning:
		return to == RunCompleted || to == RunFailed || to == RunCancelled
	case RunCompleted, RunFailed, RunCancelled:
		return false
	default:
		return false
	}
}

func ParseRunStatus(s string) (RunStatus, error) {
	for st := RunPending; st <= RunCancelled; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown pipeline status %q", s)
}

func (s RunStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *RunStatus) UnmarshalText(b []byte) error {
	v, err := ParseRunStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// AnomalyType is the closed set of anomaly kinds
type AnomalyType int

const (
	AnomalyNegativeBalance AnomalyType = iota
	AnomalyDuplicateTransaction
	AnomalyInvalidDate
	AnomalySuspiciousAmount
	AnomalyStatusMismatch
	AnomalyMissingRequiredField
	AnomalyInvalidFormat
	AnomalyOutlier
	AnomalySemanticInconsistency
	AnomalyOther
)

// AllAnomalyTypes lists every anomaly kind
func AllAnomalyTypes() []AnomalyType {
	return []AnomalyType{
		AnomalyNegativeBalance,
		AnomalyDuplicateTransaction,
		AnomalyInvalidDate,
		AnomalySuspiciousAmount,
		AnomalyStatusMismatch,
		AnomalyMissingRequiredField,
		AnomalyInvalidFormat,
		AnomalyOutlier,
		AnomalySemanticInconsistency,
		AnomalyOther,
	}
}

func (t AnomalyType) String() string {
	switch t {
	case AnomalyNegativeBalance:
		return "negative_balance"
	case AnomalyDuplicateTransaction:
		return "duplicate_transaction"
	case AnomalyInvalidDate:
		return "invalid_date"
	case AnomalySuspiciousAmount:
		return "suspicious_amount"
	case AnomalyStatusMismatch:
		return "status_mismatch"
	case AnomalyMissingRequiredField:
		return "missing_required_field"
	case AnomalyInvalidFormat:
		return "invalid_format"
	case AnomalyOutlier:
		return "outlier"
	case AnomalySemanticInconsistency:
		return "semantic_inconsistency"
	case AnomalyOther:
		return "other"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// IsModelKind reports whether a pluggable detector may produce this kind
func (t AnomalyType) IsModelKind() bool {
	return t == AnomalySemanticInconsistency || t == AnomalyOther
}

func ParseAnomalyType(s string) (AnomalyType, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for _, t := range AllAnomalyTypes() {
		if t.String() == norm {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown anomaly type %q", s)
}

func (t AnomalyType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *AnomalyType) UnmarshalText(b []byte) error {
	v, err := ParseAnomalyType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Severity is ordered: low < medium < high < critical
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// AllSeverities lists severities from lowest to highest
func AllSeverities() []Severity {
	return []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
}

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Weight is the accuracy penalty weight of one anomaly of this severity
func (s Severity) Weight() float64 {
	switch s {
	case SeverityLow:
		return 0.5
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// MaxSeverity returns the higher of two severities
func MaxSeverity(a, b Severity) Severity {
	if b > a {
		return b
	}
	return a
}

func ParseSeverity(s string) (Severity, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for _, sev := range AllSeverities() {
		if sev.String() == norm {
			return sev, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// SourceKind is where a dataset's rows came from
type SourceKind int

const (
	SourceCSV SourceKind = iota
	SourceSQL
	SourceAPI
)

func (k SourceKind) String() string {
	switch k {
	case SourceCSV:
		return "csv"
	case SourceSQL:
		return "sql"
	case SourceAPI:
		return "api"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

func ParseSourceKind(s string) (SourceKind, error) {
	switch strings.ToLower(s) {
	case "csv", "xlsx", "file":
		return SourceCSV, nil
	case "sql":
		return SourceSQL, nil
	case "api":
		return SourceAPI, nil
	}
	return 0, fmt.Errorf("unknown source kind %q", s)
}

func (k SourceKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *SourceKind) UnmarshalText(b []byte) error {
	v, err := ParseSourceKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}
