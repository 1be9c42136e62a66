// pkg/model/dataset.go
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Dataset is one ingested collection of transaction rows
type Dataset struct {
	ID         uuid.UUID     `json:"id"`
	Name       string        `json:"name"`
	SourceKind SourceKind    `json:"source_kind"`
	FilePath   string        `json:"file_path,omitempty"`
	Status     DatasetStatus `json:"status"`

	TotalRows    int `json:"total_rows"`
	ValidRows    int `json:"valid_rows"`
	InvalidRows  int `json:"invalid_rows"`
	CleanedRows  int `json:"cleaned_rows"`
	AnomalyCount int `json:"anomaly_count"`

	QualityScore      float64  `json:"quality_score"`
	ProcessingSeconds *float64 `json:"processing_seconds,omitempty"`
	ErrorMessage      string   `json:"error_message,omitempty"`

	Config PipelineConfig `json:"pipeline_config"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewDataset creates an uploaded dataset with a fresh identity
func NewDataset(name string, kind SourceKind, path string, cfg PipelineConfig) *Dataset {
	now := time.Now().UTC()
	return &Dataset{
		ID:         uuid.New(),
		Name:       name,
		SourceKind: kind,
		FilePath:   path,
		Status:     DatasetUploaded,
		Config:     cfg,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Transition moves the dataset forward through the status order or to failed.
// Moving to the current status is a no-op.
func (d *Dataset) Transition(to DatasetStatus) error {
	if d.Status == to {
		return nil
	}
	if d.Status.IsTerminal() {
		return fmt.Errorf("%w: dataset %s is %s", ErrInvalidTransition, d.ID, d.Status)
	}
	if to != DatasetFailed && to < d.Status {
		return fmt.Errorf("%w: dataset %s cannot move from %s to %s", ErrInvalidTransition, d.ID, d.Status, to)
	}
	d.Status = to
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// Rewind moves the dataset back to the status of the given stage. Only an
// explicit re-run may do this.
func (d *Dataset) Rewind(stage Stage) {
	d.Status = stage.DatasetStatus()
	if stage == StagePublishing {
		d.Status = DatasetAnalyzing
	}
	d.ErrorMessage = ""
	d.UpdatedAt = time.Now().UTC()
}

// Fail marks the dataset failed with a reason
func (d *Dataset) Fail(reason string) {
	d.Status = DatasetFailed
	d.ErrorMessage = reason
	d.UpdatedAt = time.Now().UTC()
}

// CheckCounters verifies valid_rows + invalid_rows == total_rows
func (d *Dataset) CheckCounters() error {
	if d.ValidRows+d.InvalidRows != d.TotalRows {
		return fmt.Errorf("%w: valid(%d) + invalid(%d) != total(%d)",
			ErrInvariantViolation, d.ValidRows, d.InvalidRows, d.TotalRows)
	}
	return nil
}

// Clone returns a copy that shares no mutable state with d
func (d Dataset) Clone() Dataset {
	c := d
	if d.ProcessingSeconds != nil {
		v := *d.ProcessingSeconds
		c.ProcessingSeconds = &v
	}
	c.Config = d.Config.Clone()
	return c
}
