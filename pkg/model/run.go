// pkg/model/run.go
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PipelineRun is one execution of one stage for one dataset
type PipelineRun struct {
	ID        uuid.UUID `json:"id"`
	DatasetID uuid.UUID `json:"dataset_id"`
	Stage     Stage     `json:"stage"`
	Status    RunStatus `json:"status"`

	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`

	InputRows    int `json:"input_rows"`
	OutputRows   int `json:"output_rows"`
	RowsModified int `json:"rows_modified"`
	RowsRemoved  int `json:"rows_removed"`

	Metrics      map[string]float64 `json:"stage_metrics,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	Logs         []RunLogEntry      `json:"logs,omitempty"`

	ExternalNodeID      string `json:"external_node_id,omitempty"`
	ExternalExecutionID string `json:"external_execution_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// RunLogEntry is one structured log line attached to a run
type RunLogEntry struct {
	Time     time.Time `json:"time"`
	Level    string    `json:"level"`
	Message  string    `json:"message"`
	Category string    `json:"category,omitempty"`
	Row      int       `json:"row,omitempty"`
	Field    string    `json:"field,omitempty"`
}

// NewPipelineRun creates a pending run for a stage
func NewPipelineRun(datasetID uuid.UUID, stage Stage) *PipelineRun {
	return &PipelineRun{
		ID:        uuid.New(),
		DatasetID: datasetID,
		Stage:     stage,
		Status:    RunPending,
		Metrics:   make(map[string]float64),
		CreatedAt: time.Now().UTC(),
	}
}

// Transition applies a status change, rejecting anything outside the run state machine
func (r *PipelineRun) Transition(to RunStatus) error {
	if !r.Status.CanTransition(to) {
		return fmt.Errorf("%w: run %s cannot move from %s to %s", ErrInvalidTransition, r.ID, r.Status, to)
	}
	now := time.Now().UTC()
	switch to {
	case RunRunning:
		r.StartedAt = &now
	case RunCompleted, RunFailed, RunCancelled:
		r.CompletedAt = &now
		if r.StartedAt != nil {
			r.DurationSeconds = now.Sub(*r.StartedAt).Seconds()
		}
	case RunPending:
	}
	r.Status = to
	return nil
}

// CheckRowBalance verifies output_rows + rows_removed == input_rows
func (r *PipelineRun) CheckRowBalance() error {
	if r.OutputRows+r.RowsRemoved != r.InputRows {
		return fmt.Errorf("%w: %s run output(%d) + removed(%d) != input(%d)",
			ErrInvariantViolation, r.Stage, r.OutputRows, r.RowsRemoved, r.InputRows)
	}
	return nil
}

// Clone returns a copy that shares no mutable state with r
func (r PipelineRun) Clone() PipelineRun {
	c := r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.Metrics != nil {
		c.Metrics = make(map[string]float64, len(r.Metrics))
		for k, v := range r.Metrics {
			c.Metrics[k] = v
		}
	}
	if r.Logs != nil {
		c.Logs = append([]RunLogEntry(nil), r.Logs...)
	}
	return c
}
