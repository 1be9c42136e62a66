// pkg/store/store.go

// Package store defines the durable state of the pipeline: datasets, their
// transaction records, stage runs, anomalies and the metadata snapshot.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/David-Botos/txn-pipeline/pkg/model"
)

// Storage is the persistence boundary of the engine. Implementations must
// make CommitStage atomic and return model.ErrNotFound for missing entities.
type Storage interface {
	CreateDataset(ctx context.Context, ds *model.Dataset) error
	GetDataset(ctx context.Context, id uuid.UUID) (*model.Dataset, error)
	ListDatasets(ctx context.Context, filter DatasetFilter) ([]model.Dataset, error)
	UpdateDataset(ctx context.Context, ds *model.Dataset) error
	// DeleteDataset removes the dataset and everything that references it
	DeleteDataset(ctx context.Context, id uuid.UUID) error

	// ListRecords returns the dataset's records ordered by row number
	ListRecords(ctx context.Context, datasetID uuid.UUID) ([]model.Transaction, error)

	CreateRun(ctx context.Context, run *model.PipelineRun) error
	UpdateRun(ctx context.Context, run *model.PipelineRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*model.PipelineRun, error)
	// ListRuns returns the dataset's runs oldest first
	ListRuns(ctx context.Context, datasetID uuid.UUID) ([]model.PipelineRun, error)
	// ActiveRun returns the pending or running run of a dataset, or nil
	ActiveRun(ctx context.Context, datasetID uuid.UUID) (*model.PipelineRun, error)
	// LatestCompletedRun returns the most recent completed run of a stage, or of
	// any stage when stage is nil. Returns nil when there is none.
	LatestCompletedRun(ctx context.Context, datasetID uuid.UUID, stage *model.Stage) (*model.PipelineRun, error)

	GetAnomaly(ctx context.Context, id uuid.UUID) (*model.Anomaly, error)
	ListAnomalies(ctx context.Context, filter AnomalyFilter) ([]model.Anomaly, error)
	// ResolveAnomaly persists a resolution. It fails with model.ErrAlreadyResolved
	// when the stored anomaly is already resolved.
	ResolveAnomaly(ctx context.Context, a *model.Anomaly) error

	GetMetadata(ctx context.Context, datasetID uuid.UUID) (*model.DatasetMetadata, error)

	// CommitStage applies the full output of one stage run in one transaction
	CommitStage(ctx context.Context, commit StageCommit) error

	Close() error
}

// StageCommit is the complete write set of a completed stage run
type StageCommit struct {
	Dataset *model.Dataset
	Run     *model.PipelineRun

	// Records are upserted by (dataset, row number)
	Records []model.Transaction
	// Anomalies are inserted
	Anomalies []model.Anomaly
	// Resolutions update already stored anomalies
	Resolutions []model.Anomaly
	// Metadata replaces the dataset's snapshot when set
	Metadata *model.DatasetMetadata
}

// DatasetFilter narrows ListDatasets
type DatasetFilter struct {
	Status *model.DatasetStatus
	Limit  int
	Offset int
}

// AnomalyFilter narrows ListAnomalies. Results are ordered by row number then kind.
type AnomalyFilter struct {
	DatasetID  uuid.UUID
	RunID      *uuid.UUID
	Types      []model.AnomalyType
	Severity   *model.Severity
	Unresolved bool
	Limit      int
	Offset     int
}

// Matches reports whether a satisfies the filter, ignoring paging
func (f AnomalyFilter) Matches(a *model.Anomaly) bool {
	if f.DatasetID != uuid.Nil && a.DatasetID != f.DatasetID {
		return false
	}
	if f.RunID != nil && a.RunID != *f.RunID {
		return false
	}
	if f.Severity != nil && a.Severity != *f.Severity {
		return false
	}
	if f.Unresolved && a.Resolution.IsResolved() {
		return false
	}
	if len(f.Types) > 0 {
		for _, t := range f.Types {
			if a.Type == t {
				return true
			}
		}
		return false
	}
	return true
}

// Page applies offset and limit to a slice length, returning the bounds
func Page(n, offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	return offset, end
}
