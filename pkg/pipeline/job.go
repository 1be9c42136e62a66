// pkg/pipeline/job.go
package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/David-Botos/txn-pipeline/pkg/ingest"
	"github.com/David-Botos/txn-pipeline/pkg/model"
)

// StageHandler is the body of one pipeline stage. Execute works on the copies
// held by its input and reports everything it changed in the output; nothing
// reaches the store unless the run completes.
type StageHandler interface {
	Stage() model.Stage
	// Name is recorded as the run's external node id
	Name() string
	Execute(ctx context.Context, in *StageInput) (*StageOutput, error)
}

// StageInput is the state a stage body may read and mutate
type StageInput struct {
	// Dataset is a private copy; counter and score updates are committed with the run
	Dataset *model.Dataset
	Run     *model.PipelineRun

	// Records are private copies ordered by row number. Empty for ingestion.
	Records []model.Transaction
	// Anomalies are those of the latest completed anomaly_detection run
	Anomalies []model.Anomaly
	// Metadata is the stored snapshot, nil before the first profile
	Metadata *model.DatasetMetadata
	// Runs is the dataset's run history, oldest first
	Runs []model.PipelineRun

	// Source feeds the ingestion stage
	Source ingest.Source

	Errors  *ErrorHandler
	Metrics *RunMetrics
	Pool    *RowPool
	Logger  *zap.Logger

	// stored is the dataset as read before the stage started
	stored *model.Dataset
}

// StageOutput is the write set and row accounting of a stage body
type StageOutput struct {
	// Records replace the stored records when non-nil
	Records []model.Transaction
	// Anomalies are new findings tied to this run
	Anomalies []model.Anomaly
	// Resolutions are stored anomalies with a new resolution
	Resolutions []model.Anomaly
	// Metadata replaces the snapshot when non-nil
	Metadata *model.DatasetMetadata

	InputRows    int
	OutputRows   int
	RowsModified int
	RowsRemoved  int
}

// passThrough accounts for a stage that keeps every row
func passThrough(n int) *StageOutput {
	return &StageOutput{InputRows: n, OutputRows: n}
}
