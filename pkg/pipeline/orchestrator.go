// pkg/pipeline/orchestrator.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/David-Botos/txn-pipeline/pkg/anomaly"
	"github.com/David-Botos/txn-pipeline/pkg/events"
	"github.com/David-Botos/txn-pipeline/pkg/ingest"
	"github.com/David-Botos/txn-pipeline/pkg/model"
	"github.com/David-Botos/txn-pipeline/pkg/store"
)

// Orchestrator sequences the six stages for a dataset and exposes the
// dataset-level operations around them.
type Orchestrator struct {
	store     store.Storage
	runner    *Runner
	publisher events.Publisher
	defaults  model.PipelineConfig
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures an Orchestrator
type Option func(*orchestratorOptions)

type orchestratorOptions struct {
	deps      stageDeps
	publisher events.Publisher
	defaults  model.PipelineConfig
	workers   int
	batchSize int
	extra     []StageHandler
}

// WithDetector plugs a model detector into the anomaly_detection stage. Each
// call is bounded by timeout.
func WithDetector(d anomaly.Detector, timeout time.Duration) Option {
	return func(o *orchestratorOptions) {
		o.deps.detector = d
		o.deps.detectorTimeout = timeout
	}
}

// WithPublisher sets the lifecycle event publisher
func WithPublisher(p events.Publisher) Option {
	return func(o *orchestratorOptions) { o.publisher = p }
}

// WithPool sizes the row worker pool
func WithPool(workers, batchSize int) Option {
	return func(o *orchestratorOptions) {
		o.workers = workers
		o.batchSize = batchSize
	}
}

// WithClock overrides the time source used by the validator and classifier
func WithClock(now func() time.Time) Option {
	return func(o *orchestratorOptions) { o.deps.now = now }
}

// WithStageMetrics sets the OpenTelemetry instruments
func WithStageMetrics(m *StageMetrics) Option {
	return func(o *orchestratorOptions) { o.deps.metrics = m }
}

// WithHandler replaces the built-in handler of h.Stage()
func WithHandler(h StageHandler) Option {
	return func(o *orchestratorOptions) { o.extra = append(o.extra, h) }
}

// WithDefaults sets the pipeline config used when a request carries none
func WithDefaults(cfg model.PipelineConfig) Option {
	return func(o *orchestratorOptions) { o.defaults = cfg.Clone() }
}

// NewOrchestrator wires the stage runner over a store
func NewOrchestrator(st store.Storage, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &orchestratorOptions{
		publisher: events.NopPublisher{},
		defaults:  model.DefaultPipelineConfig(),
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.deps.now == nil {
		o.deps.now = func() time.Time { return time.Now().UTC() }
	}
	if o.deps.metrics == nil {
		o.deps.metrics = NewStageMetrics(logger)
	}
	o.deps.verifier = NewVerifier(logger)

	handlers := append(defaultHandlers(&o.deps), o.extra...)
	pool := NewRowPool(o.workers, o.batchSize, logger)
	return &Orchestrator{
		store:     st,
		runner:    NewRunner(st, handlers, pool, o.deps.metrics, logger),
		publisher: o.publisher,
		defaults:  o.defaults,
		now:       o.deps.now,
		logger:    logger,
	}
}

// IngestRequest describes a new dataset
type IngestRequest struct {
	// Name defaults to the source name
	Name   string
	Source ingest.Source
	// Config defaults to the orchestrator defaults
	Config        *model.PipelineConfig
	CorrelationID string
}

// Ingest creates a dataset, runs ingestion and, when the dataset's config asks
// for it, advances it to completed. The dataset is returned whenever it was
// created, even if a stage failed.
func (o *Orchestrator) Ingest(ctx context.Context, req IngestRequest) (*model.Dataset, error) {
	if req.Source == nil {
		return nil, errors.New("ingest requires a source")
	}
	cfg := o.defaults.Clone()
	if req.Config != nil {
		cfg = req.Config.Clone()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	name := req.Name
	if name == "" {
		name = req.Source.Name()
	}

	ds := model.NewDataset(name, req.Source.Kind(), req.Source.Path(), cfg)
	if err := o.store.CreateDataset(ctx, ds); err != nil {
		return nil, WrapError(err, "failed to create dataset")
	}
	o.logger.Info("Dataset created",
		zap.String("dataset_id", ds.ID.String()),
		zap.String("name", ds.Name),
		zap.String("source_kind", ds.SourceKind.String()))

	run, err := o.runner.Run(ctx, ds.ID, model.StageIngestion, RunOptions{
		CorrelationID: req.CorrelationID,
		Source:        req.Source,
	})
	o.publishRun(ctx, run, req.CorrelationID)
	if err != nil {
		return o.reload(ctx, ds), err
	}

	current := o.reload(ctx, ds)
	o.publish(ctx, events.Event{
		Type:          events.DatasetIngested,
		DatasetID:     ds.ID,
		RunID:         &run.ID,
		Status:        current.Status.String(),
		CorrelationID: req.CorrelationID,
		Attributes:    map[string]string{"total_rows": fmt.Sprint(current.TotalRows)},
	})

	if !cfg.AutoProcess {
		return current, nil
	}
	return o.Advance(ctx, ds.ID, AdvanceOptions{CorrelationID: req.CorrelationID})
}

// AdvanceOptions control how far Advance drives a dataset
type AdvanceOptions struct {
	// Target is the dataset status to stop at. uploaded and failed mean completed.
	Target model.DatasetStatus
	// ForceRerun re-runs RerunStage even when the dataset is past it
	ForceRerun bool
	RerunStage model.Stage
	// CorrelationID is recorded on every run
	CorrelationID string
}

// Advance runs the stages after the dataset's latest completed stage until the
// target status is reached, a stage fails or the context is cancelled.
func (o *Orchestrator) Advance(ctx context.Context, datasetID uuid.UUID, opts AdvanceOptions) (*model.Dataset, error) {
	target := opts.Target
	if target == model.DatasetUploaded || target == model.DatasetFailed {
		target = model.DatasetCompleted
	}

	ds, err := o.store.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	if opts.ForceRerun {
		if opts.RerunStage == model.StageIngestion {
			return ds, fmt.Errorf("%w: ingestion cannot be re-run", model.ErrInvalidTransition)
		}
		run, err := o.runner.Run(ctx, datasetID, opts.RerunStage, RunOptions{
			CorrelationID: opts.CorrelationID,
			Rewind:        true,
		})
		o.publishRun(ctx, run, opts.CorrelationID)
		if err != nil {
			return o.reload(ctx, ds), err
		}
		ds = o.reload(ctx, ds)
	} else if ds.Status.IsTerminal() {
		return ds, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return ds, err
		}
		next, done, err := o.nextStage(ctx, datasetID)
		if err != nil {
			return ds, err
		}
		if done || next.DatasetStatus() > target {
			return ds, nil
		}

		run, err := o.runner.Run(ctx, datasetID, next, RunOptions{CorrelationID: opts.CorrelationID})
		o.publishRun(ctx, run, opts.CorrelationID)
		ds = o.reload(ctx, ds)
		if err != nil {
			return ds, err
		}
		if ds.Status == model.DatasetCompleted {
			o.publish(ctx, events.Event{
				Type:          events.DatasetPublished,
				DatasetID:     ds.ID,
				RunID:         &run.ID,
				Status:        ds.Status.String(),
				CorrelationID: opts.CorrelationID,
				Attributes:    map[string]string{"quality_score": fmt.Sprintf("%.2f", ds.QualityScore)},
			})
			return ds, nil
		}
	}
}

// nextStage follows the latest completed run of any stage
func (o *Orchestrator) nextStage(ctx context.Context, datasetID uuid.UUID) (model.Stage, bool, error) {
	last, err := o.store.LatestCompletedRun(ctx, datasetID, nil)
	if err != nil {
		return 0, false, err
	}
	if last == nil {
		return 0, false, fmt.Errorf("%w: dataset %s has no completed ingestion", model.ErrInvalidTransition, datasetID)
	}
	if last.Stage == model.StagePublishing {
		return 0, true, nil
	}
	return last.Stage + 1, false, nil
}

// Rerun re-executes one stage of a dataset, producing a new run and leaving
// the earlier runs untouched, then stops at the stage's status.
func (o *Orchestrator) Rerun(ctx context.Context, datasetID uuid.UUID, stage model.Stage, correlationID string) (*model.Dataset, error) {
	return o.Advance(ctx, datasetID, AdvanceOptions{
		Target:        stage.DatasetStatus(),
		ForceRerun:    true,
		RerunStage:    stage,
		CorrelationID: correlationID,
	})
}

// RunStage executes a single stage without advancing further
func (o *Orchestrator) RunStage(ctx context.Context, datasetID uuid.UUID, stage model.Stage, opts RunOptions) (*model.PipelineRun, error) {
	run, err := o.runner.Run(ctx, datasetID, stage, opts)
	o.publishRun(ctx, run, opts.CorrelationID)
	return run, err
}

// Cancel requests cancellation of the dataset's running stage in this process
func (o *Orchestrator) Cancel(datasetID uuid.UUID) bool {
	return o.runner.Cancel(datasetID)
}

// ResolveAnomaly records a manual resolution of one anomaly
func (o *Orchestrator) ResolveAnomaly(ctx context.Context, anomalyID uuid.UUID, outcome model.ResolutionOutcome, action, value string) (*model.Anomaly, error) {
	a, err := o.store.GetAnomaly(ctx, anomalyID)
	if err != nil {
		return nil, err
	}
	if err := a.Resolve(outcome, action, value, o.now()); err != nil {
		return nil, err
	}
	if err := o.store.ResolveAnomaly(ctx, a); err != nil {
		return nil, err
	}
	o.logger.Info("Anomaly resolved",
		zap.String("anomaly_id", a.ID.String()),
		zap.String("dataset_id", a.DatasetID.String()),
		zap.String("outcome", outcome.String()))
	o.publish(ctx, events.Event{
		Type:      events.AnomalyResolved,
		DatasetID: a.DatasetID,
		RunID:     &a.RunID,
		Status:    outcome.String(),
		Attributes: map[string]string{
			"anomaly_id": a.ID.String(),
			"action":     action,
		},
	})
	return a, nil
}

// Dataset returns one dataset
func (o *Orchestrator) Dataset(ctx context.Context, id uuid.UUID) (*model.Dataset, error) {
	return o.store.GetDataset(ctx, id)
}

// Records returns the dataset's records ordered by row number
func (o *Orchestrator) Records(ctx context.Context, id uuid.UUID) ([]model.Transaction, error) {
	return o.store.ListRecords(ctx, id)
}

// ListRuns returns the dataset's runs oldest first
func (o *Orchestrator) ListRuns(ctx context.Context, id uuid.UUID) ([]model.PipelineRun, error) {
	if _, err := o.store.GetDataset(ctx, id); err != nil {
		return nil, err
	}
	return o.store.ListRuns(ctx, id)
}

// Metadata returns the dataset's profile snapshot
func (o *Orchestrator) Metadata(ctx context.Context, id uuid.UUID) (*model.DatasetMetadata, error) {
	return o.store.GetMetadata(ctx, id)
}

// Anomalies lists the anomalies of the latest completed detection run
func (o *Orchestrator) Anomalies(ctx context.Context, filter store.AnomalyFilter) ([]model.Anomaly, error) {
	if filter.RunID == nil {
		detection := model.StageAnomalyDetection
		last, err := o.store.LatestCompletedRun(ctx, filter.DatasetID, &detection)
		if err != nil {
			return nil, err
		}
		if last == nil {
			return nil, nil
		}
		filter.RunID = &last.ID
	}
	return o.store.ListAnomalies(ctx, filter)
}

// AnomalySummary groups the latest detection run's anomalies
func (o *Orchestrator) AnomalySummary(ctx context.Context, datasetID uuid.UUID) (model.AnomalySummary, error) {
	if _, err := o.store.GetDataset(ctx, datasetID); err != nil {
		return model.AnomalySummary{}, err
	}
	anomalies, err := o.Anomalies(ctx, store.AnomalyFilter{DatasetID: datasetID})
	if err != nil {
		return model.AnomalySummary{}, err
	}
	return model.Summarize(anomalies), nil
}

// Overview is an aggregate view over all datasets
type Overview struct {
	Datasets       int            `json:"datasets"`
	ByStatus       map[string]int `json:"by_status"`
	SuccessRate    float64        `json:"success_rate"`
	AverageQuality float64        `json:"average_quality"`
	TotalRows      int            `json:"total_rows"`
	TotalAnomalies int            `json:"total_anomalies"`
}

// Overview aggregates every stored dataset
func (o *Orchestrator) Overview(ctx context.Context) (*Overview, error) {
	all, err := o.store.ListDatasets(ctx, store.DatasetFilter{})
	if err != nil {
		return nil, err
	}
	ov := &Overview{ByStatus: make(map[string]int)}
	var completed, failed int
	var quality float64
	for _, ds := range all {
		ov.Datasets++
		ov.ByStatus[ds.Status.String()]++
		ov.TotalRows += ds.TotalRows
		ov.TotalAnomalies += ds.AnomalyCount
		switch ds.Status {
		case model.DatasetCompleted:
			completed++
			quality += ds.QualityScore
		case model.DatasetFailed:
			failed++
		}
	}
	if completed+failed > 0 {
		ov.SuccessRate = float64(completed) / float64(completed+failed)
	}
	if completed > 0 {
		ov.AverageQuality = quality / float64(completed)
	}
	return ov, nil
}

// ListDatasets pages over stored datasets
func (o *Orchestrator) ListDatasets(ctx context.Context, filter store.DatasetFilter) ([]model.Dataset, error) {
	return o.store.ListDatasets(ctx, filter)
}

// Delete removes a dataset with everything attached to it. A dataset with an
// active run cannot be deleted.
func (o *Orchestrator) Delete(ctx context.Context, id uuid.UUID) error {
	if o.runner.Busy(id) {
		return fmt.Errorf("%w: dataset %s", model.ErrStageConflict, id)
	}
	active, err := o.store.ActiveRun(ctx, id)
	if err != nil {
		return err
	}
	if active != nil {
		return fmt.Errorf("%w: %s run %s is %s", model.ErrStageConflict, active.Stage, active.ID, active.Status)
	}
	if err := o.store.DeleteDataset(ctx, id); err != nil {
		return err
	}
	o.logger.Info("Dataset deleted", zap.String("dataset_id", id.String()))
	o.publish(ctx, events.Event{Type: events.DatasetDeleted, DatasetID: id})
	return nil
}

// reload re-reads a dataset, falling back to the given copy
func (o *Orchestrator) reload(ctx context.Context, ds *model.Dataset) *model.Dataset {
	fresh, err := o.store.GetDataset(context.WithoutCancel(ctx), ds.ID)
	if err != nil {
		o.logger.Warn("Failed to reload dataset", zap.String("dataset_id", ds.ID.String()), zap.Error(err))
		return ds
	}
	return fresh
}

// publishRun emits the stage event of a finished run and, for a failed
// run, the dataset failure
func (o *Orchestrator) publishRun(ctx context.Context, run *model.PipelineRun, correlationID string) {
	if run == nil {
		return
	}
	ev := events.Event{
		DatasetID:     run.DatasetID,
		Stage:         run.Stage.String(),
		RunID:         &run.ID,
		Status:        run.Status.String(),
		CorrelationID: correlationID,
		Attributes: map[string]string{
			"input_rows":  fmt.Sprint(run.InputRows),
			"output_rows": fmt.Sprint(run.OutputRows),
		},
	}
	switch run.Status {
	case model.RunCompleted:
		ev.Type = events.StageCompleted
	case model.RunFailed:
		ev.Type = events.StageFailed
		ev.Attributes["error"] = run.ErrorMessage
	case model.RunCancelled:
		ev.Type = events.StageCancelled
	default:
		return
	}
	o.publish(ctx, ev)

	if run.Status == model.RunFailed {
		o.publish(ctx, events.Event{
			Type:          events.DatasetFailed,
			DatasetID:     run.DatasetID,
			Stage:         run.Stage.String(),
			RunID:         &run.ID,
			Status:        model.DatasetFailed.String(),
			CorrelationID: correlationID,
			Attributes:    map[string]string{"error": run.ErrorMessage},
		})
	}
}

func (o *Orchestrator) publish(ctx context.Context, ev events.Event) {
	if ev.Time.IsZero() {
		ev.Time = o.now()
	}
	if err := o.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		o.logger.Warn("Failed to publish event",
			zap.String("type", ev.Type),
			zap.String("dataset_id", ev.DatasetID.String()),
			zap.Error(err))
	}
}
