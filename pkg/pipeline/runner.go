// pkg/pipeline/runner.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/David-Botos/txn-pipeline/pkg/ingest"
	"github.com/David-Botos/txn-pipeline/pkg/model"
	"github.com/David-Botos/txn-pipeline/pkg/store"
)

// RunOptions tune a single stage execution
type RunOptions struct {
	// CorrelationID is recorded as the run's external execution id
	CorrelationID string
	// Source feeds the ingestion stage
	Source ingest.Source
	// Rewind moves a dataset back to the stage's status before running it
	Rewind bool
}

// Runner executes one stage for one dataset, recording a PipelineRun and
// committing the stage output atomically when the run completes.
type Runner struct {
	store    store.Storage
	handlers map[model.Stage]StageHandler
	metrics  *StageMetrics
	pool     *RowPool
	logger   *zap.Logger

	mu     sync.Mutex
	active map[uuid.UUID]context.CancelFunc
}

// NewRunner creates a runner over the given handlers. A later handler for the
// same stage replaces an earlier one.
func NewRunner(st store.Storage, handlers []StageHandler, pool *RowPool, metrics *StageMetrics, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pool == nil {
		pool = NewRowPool(0, defaultBatchSize, logger)
	}
	if metrics == nil {
		metrics = NewStageMetrics(logger)
	}
	r := &Runner{
		store:    st,
		handlers: make(map[model.Stage]StageHandler, len(handlers)),
		metrics:  metrics,
		pool:     pool,
		logger:   logger,
		active:   make(map[uuid.UUID]context.CancelFunc),
	}
	for _, h := range handlers {
		r.handlers[h.Stage()] = h
	}
	return r
}

// acquire claims the in-process slot of a dataset
func (r *Runner) acquire(ctx context.Context, datasetID uuid.UUID) (context.Context, func(), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[datasetID]; busy {
		return nil, nil, false
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.active[datasetID] = cancel
	release := func() {
		r.mu.Lock()
		delete(r.active, datasetID)
		r.mu.Unlock()
		cancel()
	}
	return runCtx, release, true
}

// Cancel requests cancellation of the stage running for a dataset in this
// process. It reports whether a run was found.
func (r *Runner) Cancel(datasetID uuid.UUID) bool {
	r.mu.Lock()
	cancel, ok := r.active[datasetID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Busy reports whether this process is running a stage for the dataset
func (r *Runner) Busy(datasetID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[datasetID]
	return ok
}

// Run executes stage for the dataset. The returned run is nil only when no
// run could be recorded (unknown dataset, conflict, invalid transition).
func (r *Runner) Run(ctx context.Context, datasetID uuid.UUID, stage model.Stage, opts RunOptions) (*model.PipelineRun, error) {
	handler, ok := r.handlers[stage]
	if !ok {
		return nil, fmt.Errorf("no handler registered for stage %s", stage)
	}
	logger := r.logger.With(
		zap.String("dataset_id", datasetID.String()),
		zap.String("stage", stage.String()))

	runCtx, release, ok := r.acquire(ctx, datasetID)
	if !ok {
		r.metrics.RecordConflict(ctx, stage)
		logger.Warn("Stage already running in this process")
		return nil, fmt.Errorf("%w: dataset %s", model.ErrStageConflict, datasetID)
	}
	defer release()

	ds, err := r.store.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if err := r.admit(ctx, ds, stage, opts); err != nil {
		return nil, err
	}

	active, err := r.store.ActiveRun(ctx, datasetID)
	if err != nil {
		return nil, WrapError(err, "failed to look up active run")
	}
	if active != nil {
		r.metrics.RecordConflict(ctx, stage)
		logger.Warn("Stage conflict",
			zap.String("active_run_id", active.ID.String()),
			zap.String("active_stage", active.Stage.String()))
		return nil, fmt.Errorf("%w: %s run %s is %s", model.ErrStageConflict, active.Stage, active.ID, active.Status)
	}

	run := model.NewPipelineRun(datasetID, stage)
	run.ExternalNodeID = handler.Name()
	run.ExternalExecutionID = opts.CorrelationID
	if err := r.store.CreateRun(ctx, run); err != nil {
		if errors.Is(err, model.ErrStageConflict) {
			r.metrics.RecordConflict(ctx, stage)
		}
		return nil, WrapError(err, "failed to create run")
	}
	logger = logger.With(zap.String("run_id", run.ID.String()))
	persist := context.WithoutCancel(ctx)

	if err := runCtx.Err(); err != nil {
		return r.cancel(persist, run, logger, err)
	}
	if err := run.Transition(model.RunRunning); err != nil {
		return run, err
	}
	if err := r.store.UpdateRun(persist, run); err != nil {
		return run, WrapError(err, "failed to mark run running")
	}
	ActiveRuns.Inc()
	defer ActiveRuns.Dec()
	logger.Info("Stage run started", zap.String("node", handler.Name()))

	in, err := r.loadInput(runCtx, ds, run, opts, logger)
	if err != nil {
		if IsCancellation(err) {
			return r.cancel(persist, run, logger, err)
		}
		return r.fail(persist, ds, run, nil, logger, err)
	}

	out, err := r.execute(runCtx, handler, in)
	if err != nil {
		if IsCancellation(err) || runCtx.Err() != nil {
			return r.cancel(persist, run, logger, err)
		}
		return r.fail(persist, ds, run, in, logger, err)
	}
	return r.complete(persist, run, in, out, logger)
}

// admit checks that the dataset may run the stage, rewinding it when asked
func (r *Runner) admit(ctx context.Context, ds *model.Dataset, stage model.Stage, opts RunOptions) error {
	if opts.Rewind {
		if stage == model.StageIngestion {
			return fmt.Errorf("%w: ingestion cannot be re-run", model.ErrInvalidTransition)
		}
		ds.Rewind(stage)
	} else {
		if ds.Status.IsTerminal() {
			return fmt.Errorf("%w: dataset %s is %s", model.ErrInvalidTransition, ds.ID, ds.Status)
		}
		if stage.DatasetStatus() < ds.Status {
			return fmt.Errorf("%w: dataset %s is %s, %s would move it back",
				model.ErrInvalidTransition, ds.ID, ds.Status, stage)
		}
	}

	if stage == model.StageIngestion {
		last, err := r.store.LatestCompletedRun(ctx, ds.ID, &stage)
		if err != nil {
			return err
		}
		if last != nil {
			return fmt.Errorf("%w: dataset %s is already ingested", model.ErrInvalidTransition, ds.ID)
		}
		if opts.Source == nil {
			return errors.New("ingestion requires a source")
		}
		return nil
	}

	prev := stage - 1
	last, err := r.store.LatestCompletedRun(ctx, ds.ID, &prev)
	if err != nil {
		return err
	}
	if last == nil {
		return fmt.Errorf("%w: %s has not completed for dataset %s", model.ErrInvalidTransition, prev, ds.ID)
	}
	return nil
}

// loadInput reads the state the stage body works on
func (r *Runner) loadInput(ctx context.Context, ds *model.Dataset, run *model.PipelineRun, opts RunOptions, logger *zap.Logger) (*StageInput, error) {
	work := ds.Clone()
	in := &StageInput{
		Dataset: &work,
		Run:     run,
		Source:  opts.Source,
		Errors:  NewErrorHandler(logger),
		Metrics: NewRunMetrics(logger),
		Pool:    r.pool.Fork(),
		Logger:  logger,
		stored:  ds,
	}

	var err error
	if run.Stage != model.StageIngestion {
		if in.Records, err = r.store.ListRecords(ctx, ds.ID); err != nil {
			return nil, WrapError(err, "failed to load records")
		}
	}
	if run.Stage == model.StageReview || run.Stage == model.StagePublishing {
		detection := model.StageAnomalyDetection
		last, err := r.store.LatestCompletedRun(ctx, ds.ID, &detection)
		if err != nil {
			return nil, WrapError(err, "failed to look up detection run")
		}
		if last != nil {
			in.Anomalies, err = r.store.ListAnomalies(ctx, store.AnomalyFilter{DatasetID: ds.ID, RunID: &last.ID})
			if err != nil {
				return nil, WrapError(err, "failed to load anomalies")
			}
		}
	}
	md, err := r.store.GetMetadata(ctx, ds.ID)
	switch {
	case err == nil:
		in.Metadata = md
	case !errors.Is(err, model.ErrNotFound):
		return nil, WrapError(err, "failed to load metadata")
	}
	if in.Runs, err = r.store.ListRuns(ctx, ds.ID); err != nil {
		return nil, WrapError(err, "failed to load run history")
	}
	return in, nil
}

// execute calls the handler, turning a panic into a stage error
func (r *Runner) execute(ctx context.Context, h StageHandler, in *StageInput) (out *StageOutput, err error) {
	defer func() {
		if p := recover(); p != nil {
			in.Logger.Error("Stage panicked",
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			out, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	out, err = h.Execute(ctx, in)
	if err == nil && out == nil {
		err = errors.New("stage returned no output")
	}
	return out, err
}

func (r *Runner) cancel(ctx context.Context, run *model.PipelineRun, logger *zap.Logger, cause error) (*model.PipelineRun, error) {
	run.ErrorMessage = "cancelled"
	if err := run.Transition(model.RunCancelled); err != nil {
		return run, err
	}
	if err := r.store.UpdateRun(ctx, run); err != nil {
		logger.Error("Failed to record cancelled run", zap.Error(err))
	}
	r.metrics.RecordRun(ctx, run)
	logger.Warn("Stage run cancelled", zap.Error(cause))
	return run, cause
}

// fail records the run as failed and the dataset as failed with the stage
// error. Row data written by the stage is discarded.
func (r *Runner) fail(ctx context.Context, ds *model.Dataset, run *model.PipelineRun, in *StageInput, logger *zap.Logger, cause error) (*model.PipelineRun, error) {
	stageErr := &StageExecutionError{Stage: run.Stage, RunID: run.ID, Err: cause}
	run.ErrorMessage = cause.Error()
	processed := 0
	if in != nil {
		run.InputRows = len(in.Records)
		processed = in.Pool.Processed()
		if processed > run.InputRows {
			processed = run.InputRows
		}
		in.Metrics.Set("rows_processed", float64(processed))
		run.Metrics = in.Metrics.Snapshot()
		for k, v := range in.Errors.Metrics() {
			run.Metrics[k] = v
		}
		in.Errors.RecordError(model.NewErrorRecord(stageErr, model.ErrorCategoryStageExecution))
		run.Logs = in.Errors.LogEntries()
	}
	// rows processed before the fault are reported, but none are committed
	run.OutputRows = processed
	run.RowsRemoved = run.InputRows - processed
	if err := run.Transition(model.RunFailed); err != nil {
		return run, err
	}

	ds.Fail(fmt.Sprintf("%s failed: %v", run.Stage, cause))
	if err := r.store.CommitStage(ctx, store.StageCommit{Dataset: ds, Run: run}); err != nil {
		logger.Error("Failed to record failed run", zap.Error(err))
		return run, errors.Join(stageErr, err)
	}
	r.metrics.RecordRun(ctx, run)
	DatasetsFinished.WithLabelValues(model.DatasetFailed.String()).Inc()
	logger.Error("Stage run failed", zap.Error(cause))
	return run, stageErr
}

func (r *Runner) complete(ctx context.Context, run *model.PipelineRun, in *StageInput, out *StageOutput, logger *zap.Logger) (*model.PipelineRun, error) {
	run.InputRows = out.InputRows
	run.OutputRows = out.OutputRows
	run.RowsModified = out.RowsModified
	run.RowsRemoved = out.RowsRemoved
	if err := run.CheckRowBalance(); err != nil {
		return r.fail(ctx, in.stored, run, in, logger, err)
	}
	work := in.Dataset
	if err := work.Transition(run.Stage.DatasetStatus()); err != nil {
		return r.fail(ctx, in.stored, run, in, logger, err)
	}

	in.Metrics.Complete(run)
	run.Metrics = in.Metrics.Snapshot()
	for k, v := range in.Errors.Metrics() {
		run.Metrics[k] = v
	}
	run.Logs = in.Errors.LogEntries()
	if err := run.Transition(model.RunCompleted); err != nil {
		return run, err
	}

	commit := store.StageCommit{
		Dataset:     work,
		Run:         run,
		Records:     out.Records,
		Anomalies:   out.Anomalies,
		Resolutions: out.Resolutions,
		Metadata:    out.Metadata,
	}
	if err := r.store.CommitStage(ctx, commit); err != nil {
		// the run never completed as far as the store is concerned
		failed := run.Clone()
		failed.Status = model.RunRunning
		failed.CompletedAt = nil
		return r.fail(ctx, in.stored, &failed, in, logger, WrapError(err, "failed to commit stage"))
	}

	r.metrics.RecordRun(ctx, run)
	r.metrics.RecordAnomalies(ctx, out.Anomalies)
	if work.Status == model.DatasetCompleted {
		DatasetsFinished.WithLabelValues(model.DatasetCompleted.String()).Inc()
		QualityScore.Observe(work.QualityScore)
	}
	logger.Info("Stage run completed",
		zap.Int("input_rows", run.InputRows),
		zap.Int("output_rows", run.OutputRows),
		zap.Int("rows_modified", run.RowsModified),
		zap.Float64("duration_seconds", run.DurationSeconds))
	return run, nil
}
