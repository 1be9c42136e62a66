// pkg/pipeline/stages.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/David-Botos/txn-pipeline/pkg/anomaly"
	"github.com/David-Botos/txn-pipeline/pkg/cleaner"
	"github.com/David-Botos/txn-pipeline/pkg/model"
	"github.com/David-Botos/txn-pipeline/pkg/quality"
	"github.com/David-Botos/txn-pipeline/pkg/validator"
)

// ReviewAutoIgnoreAction is the resolution action recorded by the review policy
const ReviewAutoIgnoreAction = "auto_ignore"

// stageDeps are the collaborators shared by the built-in stage handlers
type stageDeps struct {
	now             func() time.Time
	detector        anomaly.Detector
	detectorTimeout time.Duration
	metrics         *StageMetrics
	verifier        *Verifier
}

// defaultHandlers returns the six built-in stage handlers
func defaultHandlers(d *stageDeps) []StageHandler {
	return []StageHandler{
		&ingestionStage{},
		&validationStage{deps: d},
		&cleaningStage{deps: d},
		&detectionStage{deps: d},
		&reviewStage{deps: d},
		&publishingStage{deps: d},
	}
}

// ingestionStage loads the source and numbers the rows from 1
type ingestionStage struct{}

func (s *ingestionStage) Stage() model.Stage { return model.StageIngestion }
func (s *ingestionStage) Name() string       { return "ingestion_node" }

func (s *ingestionStage) Execute(ctx context.Context, in *StageInput) (*StageOutput, error) {
	if in.Source == nil {
		return nil, errors.New("ingestion requires a source")
	}
	batch, err := in.Source.Load(ctx)
	if err != nil {
		return nil, WrapError(err, "failed to load source")
	}

	ds := in.Dataset
	records := batch.Records
	for i := range records {
		records[i].DatasetID = ds.ID
		records[i].RowNumber = i + 1
	}

	// nothing has been validated yet, so every row counts as invalid
	ds.TotalRows = len(records)
	ds.ValidRows = 0
	ds.InvalidRows = len(records)
	ds.CleanedRows = 0
	ds.AnomalyCount = 0

	md := quality.Profile(ds.ID, records, nil, ds.Config.Schema.RequiredFields, batch.File)
	if len(batch.Columns) > 0 {
		md.Columns = batch.Columns
		md.ColumnCount = len(batch.Columns)
	}

	in.Metrics.Set("columns", float64(len(batch.Columns)))
	in.Metrics.Set("unmapped_columns", float64(len(batch.Unmapped)))
	in.Metrics.Set("file_size_bytes", float64(batch.File.SizeBytes))
	in.Logger.Info("Ingested rows",
		zap.Int("rows", len(records)),
		zap.String("format", batch.File.Format))

	out := passThrough(len(records))
	out.Records = records
	out.Metadata = &md
	return out, nil
}

// validationStage marks every record valid or invalid
type validationStage struct{ deps *stageDeps }

func (s *validationStage) Stage() model.Stage { return model.StageValidation }
func (s *validationStage) Name() string       { return "validation_node" }

func (s *validationStage) Execute(ctx context.Context, in *StageInput) (*StageOutput, error) {
	records := in.Records
	v := validator.New(in.Dataset.Config).WithClock(s.deps.now)
	if err := validateAll(ctx, in, v, records); err != nil {
		return nil, err
	}

	ds := in.Dataset
	ds.ValidRows, ds.InvalidRows = countValidity(records)
	if err := ds.CheckCounters(); err != nil {
		return nil, err
	}

	for _, rule := range []model.RuleKind{model.RuleRequired, model.RuleFormat, model.RuleReferential, model.RuleDomain} {
		in.Metrics.Set("violations_"+rule.String(), 0)
	}
	for i := range records {
		for _, fe := range records[i].ValidationErrors {
			in.Metrics.Add("violations_"+fe.Rule.String(), 1)
		}
	}
	in.Metrics.Set("valid_rows", float64(ds.ValidRows))
	in.Metrics.Set("invalid_rows", float64(ds.InvalidRows))

	out := passThrough(len(records))
	out.Records = records
	return out, nil
}

// validateAll sets is_valid and validation_errors on every record. The batch
// index is built before the parallel pass and only read during it.
func validateAll(ctx context.Context, in *StageInput, v *validator.Validator, records []model.Transaction) error {
	batch := validator.NewBatchIndex(records)
	return in.Pool.Run(ctx, len(records), func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			verdict := v.Validate(&records[i], batch)
			records[i].IsValid = verdict.IsValid
			records[i].ValidationErrors = verdict.Errors
			if !verdict.IsValid {
				first := verdict.Errors[0]
				rec := model.NewErrorRecord(
					fmt.Errorf("%w: %s", model.ErrValidation, first.Error()),
					model.ErrorCategoryValidation,
				).WithRow(records[i].RowNumber).WithField(first.Field, first.Value)
				if in.Errors.HandleError(rec) == ActionAbort {
					return rec.Err
				}
			}
		}
		return nil
	})
}

func countValidity(records []model.Transaction) (valid, invalid int) {
	for i := range records {
		if records[i].IsValid {
			valid++
		} else {
			invalid++
		}
	}
	return valid, invalid
}

// cleaningStage repairs cleanable records and re-validates the batch
type cleaningStage struct{ deps *stageDeps }

func (s *cleaningStage) Stage() model.Stage { return model.StageCleaning }
func (s *cleaningStage) Name() string       { return "cleaning_node" }

func (s *cleaningStage) Execute(ctx context.Context, in *StageInput) (*StageOutput, error) {
	cfg := in.Dataset.Config
	dc, err := cleaner.NewDataCleaner(cfg, in.Logger)
	if err != nil {
		return nil, err
	}
	v := validator.New(cfg).WithClock(s.deps.now)
	records := in.Records

	var modified, actions, unrepairable atomic.Int64
	batch := validator.NewBatchIndex(records)
	err = in.Pool.Run(ctx, len(records), func(lo, hi int) error {
		rows := records[lo:hi]
		verdicts := make([]validator.Verdict, len(rows))
		for i := range rows {
			verdicts[i] = v.Validate(&rows[i], batch)
		}
		results, n, err := dc.CleanRows(rows, verdicts)
		if err != nil {
			if in.Errors.Handle(err, rows[0].RowNumber) == ActionAbort {
				return err
			}
			return nil
		}
		unrepairable.Add(int64(n))
		for i, res := range results {
			if res.Err != nil {
				if in.Errors.Handle(res.Err, rows[i].RowNumber) == ActionAbort {
					return res.Err
				}
				continue
			}
			if len(res.Actions) > 0 {
				modified.Add(1)
				actions.Add(int64(len(res.Actions)))
			}
			rows[i] = res.Record
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// cleaning may have changed identifiers, so duplicates are re-indexed
	if err := validateAll(ctx, in, v, records); err != nil {
		return nil, err
	}

	ds := in.Dataset
	ds.ValidRows, ds.InvalidRows = countValidity(records)
	ds.CleanedRows = 0
	for i := range records {
		if records[i].WasCleaned {
			ds.CleanedRows++
		}
	}
	if err := ds.CheckCounters(); err != nil {
		return nil, err
	}

	in.Metrics.Set("cleaning_actions", float64(actions.Load()))
	in.Metrics.Set("unrepairable_rows", float64(unrepairable.Load()))
	in.Metrics.Set("cleaned_rows", float64(ds.CleanedRows))
	in.Metrics.Set("valid_rows", float64(ds.ValidRows))
	in.Metrics.Set("invalid_rows", float64(ds.InvalidRows))

	out := passThrough(len(records))
	out.Records = records
	out.RowsModified = int(modified.Load())
	return out, nil
}

// detectionStage classifies every record and profiles the dataset
type detectionStage struct{ deps *stageDeps }

func (s *detectionStage) Stage() model.Stage { return model.StageAnomalyDetection }
func (s *detectionStage) Name() string       { return "anomaly_detection_node" }

func (s *detectionStage) Execute(ctx context.Context, in *StageInput) (*StageOutput, error) {
	ds := in.Dataset
	opts := []anomaly.Option{anomaly.WithWorkers(in.Pool.Workers()), anomaly.WithClock(s.deps.now)}
	if s.deps.detector != nil {
		opts = append(opts, anomaly.WithDetector(s.deps.detector, s.deps.detectorTimeout))
	}
	clf := anomaly.NewClassifier(ds.Config, in.Logger, opts...)

	records := in.Records
	res, err := clf.Classify(ctx, records)
	if err != nil {
		return nil, err
	}

	for i := range res.Anomalies {
		res.Anomalies[i].DatasetID = ds.ID
		res.Anomalies[i].RunID = in.Run.ID
	}
	flagged := 0
	for i := range records {
		records[i].IsAnomaly = res.Flagged[records[i].RowNumber]
		if records[i].IsAnomaly {
			flagged++
		}
	}
	ds.AnomalyCount = len(res.Anomalies)

	st := res.Stats
	if st.DetectorFailures > 0 {
		err := fmt.Errorf("%w: %d detector calls failed", model.ErrDetectorUnavailable, st.DetectorFailures)
		if in.Errors.Handle(err, 0) == ActionAbort {
			return nil, err
		}
		if s.deps.detector != nil {
			s.deps.metrics.RecordDetectorFailures(ctx, s.deps.detector.Name(), st.DetectorFailures)
		}
	}
	if st.InvariantViolations > 0 {
		err := fmt.Errorf("%w: %d detector verdicts discarded", model.ErrInvariantViolation, st.InvariantViolations)
		if in.Errors.Handle(err, 0) == ActionAbort {
			return nil, err
		}
	}

	var file model.FileInfo
	if in.Metadata != nil {
		file = in.Metadata.File
	}
	md := quality.Profile(ds.ID, records, res.Anomalies, ds.Config.Schema.RequiredFields, file)
	if in.Metadata != nil && len(in.Metadata.Columns) > 0 {
		md.Columns = in.Metadata.Columns
		md.ColumnCount = in.Metadata.ColumnCount
	}
	ds.QualityScore = md.Scores.Overall

	in.Metrics.Merge(map[string]float64{
		"rule_findings":          float64(st.RuleFindings),
		"model_calls":            float64(st.ModelCalls),
		"model_findings":         float64(st.ModelFindings),
		"detector_failures":      float64(st.DetectorFailures),
		"invariant_violations":   float64(st.InvariantViolations),
		"dropped_low_confidence": float64(st.DroppedLowConfidence),
		"anomalies":              float64(len(res.Anomalies)),
		"flagged_rows":           float64(flagged),
		"quality_score":          md.Scores.Overall,
	})

	out := passThrough(len(records))
	out.Records = records
	out.Anomalies = res.Anomalies
	out.Metadata = &md
	out.RowsModified = flagged
	return out, nil
}

// reviewStage applies the automatic resolution policy and rescores
type reviewStage struct{ deps *stageDeps }

func (s *reviewStage) Stage() model.Stage { return model.StageReview }
func (s *reviewStage) Name() string       { return "review_node" }

func (s *reviewStage) Execute(ctx context.Context, in *StageInput) (*StageOutput, error) {
	ds := in.Dataset
	policy := ds.Config.Review

	maxSeverity := model.SeverityLow
	if policy.AutoIgnoreMaxSeverity != "" {
		sev, err := model.ParseSeverity(policy.AutoIgnoreMaxSeverity)
		if err != nil {
			return nil, err
		}
		maxSeverity = sev
	}
	kinds := make(map[model.AnomalyType]bool, len(policy.AutoIgnoreKinds))
	for _, k := range policy.AutoIgnoreKinds {
		t, err := model.ParseAnomalyType(k)
		if err != nil {
			return nil, err
		}
		kinds[t] = true
	}

	now := s.deps.now().UTC()
	anomalies := make([]model.Anomaly, len(in.Anomalies))
	var resolutions []model.Anomaly
	for i, a := range in.Anomalies {
		a = a.Clone()
		if !a.Resolution.IsResolved() && kinds[a.Type] && a.Severity <= maxSeverity {
			if err := a.Resolve(model.OutcomeIgnored, ReviewAutoIgnoreAction, "", now); err != nil {
				return nil, err
			}
			resolutions = append(resolutions, a)
		}
		anomalies[i] = a
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var file model.FileInfo
	if in.Metadata != nil {
		file = in.Metadata.File
	}
	md := quality.Profile(ds.ID, in.Records, anomalies, ds.Config.Schema.RequiredFields, file)
	if in.Metadata != nil && len(in.Metadata.Columns) > 0 {
		md.Columns = in.Metadata.Columns
		md.ColumnCount = in.Metadata.ColumnCount
	}
	ds.QualityScore = md.Scores.Overall

	unresolved := 0
	for _, a := range anomalies {
		if !a.Resolution.IsResolved() {
			unresolved++
		}
	}
	in.Metrics.Set("auto_resolved", float64(len(resolutions)))
	in.Metrics.Set("unresolved", float64(unresolved))
	in.Metrics.Set("quality_score", md.Scores.Overall)
	if len(resolutions) > 0 {
		in.Logger.Info("Auto-resolved anomalies",
			zap.Int("resolved", len(resolutions)),
			zap.String("kinds", strings.Join(policy.AutoIgnoreKinds, ",")))
	}

	out := passThrough(len(in.Records))
	out.Resolutions = resolutions
	out.Metadata = &md
	return out, nil
}

// publishingStage verifies the dataset and stamps its processing time
type publishingStage struct{ deps *stageDeps }

func (s *publishingStage) Stage() model.Stage { return model.StagePublishing }
func (s *publishingStage) Name() string       { return "publishing_node" }

func (s *publishingStage) Execute(ctx context.Context, in *StageInput) (*StageOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ds := in.Dataset
	report := s.deps.verifier.Verify(ds, in.Records, in.Anomalies)
	for _, issue := range report.Issues {
		in.Errors.Handle(fmt.Errorf("%w: %s: %s", model.ErrInvariantViolation, issue.Check, issue.Details), issue.Row)
	}
	if err := report.Err(); err != nil {
		return nil, err
	}

	var total float64
	for _, r := range in.Runs {
		if r.Status == model.RunCompleted {
			total += r.DurationSeconds
		}
	}
	ds.ProcessingSeconds = &total

	in.Metrics.Set("processing_seconds", total)
	in.Metrics.Set("quality_score", ds.QualityScore)
	return passThrough(len(in.Records)), nil
}
