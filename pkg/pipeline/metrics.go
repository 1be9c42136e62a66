// pkg/pipeline/metrics.go
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/David-Botos/txn-pipeline/pkg/model"
)

const instrumentationName = "github.com/David-Botos/txn-pipeline/pkg/pipeline"

// Process-wide Prometheus series exposed on /metrics by the CLI.
var (
	// DatasetsFinished counts datasets reaching a terminal status.
	// Labels: status (completed, failed)
	DatasetsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txnpipe",
			Subsystem: "pipeline",
			Name:      "datasets_finished_total",
			Help:      "Total number of datasets that reached a terminal status",
		},
		[]string{"status"},
	)

	// QualityScore tracks the overall quality score of published datasets.
	QualityScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "txnpipe",
			Subsystem: "pipeline",
			Name:      "quality_score",
			Help:      "Overall quality score (0-100) of published datasets",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		},
	)

	// ActiveRuns is the number of stage runs currently executing.
	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "txnpipe",
			Subsystem: "pipeline",
			Name:      "active_runs",
			Help:      "Number of stage runs currently executing",
		},
	)
)

// StageMetrics holds the OpenTelemetry instruments of the stage runner
type StageMetrics struct {
	meter            metric.Meter
	logger           *zap.Logger
	runsTotal        metric.Int64Counter
	runDuration      metric.Float64Histogram
	rowsTotal        metric.Int64Counter
	anomaliesTotal   metric.Int64Counter
	detectorFailures metric.Int64Counter
	conflictsTotal   metric.Int64Counter
}

// NewStageMetrics creates instruments on the global meter provider
func NewStageMetrics(logger *zap.Logger) *StageMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &StageMetrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *StageMetrics) init() {
	var err error

	m.runsTotal, err = m.meter.Int64Counter(
		"txnpipe.stage.runs_total",
		metric.WithDescription("Stage runs by stage and final run status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		m.logger.Warn("Failed to create runs counter", zap.Error(err))
	}

	m.runDuration, err = m.meter.Float64Histogram(
		"txnpipe.stage.duration_seconds",
		metric.WithDescription("Wall time of stage runs in seconds, labeled by stage and status"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300),
	)
	if err != nil {
		m.logger.Warn("Failed to create duration histogram", zap.Error(err))
	}

	m.rowsTotal, err = m.meter.Int64Counter(
		"txnpipe.stage.rows_total",
		metric.WithDescription("Rows handled by completed stage runs, labeled by stage and kind (input, output, modified, removed)"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		m.logger.Warn("Failed to create rows counter", zap.Error(err))
	}

	m.anomaliesTotal, err = m.meter.Int64Counter(
		"txnpipe.anomalies_total",
		metric.WithDescription("Anomalies committed, labeled by kind and severity"),
		metric.WithUnit("{anomaly}"),
	)
	if err != nil {
		m.logger.Warn("Failed to create anomalies counter", zap.Error(err))
	}

	m.detectorFailures, err = m.meter.Int64Counter(
		"txnpipe.detector.failures_total",
		metric.WithDescription("Detector calls that failed soft and produced no finding"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		m.logger.Warn("Failed to create detector failures counter", zap.Error(err))
	}

	m.conflictsTotal, err = m.meter.Int64Counter(
		"txnpipe.stage.conflicts_total",
		metric.WithDescription("Stage starts rejected because another run was active"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("Failed to create conflicts counter", zap.Error(err))
	}
}

// RecordRun records a finished run (any terminal status)
func (m *StageMetrics) RecordRun(ctx context.Context, run *model.PipelineRun) {
	attrs := metric.WithAttributes(
		attribute.String("stage", run.Stage.String()),
		attribute.String("status", run.Status.String()),
	)
	if m.runsTotal != nil {
		m.runsTotal.Add(ctx, 1, attrs)
	}
	if m.runDuration != nil {
		m.runDuration.Record(ctx, run.DurationSeconds, attrs)
	}
	if run.Status != model.RunCompleted || m.rowsTotal == nil {
		return
	}
	for kind, n := range map[string]int{
		"input":    run.InputRows,
		"output":   run.OutputRows,
		"modified": run.RowsModified,
		"removed":  run.RowsRemoved,
	} {
		m.rowsTotal.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("stage", run.Stage.String()),
			attribute.String("kind", kind)))
	}
}

// RecordAnomalies counts committed anomalies by kind and severity
func (m *StageMetrics) RecordAnomalies(ctx context.Context, anomalies []model.Anomaly) {
	if m.anomaliesTotal == nil {
		return
	}
	for _, a := range anomalies {
		m.anomaliesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", a.Type.String()),
			attribute.String("severity", a.Severity.String())))
	}
}

// RecordDetectorFailures counts soft detector failures of one run
func (m *StageMetrics) RecordDetectorFailures(ctx context.Context, detector string, n int) {
	if m.detectorFailures == nil || n == 0 {
		return
	}
	m.detectorFailures.Add(ctx, int64(n), metric.WithAttributes(attribute.String("detector", detector)))
}

// RecordConflict counts a rejected stage start
func (m *StageMetrics) RecordConflict(ctx context.Context, stage model.Stage) {
	if m.conflictsTotal == nil {
		return
	}
	m.conflictsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage.String())))
}

// RunMetrics accumulates the stage_metrics snapshot of one run
type RunMetrics struct {
	mu        sync.Mutex
	logger    *zap.Logger
	StartTime time.Time
	values    map[string]float64
}

// NewRunMetrics creates an empty snapshot
func NewRunMetrics(logger *zap.Logger) *RunMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunMetrics{
		logger:    logger,
		StartTime: time.Now(),
		values:    make(map[string]float64),
	}
}

// Set stores a value
func (rm *RunMetrics) Set(key string, v float64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.values[key] = v
}

// Add increments a value
func (rm *RunMetrics) Add(key string, delta float64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.values[key] += delta
}

// Merge copies every entry of m into the snapshot
func (rm *RunMetrics) Merge(m map[string]float64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for k, v := range m {
		rm.values[k] = v
	}
}

// Snapshot returns a copy of the accumulated values
func (rm *RunMetrics) Snapshot() map[string]float64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make(map[string]float64, len(rm.values))
	for k, v := range rm.values {
		out[k] = v
	}
	return out
}

// Complete stamps the elapsed time and logs the snapshot
func (rm *RunMetrics) Complete(run *model.PipelineRun) {
	rm.Set("elapsed_seconds", time.Since(rm.StartTime).Seconds())
	rm.logger.Info("Stage run metrics",
		zap.String("stage", run.Stage.String()),
		zap.Int("input_rows", run.InputRows),
		zap.Int("output_rows", run.OutputRows),
		zap.Int("rows_modified", run.RowsModified),
		zap.Int("rows_removed", run.RowsRemoved),
		zap.Any("stage_metrics", rm.Snapshot()))
}
