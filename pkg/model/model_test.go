package model

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatusTransitions(t *testing.T) {
	allowed := map[RunStatus][]RunStatus{
		RunPending: {RunRunning, RunCancelled},
		RunRunning: {RunCompleted, RunFailed, RunCancelled},
	}
	all := []RunStatus{RunPending, RunRunning, RunCompleted, RunFailed, RunCancelled}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range allowed[from] {
				if ok == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestPipelineRun_Lifecycle(t *testing.T) {
	run := NewPipelineRun(uuid.New(), StageCleaning)
	assert.Equal(t, RunPending, run.Status)

	err := run.Transition(RunCompleted)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, run.Transition(RunRunning))
	require.NotNil(t, run.StartedAt)
	require.NoError(t, run.Transition(RunCompleted))
	require.NotNil(t, run.CompletedAt)
	assert.GreaterOrEqual(t, run.DurationSeconds, 0.0)

	assert.ErrorIs(t, run.Transition(RunFailed), ErrInvalidTransition)
	assert.Equal(t, RunCompleted, run.Status)
}

func TestPipelineRun_CheckRowBalance(t *testing.T) {
	run := &PipelineRun{Stage: StageValidation, InputRows: 10, OutputRows: 7, RowsRemoved: 3}
	assert.NoError(t, run.CheckRowBalance())

	run.RowsRemoved = 2
	assert.ErrorIs(t, run.CheckRowBalance(), ErrInvariantViolation)
}

func TestPipelineRun_CloneIsIndependent(t *testing.T) {
	run := NewPipelineRun(uuid.New(), StageReview)
	require.NoError(t, run.Transition(RunRunning))
	run.Metrics["rows"] = 4
	run.Logs = []RunLogEntry{{Message: "a"}}

	c := run.Clone()
	c.Metrics["rows"] = 9
	c.Logs[0].Message = "b"
	*c.StartedAt = c.StartedAt.Add(time.Hour)

	assert.Equal(t, 4.0, run.Metrics["rows"])
	assert.Equal(t, "a", run.Logs[0].Message)
	assert.NotEqual(t, *run.StartedAt, *c.StartedAt)
}

func TestDataset_Transition(t *testing.T) {
	ds := NewDataset("march", SourceCSV, "/tmp/march.csv", DefaultPipelineConfig())
	assert.Equal(t, DatasetUploaded, ds.Status)

	require.NoError(t, ds.Transition(DatasetValidating))
	require.NoError(t, ds.Transition(DatasetValidating))
	require.NoError(t, ds.Transition(DatasetAnalyzing))
	assert.ErrorIs(t, ds.Transition(DatasetCleaning), ErrInvalidTransition)

	require.NoError(t, ds.Transition(DatasetCompleted))
	assert.True(t, ds.Status.IsTerminal())
	assert.ErrorIs(t, ds.Transition(DatasetFailed), ErrInvalidTransition)
}

func TestDataset_FailFromAnyActiveStatus(t *testing.T) {
	for _, st := range []DatasetStatus{DatasetUploaded, DatasetValidating, DatasetCleaning, DatasetAnalyzing} {
		ds := &Dataset{Status: st}
		require.NoError(t, ds.Transition(DatasetFailed), st.String())

		ds = &Dataset{Status: st}
		ds.Fail("boom")
		assert.Equal(t, DatasetFailed, ds.Status)
		assert.Equal(t, "boom", ds.ErrorMessage)
	}
}

func TestDataset_Rewind(t *testing.T) {
	tests := []struct {
		stage Stage
		want  DatasetStatus
	}{
		{StageValidation, DatasetValidating},
		{StageCleaning, DatasetCleaning},
		{StageAnomalyDetection, DatasetAnalyzing},
		{StageReview, DatasetAnalyzing},
		{StagePublishing, DatasetAnalyzing},
	}
	for _, tt := range tests {
		ds := &Dataset{Status: DatasetFailed, ErrorMessage: "earlier failure"}
		ds.Rewind(tt.stage)
		assert.Equal(t, tt.want, ds.Status, tt.stage.String())
		assert.Empty(t, ds.ErrorMessage)
	}
}

func TestDataset_CheckCounters(t *testing.T) {
	ds := &Dataset{TotalRows: 10, ValidRows: 8, InvalidRows: 2}
	assert.NoError(t, ds.CheckCounters())
	ds.InvalidRows = 1
	assert.ErrorIs(t, ds.CheckCounters(), ErrInvariantViolation)
}

func TestDataset_CloneIsIndependent(t *testing.T) {
	secs := 1.5
	ds := NewDataset("a", SourceAPI, "", DefaultPipelineConfig())
	ds.ProcessingSeconds = &secs

	c := ds.Clone()
	*c.ProcessingSeconds = 9
	c.Config.Schema.RequiredFields[0] = "changed"

	assert.Equal(t, 1.5, *ds.ProcessingSeconds)
	assert.Equal(t, FieldTransactionID, ds.Config.Schema.RequiredFields[0])
}

func TestAnomaly_ResolveOnce(t *testing.T) {
	a := &Anomaly{ID: uuid.New()}
	assert.False(t, a.Resolution.IsResolved())

	at := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, a.Resolve(OutcomeCorrected, "fix_amount", "100.00", at))
	assert.True(t, a.Resolution.IsResolved())
	assert.Equal(t, OutcomeCorrected, a.Resolution.Outcome())
	assert.Equal(t, "fix_amount", a.Resolution.Action())
	assert.Equal(t, "100.00", a.Resolution.ResolvedValue())
	assert.Equal(t, at, a.Resolution.ResolvedAt())

	err := a.Resolve(OutcomeRejected, "undo", "", at.Add(time.Hour))
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.Equal(t, OutcomeCorrected, a.Resolution.Outcome())
}

func TestAnomaly_ResolveRequiresOutcome(t *testing.T) {
	a := &Anomaly{}
	assert.ErrorIs(t, a.Resolve(OutcomeUnresolved, "noop", "", time.Time{}), ErrInvalidTransition)
	assert.False(t, a.Resolution.IsResolved())
}

func TestResolution_JSON(t *testing.T) {
	at := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	r, err := NewResolution(OutcomeEscalated, "fraud_team", "", at)
	require.NoError(t, err)

	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"is_resolved":3,"outcome":"escalated","resolution_action":"fraud_team","resolved_at":"2024-06-01T09:00:00Z"}`, string(b))

	var back Resolution
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, r, back)

	b, err = json.Marshal(Resolution{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"is_resolved":0,"outcome":"unresolved"}`, string(b))
}

func TestValidateConfidence(t *testing.T) {
	for _, c := range []float64{0, 0.5, 1} {
		assert.NoError(t, ValidateConfidence(c))
	}
	for _, c := range []float64{-0.01, 1.01, math.NaN(), math.Inf(1)} {
		assert.ErrorIs(t, ValidateConfidence(c), ErrInvariantViolation)
	}
}

func TestSummarize(t *testing.T) {
	resolved := Anomaly{Type: AnomalyOutlier, Severity: SeverityLow, DetectedBy: "statistical"}
	require.NoError(t, resolved.Resolve(OutcomeIgnored, "auto_ignore", "", time.Now()))

	s := Summarize([]Anomaly{
		{Type: AnomalyNegativeBalance, Severity: SeverityHigh, DetectedBy: DetectedByRules},
		{Type: AnomalyNegativeBalance, Severity: SeverityHigh, DetectedBy: DetectedByRules},
		resolved,
	})
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.Unresolved)
	assert.Equal(t, 2, s.BySeverity["high"])
	assert.Equal(t, 1, s.ByType["outlier"])
	assert.Equal(t, 2, s.ByDetector[DetectedByRules])
}

func TestEnumNames(t *testing.T) {
	for _, st := range AllStages() {
		got, err := ParseStage(st.String())
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}
	for _, kind := range AllAnomalyTypes() {
		got, err := ParseAnomalyType(kind.String())
		require.NoError(t, err)
		assert.Equal(t, kind, got)
	}
	for _, sev := range AllSeverities() {
		got, err := ParseSeverity(sev.String())
		require.NoError(t, err)
		assert.Equal(t, sev, got)
	}

	_, err := ParseStage("deploy")
	assert.Error(t, err)
	_, err = ParseDatasetStatus("archived")
	assert.Error(t, err)

	b, err := json.Marshal(struct {
		S DatasetStatus `json:"s"`
		T AnomalyType   `json:"t"`
	}{DatasetAnalyzing, AnomalyInvalidDate})
	require.NoError(t, err)
	assert.JSONEq(t, `{"s":"analyzing","t":"invalid_date"}`, string(b))
}

func TestSeverityOrdering(t *testing.T) {
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityLow, SeverityHigh))
	assert.Equal(t, SeverityCritical, MaxSeverity(SeverityCritical, SeverityMedium))

	prev := -1.0
	for _, s := range AllSeverities() {
		assert.Greater(t, s.Weight(), prev)
		prev = s.Weight()
	}
}

func TestPipelineConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultPipelineConfig().Validate())

	tests := map[string]func(*PipelineConfig){
		"unknown rule":       func(c *PipelineConfig) { c.CleaningRules = append(c.CleaningRules, "shred") },
		"zero ceiling":       func(c *PipelineConfig) { c.Thresholds.SuspiciousAmountCeiling = 0 },
		"multiple of one":    func(c *PipelineConfig) { c.Thresholds.CustomerAverageMultiple = 1 },
		"confidence":         func(c *PipelineConfig) { c.Thresholds.ModelMinConfidence = 1.5 },
		"no required fields": func(c *PipelineConfig) { c.Schema.RequiredFields = nil },
		"unknown field":      func(c *PipelineConfig) { c.Schema.DownstreamFields = []string{"iban"} },
		"unknown kind":       func(c *PipelineConfig) { c.Review.AutoIgnoreKinds = []string{"weird"} },
		"unknown severity":   func(c *PipelineConfig) { c.Review.AutoIgnoreMaxSeverity = "mild" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultPipelineConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestTransaction_Fields(t *testing.T) {
	var tx Transaction
	for _, col := range Columns() {
		require.NoError(t, tx.SetField(col, col+"-value"))
	}
	for _, col := range Columns() {
		assert.Equal(t, col+"-value", tx.Field(col))
	}
	assert.Error(t, tx.SetField("iban", "x"))
	assert.Empty(t, tx.Field("iban"))
}
