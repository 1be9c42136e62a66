package anomaly

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/David-Botos/txn-pipeline/pkg/model"
	"github.com/David-Botos/txn-pipeline/pkg/quality"
	"github.com/David-Botos/txn-pipeline/pkg/validator"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func txn(row int, customer, amount string) model.Transaction {
	return model.Transaction{
		RowNumber:       row,
		TransactionID:   fmt.Sprintf("TXN-%03d", row),
		CustomerID:      customer,
		Amount:          amount,
		Balance:         "500.00",
		Currency:        "USD",
		Date:            "2024-05-01",
		TransactionType: "purchase",
		Status:          "completed",
	}
}

func newTestClassifier(t *testing.T, cfg model.PipelineConfig, opts ...Option) *Classifier {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewClassifier(cfg, zaptest.NewLogger(t), opts...)
}

func kinds(anomalies []model.Anomaly) []model.AnomalyType {
	out := make([]model.AnomalyType, 0, len(anomalies))
	for _, a := range anomalies {
		out = append(out, a.Type)
	}
	return out
}

func TestClassify_NegativeBalances(t *testing.T) {
	records := make([]model.Transaction, 100)
	for i := range records {
		records[i] = txn(i+1, fmt.Sprintf("CUST-%d", i+1), "100.00")
		if i%20 == 0 {
			records[i].Balance = "-25.00"
		}
	}

	res, err := newTestClassifier(t, model.DefaultPipelineConfig()).Classify(context.Background(), records)
	require.NoError(t, err)

	require.Len(t, res.Anomalies, 5)
	for _, a := range res.Anomalies {
		assert.Equal(t, model.AnomalyNegativeBalance, a.Type)
		assert.Equal(t, model.SeverityHigh, a.Severity)
		assert.Equal(t, model.DetectedByRules, a.DetectedBy)
		assert.Equal(t, model.FieldBalance, a.FieldName)
		assert.True(t, res.Flagged[a.RowNumber])
	}
	assert.Len(t, res.Flagged, 5)
	assert.Equal(t, 5, res.Stats.RuleFindings)

	scores := quality.Score(quality.InputFrom(records, res.Anomalies, nil))
	assert.InDelta(t, 90, scores.Accuracy, 1e-9)
}

func TestClassify_DuplicateIdentifier(t *testing.T) {
	first := txn(1, "CUST-1", "10.00")
	first.TransactionID = "TXN-001"
	second := txn(2, "CUST-2", "20.00")
	second.TransactionID = "txn-001"
	records := []model.Transaction{first, second}

	res, err := newTestClassifier(t, model.DefaultPipelineConfig()).Classify(context.Background(), records)
	require.NoError(t, err)

	require.Len(t, res.Anomalies, 1)
	a := res.Anomalies[0]
	assert.Equal(t, model.AnomalyDuplicateTransaction, a.Type)
	assert.Equal(t, model.SeverityCritical, a.Severity)
	assert.Equal(t, 2, a.RowNumber)
	assert.Equal(t, "1", a.Context["first_row"])

	idx := validator.NewBatchIndex(records)
	val := validator.New(model.DefaultPipelineConfig()).WithClock(func() time.Time { return testNow })
	assert.True(t, val.Validate(&records[0], idx).IsValid)
	assert.False(t, val.Validate(&records[1], idx).IsValid)
}

func TestClassify_DuplicateTuple(t *testing.T) {
	records := []model.Transaction{txn(1, "CUST-1", "42.00"), txn(2, "cust-1", "42.0")}

	res, err := newTestClassifier(t, model.DefaultPipelineConfig()).Classify(context.Background(), records)
	require.NoError(t, err)

	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, model.AnomalyDuplicateTransaction, res.Anomalies[0].Type)
	assert.Equal(t, 0.9, res.Anomalies[0].Confidence)
	assert.Equal(t, 2, res.Anomalies[0].RowNumber)
}

func TestClassify_RowRules(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*model.Transaction)
		kind     model.AnomalyType
		severity model.Severity
	}{
		{"above ceiling", func(r *model.Transaction) { r.Amount = "2000000.00" }, model.AnomalySuspiciousAmount, model.SeverityMedium},
		{"far above ceiling", func(r *model.Transaction) { r.Amount = "20000000.00" }, model.AnomalySuspiciousAmount, model.SeverityHigh},
		{"zero amount", func(r *model.Transaction) { r.Amount = "0.00" }, model.AnomalySuspiciousAmount, model.SeverityMedium},
		{"negative deposit", func(r *model.Transaction) { r.Amount = "-50.00"; r.TransactionType = "deposit" }, model.AnomalyStatusMismatch, model.SeverityHigh},
		{"missing currency", func(r *model.Transaction) { r.Currency = "" }, model.AnomalyMissingRequiredField, model.SeverityMedium},
		{"future date", func(r *model.Transaction) { r.Date = "2024-07-01" }, model.AnomalyInvalidDate, model.SeverityMedium},
		{"stale date", func(r *model.Transaction) { r.Date = "2000-01-01" }, model.AnomalyInvalidDate, model.SeverityMedium},
		{"format error", func(r *model.Transaction) {
			r.Amount = "abc"
			r.ValidationErrors = []model.FieldError{{Field: model.FieldAmount, Rule: model.RuleFormat, Message: "is not a number", Value: "abc"}}
		}, model.AnomalyInvalidFormat, model.SeverityMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := txn(1, "CUST-1", "100.00")
			tt.mutate(&rec)

			res, err := newTestClassifier(t, model.DefaultPipelineConfig()).Classify(context.Background(), []model.Transaction{rec})
			require.NoError(t, err)
			require.Len(t, res.Anomalies, 1, "%v", kinds(res.Anomalies))
			assert.Equal(t, tt.kind, res.Anomalies[0].Type)
			assert.Equal(t, tt.severity, res.Anomalies[0].Severity)
		})
	}
}

func TestClassify_PermittedNegativeBalance(t *testing.T) {
	rec := txn(1, "CUST-1", "100.00")
	rec.Balance = "-400.00"
	rec.TransactionType = "Overdraft"

	res, err := newTestClassifier(t, model.DefaultPipelineConfig()).Classify(context.Background(), []model.Transaction{rec})
	require.NoError(t, err)
	assert.Empty(t, res.Anomalies)
}

func TestClassify_Outlier(t *testing.T) {
	var records []model.Transaction
	for i := 1; i <= 20; i++ {
		records = append(records, txn(i, fmt.Sprintf("CUST-%d", i), "100.00"))
	}
	records = append(records, txn(21, "CUST-21", "10000.00"))

	res, err := newTestClassifier(t, model.DefaultPipelineConfig()).Classify(context.Background(), records)
	require.NoError(t, err)

	require.Len(t, res.Anomalies, 1)
	a := res.Anomalies[0]
	assert.Equal(t, model.AnomalyOutlier, a.Type)
	assert.Equal(t, 21, a.RowNumber)
	assert.Equal(t, model.SeverityLow, a.Severity)
	assert.NotEmpty(t, a.Context["z_score"])
	require.NoError(t, model.ValidateConfidence(a.Confidence))
}

func TestClassify_CustomerAverage(t *testing.T) {
	var records []model.Transaction
	for i, amount := range []string{"100.00", "100.00", "100.00", "1000.00"} {
		rec := txn(i+1, "CUST-7", amount)
		rec.Date = fmt.Sprintf("2024-05-0%d", i+1)
		records = append(records, rec)
	}

	res, err := newTestClassifier(t, model.DefaultPipelineConfig()).Classify(context.Background(), records)
	require.NoError(t, err)

	require.Len(t, res.Anomalies, 1, "%v", kinds(res.Anomalies))
	assert.Equal(t, model.AnomalySuspiciousAmount, res.Anomalies[0].Type)
	assert.Equal(t, 4, res.Anomalies[0].RowNumber)
	assert.Equal(t, "3", res.Anomalies[0].Context["history"])
}

func TestClassify_OrderedByRow(t *testing.T) {
	a := txn(2, "CUST-1", "0.00")
	a.Currency = ""
	b := txn(1, "CUST-2", "100.00")
	b.Balance = "-1.00"

	res, err := newTestClassifier(t, model.DefaultPipelineConfig()).Classify(context.Background(), []model.Transaction{a, b})
	require.NoError(t, err)

	require.Len(t, res.Anomalies, 3)
	assert.Equal(t, 1, res.Anomalies[0].RowNumber)
	assert.Equal(t, 2, res.Anomalies[1].RowNumber)
	assert.Equal(t, 2, res.Anomalies[2].RowNumber)
	assert.Less(t, res.Anomalies[1].Type, res.Anomalies[2].Type)
}

type stubDetector struct {
	verdict *Verdict
	block   bool
	calls   int
}

func (d *stubDetector) Name() string { return "stub" }

func (d *stubDetector) Classify(ctx context.Context, _ model.Transaction, _ []model.Transaction) (*Verdict, error) {
	d.calls++
	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.verdict == nil {
		return nil, nil
	}
	v := *d.verdict
	return &v, nil
}

func detectorConfig() model.PipelineConfig {
	cfg := model.DefaultPipelineConfig()
	cfg.DetectorEnabled = true
	return cfg
}

func TestClassify_DetectorTimeoutIsSoft(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	c := NewClassifier(detectorConfig(), zap.New(core),
		WithClock(func() time.Time { return testNow }),
		WithWorkers(1),
		WithDetector(&stubDetector{block: true}, 20*time.Millisecond))

	records := []model.Transaction{txn(1, "CUST-1", "10.00"), txn(2, "CUST-2", "20.00")}
	res, err := c.Classify(context.Background(), records)
	require.NoError(t, err)

	assert.Empty(t, res.Anomalies)
	assert.Equal(t, 2, res.Stats.ModelCalls)
	assert.Equal(t, 2, res.Stats.DetectorFailures)
	assert.Equal(t, 2, logs.FilterMessage("Detector unavailable").Len())
}

func TestClassify_DetectorFindings(t *testing.T) {
	det := &stubDetector{verdict: &Verdict{
		Type:        model.AnomalySemanticInconsistency,
		Severity:    model.SeverityHigh,
		Confidence:  0.9,
		Explanation: "description contradicts the type",
	}}
	c := newTestClassifier(t, detectorConfig(), WithWorkers(1), WithDetector(det, time.Second))

	flagged := txn(1, "CUST-1", "100.00")
	flagged.Balance = "-5.00"
	records := []model.Transaction{flagged, txn(2, "CUST-2", "20.00")}

	res, err := c.Classify(context.Background(), records)
	require.NoError(t, err)

	assert.Equal(t, 1, det.calls, "rule-flagged rows skip the detector")
	require.Len(t, res.Anomalies, 2)
	found := res.Anomalies[1]
	assert.Equal(t, 2, found.RowNumber)
	assert.Equal(t, model.AnomalySemanticInconsistency, found.Type)
	assert.Equal(t, model.SeverityHigh, found.Severity)
	assert.Equal(t, "stub", found.DetectedBy)
	assert.Equal(t, "stub", found.LLMModelID)
	assert.Equal(t, "description contradicts the type", found.LLMExplanation)
	assert.Equal(t, 1, res.Stats.ModelFindings)
}

func TestClassify_DiscardsBadVerdicts(t *testing.T) {
	tests := []struct {
		name    string
		verdict Verdict
		check   func(t *testing.T, s Stats)
	}{
		{"confidence out of range", Verdict{Type: model.AnomalyOther, Confidence: 1.5},
			func(t *testing.T, s Stats) { assert.Equal(t, 1, s.InvariantViolations) }},
		{"rule-only kind", Verdict{Type: model.AnomalyNegativeBalance, Confidence: 0.9},
			func(t *testing.T, s Stats) { assert.Equal(t, 1, s.InvariantViolations) }},
		{"low confidence", Verdict{Type: model.AnomalyOther, Confidence: 0.2},
			func(t *testing.T, s Stats) { assert.Equal(t, 1, s.DroppedLowConfidence) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := tt.verdict
			c := newTestClassifier(t, detectorConfig(), WithDetector(&stubDetector{verdict: &v}, time.Second))

			res, err := c.Classify(context.Background(), []model.Transaction{txn(1, "CUST-1", "10.00")})
			require.NoError(t, err)
			assert.Empty(t, res.Anomalies)
			tt.check(t, res.Stats)
		})
	}
}

func TestClassify_DetectorDisabledInConfig(t *testing.T) {
	det := &stubDetector{verdict: &Verdict{Type: model.AnomalyOther, Confidence: 0.99}}
	c := newTestClassifier(t, model.DefaultPipelineConfig(), WithDetector(det, time.Second))

	res, err := c.Classify(context.Background(), []model.Transaction{txn(1, "CUST-1", "10.00")})
	require.NoError(t, err)
	assert.Empty(t, res.Anomalies)
	assert.Zero(t, det.calls)
}

func TestClassify_SampleLimit(t *testing.T) {
	cfg := detectorConfig()
	cfg.Thresholds.ModelSampleLimit = 2
	det := &stubDetector{}
	c := newTestClassifier(t, cfg, WithWorkers(1), WithDetector(det, time.Second))

	var records []model.Transaction
	for i := 1; i <= 5; i++ {
		records = append(records, txn(i, fmt.Sprintf("CUST-%d", i), "10.00"))
	}
	res, err := c.Classify(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, 2, det.calls)
	assert.Equal(t, 2, res.Stats.ModelCalls)
}

func TestClassify_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClassifier(t, model.DefaultPipelineConfig()).Classify(ctx, []model.Transaction{txn(1, "CUST-1", "1.00")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSeverityFor(t *testing.T) {
	tests := []struct {
		kind       model.AnomalyType
		confidence float64
		want       model.Severity
	}{
		{model.AnomalyDuplicateTransaction, 0.5, model.SeverityCritical},
		{model.AnomalyNegativeBalance, 0.5, model.SeverityHigh},
		{model.AnomalyStatusMismatch, 0.5, model.SeverityHigh},
		{model.AnomalyInvalidDate, 0.5, model.SeverityMedium},
		{model.AnomalySemanticInconsistency, 0.5, model.SeverityMedium},
		{model.AnomalyOutlier, 0.5, model.SeverityLow},
		{model.AnomalyOutlier, 0.95, model.SeverityMedium},
		{model.AnomalyOther, 0.99, model.SeverityLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SeverityFor(tt.kind, tt.confidence), tt.kind.String())
	}

	low, high := model.SeverityLow, model.SeverityHigh
	assert.Equal(t, model.SeverityCritical, ResolveSeverity(model.AnomalyDuplicateTransaction, 1, &low))
	assert.Equal(t, model.SeverityHigh, ResolveSeverity(model.AnomalyOther, 1, &high))
	assert.Equal(t, model.SeverityLow, ResolveSeverity(model.AnomalyOther, 1, nil))
}

func TestNeighbors(t *testing.T) {
	records := []model.Transaction{
		txn(1, "CUST-1", "1.00"),
		txn(2, "CUST-2", "2.00"),
		txn(3, "CUST-1", "3.00"),
		txn(4, "CUST-2", "4.00"),
		txn(5, "CUST-1", "5.00"),
		txn(6, "CUST-2", "6.00"),
		txn(7, "cust-1", "7.00"),
	}
	ix := BuildIndex(records)

	got := ix.Neighbors(4, 2)
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[0].RowNumber)
	assert.Equal(t, 7, got[1].RowNumber)

	assert.Len(t, ix.Neighbors(4, 10), 3)
	assert.Empty(t, ix.Neighbors(4, 0))

	avg, n := ix.CustomerAverage(4)
	assert.Equal(t, 3, n)
	assert.InDelta(t, (1.0+3.0+7.0)/3, avg, 1e-9)
}

func TestCustomerAverageMatchesRowScan(t *testing.T) {
	records := make([]model.Transaction, 0, 60)
	for i := 1; i <= 60; i++ {
		amount := fmt.Sprintf("%d.25", (i*37)%400-150)
		if i%11 == 0 {
			amount = "n/a"
		}
		records = append(records, txn(i, fmt.Sprintf("cust-%d", i%4), amount))
	}
	records[5].CustomerID = ""
	ix := BuildIndex(records)

	for pos := range records {
		sum, n := 0.0, 0
		for other := range records {
			if other == pos || !ix.amountOK[other] || records[other].CustomerID == "" ||
				validator.IdentifierKey(records[other].CustomerID) != validator.IdentifierKey(records[pos].CustomerID) {
				continue
			}
			sum += math.Abs(ix.amounts[other])
			n++
		}
		avg, got := ix.CustomerAverage(pos)
		if records[pos].CustomerID == "" || n == 0 {
			assert.Zero(t, got, "row %d", pos+1)
			continue
		}
		assert.Equal(t, n, got, "row %d", pos+1)
		assert.InDelta(t, sum/float64(n), avg, 1e-6, "row %d", pos+1)
	}
}

func BenchmarkClassifySingleCustomer(b *testing.B) {
	records := make([]model.Transaction, 20000)
	for i := range records {
		records[i] = txn(i+1, "CUST-1", fmt.Sprintf("%d.00", 10+i%90))
	}
	clf := NewClassifier(model.DefaultPipelineConfig(), zap.NewNop())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := clf.Classify(context.Background(), records); err != nil {
			b.Fatal(err)
		}
	}
}
