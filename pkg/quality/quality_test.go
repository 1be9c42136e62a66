package quality

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/David-Botos/txn-pipeline/pkg/model"
)

func TestScore_EmptyDatasetIsZero(t *testing.T) {
	assert.Equal(t, model.QualityScores{}, Score(Input{}))
	assert.Equal(t, model.QualityScores{}, Score(InputFrom(nil, nil, []string{model.FieldAmount})))
}

func TestScore_Dimensions(t *testing.T) {
	in := Input{
		TotalRows: 10,
		ValidRows: 8,
		RequiredNullRates: map[string]float64{
			model.FieldAmount: 0.1,
			model.FieldDate:   0,
		},
		DuplicateRows:      1,
		StatusMismatchRows: 1,
		SeverityCounts: map[model.Severity]int{
			model.SeverityHigh: 1,
			model.SeverityLow:  2,
		},
	}

	s := Score(in)
	assert.InDelta(t, 95, s.Completeness, 1e-9)
	assert.InDelta(t, 80, s.Validity, 1e-9)
	assert.InDelta(t, 80, s.Consistency, 1e-9)
	assert.InDelta(t, 70, s.Accuracy, 1e-9)
	assert.Equal(t, 81.25, s.Overall)

	assert.Equal(t, s, Score(in), "scoring is deterministic")
}

func TestScore_Bounds(t *testing.T) {
	s := Score(Input{
		TotalRows:          4,
		ValidRows:          0,
		RequiredNullRates:  map[string]float64{model.FieldAmount: 1},
		DuplicateRows:      4,
		StatusMismatchRows: 4,
		SeverityCounts:     map[model.Severity]int{model.SeverityCritical: 10},
	})
	for name, v := range map[string]float64{
		"completeness": s.Completeness,
		"validity":     s.Validity,
		"consistency":  s.Consistency,
		"accuracy":     s.Accuracy,
		"overall":      s.Overall,
	} {
		assert.GreaterOrEqual(t, v, 0.0, name)
		assert.LessOrEqual(t, v, 100.0, name)
	}
	assert.Zero(t, s.Accuracy)

	clean := Score(Input{TotalRows: 3, ValidRows: 3})
	assert.Equal(t, 100.0, clean.Overall)
}

func TestInputFrom(t *testing.T) {
	records := []model.Transaction{
		{RowNumber: 1, TransactionID: "T-1", Amount: "10.00", IsValid: true},
		{RowNumber: 2, TransactionID: "T-1", Amount: " ", IsValid: false},
		{RowNumber: 3, TransactionID: "T-3", Amount: "30.00", IsValid: true},
		{RowNumber: 4, TransactionID: "", Amount: "40.00", IsValid: true},
	}

	rejected := model.Anomaly{RowNumber: 3, Type: model.AnomalyOutlier, Severity: model.SeverityMedium}
	require.NoError(t, rejected.Resolve(model.OutcomeRejected, "not_an_issue", "", time.Now()))
	corrected := model.Anomaly{RowNumber: 2, Type: model.AnomalyStatusMismatch, Severity: model.SeverityLow}
	require.NoError(t, corrected.Resolve(model.OutcomeCorrected, "fix_status", "completed", time.Now()))

	anomalies := []model.Anomaly{
		{RowNumber: 2, Type: model.AnomalyDuplicateTransaction, Severity: model.SeverityHigh},
		{RowNumber: 2, Type: model.AnomalyDuplicateTransaction, Severity: model.SeverityHigh},
		rejected,
		corrected,
	}

	in := InputFrom(records, anomalies, []string{model.FieldTransactionID, model.FieldAmount})
	assert.Equal(t, 4, in.TotalRows)
	assert.Equal(t, 3, in.ValidRows)
	assert.Equal(t, 0.25, in.RequiredNullRates[model.FieldTransactionID])
	assert.Equal(t, 0.25, in.RequiredNullRates[model.FieldAmount])
	assert.Equal(t, 1, in.DuplicateRows, "rows are counted once")
	assert.Equal(t, 1, in.StatusMismatchRows, "corrected anomalies still weigh")
	assert.Equal(t, 2, in.SeverityCounts[model.SeverityHigh])
	assert.Equal(t, 1, in.SeverityCounts[model.SeverityLow])
	assert.Zero(t, in.SeverityCounts[model.SeverityMedium], "rejected anomalies are false positives")
}

func TestProfile(t *testing.T) {
	id := uuid.New()
	records := []model.Transaction{
		{RowNumber: 1, TransactionID: "T-1", Amount: "10.00", Currency: "USD", Date: "2024-05-03", Status: "completed", IsValid: true},
		{RowNumber: 2, TransactionID: "T-2", Amount: "20.00", Currency: "USD", Date: "2024-05-01", Status: "completed", IsValid: true,
			CleaningActions: []model.CleaningAction{{Field: model.FieldAmount, Action: "normalize_amount"}}},
		{RowNumber: 3, TransactionID: "T-3", Amount: "30.00", Currency: "EUR", Date: "bad", Status: "pending", IsValid: false},
	}
	file := model.FileInfo{SizeBytes: 512, Format: "csv", Encoding: "utf-8"}

	md := Profile(id, records, nil, []string{model.FieldTransactionID}, file)

	assert.Equal(t, id, md.DatasetID)
	assert.Equal(t, len(model.Columns()), md.ColumnCount)
	assert.Equal(t, file, md.File)
	assert.Equal(t, 3, md.NullCounts[model.FieldMerchant])
	assert.Equal(t, 100.0, md.NullPercentages[model.FieldMerchant])
	assert.Equal(t, 1, md.TypeViolations[model.FieldDate])
	assert.Equal(t, 2, md.UniqueCounts[model.FieldCurrency])

	assert.Equal(t, []model.ValueCount{{Value: "USD", Count: 2}, {Value: "EUR", Count: 1}}, md.Distributions[model.FieldCurrency])
	assert.Equal(t, []model.ValueCount{{Value: "completed", Count: 2}, {Value: "pending", Count: 1}}, md.Distributions[model.FieldStatus])

	amount := md.NumericStats[model.FieldAmount]
	assert.Equal(t, 3, amount.Count)
	assert.Equal(t, 10.0, amount.Min)
	assert.Equal(t, 30.0, amount.Max)
	assert.InDelta(t, 20, amount.Mean, 1e-9)
	assert.InDelta(t, 20, amount.Median, 1e-9)
	assert.InDelta(t, 10, amount.StdDev, 1e-9)
	assert.NotContains(t, md.NumericStats, model.FieldBalance)

	require.NotNil(t, md.DateRange)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), md.DateRange.Earliest)
	assert.Equal(t, time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC), md.DateRange.Latest)

	assert.Equal(t, map[string]int{"normalize_amount": 1}, md.CleaningSummary)
	assert.InDelta(t, 66.67, md.Scores.Validity, 0.01)
	assert.Equal(t, 100.0, md.Scores.Completeness)
}

func TestProfile_NoDates(t *testing.T) {
	md := Profile(uuid.New(), []model.Transaction{{Amount: "x"}}, nil, nil, model.FileInfo{})
	assert.Nil(t, md.DateRange)
	assert.Empty(t, md.NumericStats)
}
