package pipeline

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/David-Botos/txn-pipeline/pkg/model"
)

func verifiedDataset(records []model.Transaction) *model.Dataset {
	ds := model.NewDataset("verify", model.SourceCSV, "", model.DefaultPipelineConfig())
	ds.TotalRows = len(records)
	for _, r := range records {
		if r.IsValid {
			ds.ValidRows++
		} else {
			ds.InvalidRows++
		}
	}
	return ds
}

func TestVerifierAcceptsConsistentDataset(t *testing.T) {
	records := cleanRecords(3)
	for i := range records {
		records[i].RowNumber = i + 1
		records[i].IsValid = true
	}
	records[1].IsAnomaly = true
	anomalies := []model.Anomaly{{ID: uuid.New(), RowNumber: 2, Confidence: 0.9}}

	report := NewVerifier(zaptest.NewLogger(t)).Verify(verifiedDataset(records), records, anomalies)
	assert.True(t, report.OK())
	assert.NoError(t, report.Err())
}

func TestVerifierFindsBrokenInvariants(t *testing.T) {
	records := cleanRecords(3)
	for i := range records {
		records[i].RowNumber = i + 1
	}
	records[0].IsAnomaly = true
	records[2].WasCleaned = true
	ds := verifiedDataset(records)
	ds.ValidRows = 2
	anomalies := []model.Anomaly{{ID: uuid.New(), RowNumber: 3, Confidence: 1.5}}

	report := NewVerifier(zaptest.NewLogger(t)).Verify(ds, records, anomalies)
	assert.False(t, report.OK())

	checks := make(map[string]bool)
	for _, is := range report.Issues {
		checks[is.Check] = true
	}
	for _, c := range []string{"counters", "confidence", "anomaly_flag", "cleaning_audit", "valid_rows"} {
		assert.True(t, checks[c], c)
	}
	assert.True(t, errors.Is(report.Err(), model.ErrInvariantViolation))
}
