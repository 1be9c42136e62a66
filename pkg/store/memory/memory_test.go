package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/David-Botos/txn-pipeline/pkg/model"
	"github.com/David-Botos/txn-pipeline/pkg/store"
)

func seedDataset(t *testing.T, s *Store, name string) *model.Dataset {
	t.Helper()
	ds := model.NewDataset(name, model.SourceCSV, "/data/"+name, model.DefaultPipelineConfig())
	require.NoError(t, s.CreateDataset(context.Background(), ds))
	return ds
}

func runningRun(t *testing.T, s *Store, datasetID uuid.UUID, stage model.Stage) *model.PipelineRun {
	t.Helper()
	run := model.NewPipelineRun(datasetID, stage)
	require.NoError(t, s.CreateRun(context.Background(), run))
	require.NoError(t, run.Transition(model.RunRunning))
	return run
}

func TestStore_Datasets(t *testing.T) {
	s := New()
	ctx := context.Background()
	older := seedDataset(t, s, "a.csv")
	newer := model.NewDataset("b.csv", model.SourceAPI, "", model.DefaultPipelineConfig())
	newer.CreatedAt = older.CreatedAt.Add(time.Minute)
	require.NoError(t, s.CreateDataset(ctx, newer))

	assert.Error(t, s.CreateDataset(ctx, older), "ids are unique")

	got, err := s.GetDataset(ctx, older.ID)
	require.NoError(t, err)
	got.Name = "mutated"
	again, err := s.GetDataset(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, "a.csv", again.Name, "reads are copies")

	list, err := s.ListDatasets(ctx, store.DatasetFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID, "newest first")

	list, err = s.ListDatasets(ctx, store.DatasetFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, older.ID, list[0].ID)

	require.NoError(t, newer.Transition(model.DatasetValidating))
	require.NoError(t, s.UpdateDataset(ctx, newer))
	status := model.DatasetValidating
	list, err = s.ListDatasets(ctx, store.DatasetFilter{Status: &status})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, newer.ID, list[0].ID)

	_, err = s.GetDataset(ctx, uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, s.UpdateDataset(ctx, &model.Dataset{ID: uuid.New()}), model.ErrNotFound)
}

func TestStore_SingleActiveRun(t *testing.T) {
	s := New()
	ctx := context.Background()
	ds := seedDataset(t, s, "a.csv")
	other := seedDataset(t, s, "b.csv")

	first := model.NewPipelineRun(ds.ID, model.StageValidation)
	require.NoError(t, s.CreateRun(ctx, first))

	second := model.NewPipelineRun(ds.ID, model.StageCleaning)
	assert.ErrorIs(t, s.CreateRun(ctx, second), model.ErrStageConflict)
	require.NoError(t, s.CreateRun(ctx, model.NewPipelineRun(other.ID, model.StageValidation)),
		"runs of other datasets do not conflict")

	active, err := s.ActiveRun(ctx, ds.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, first.ID, active.ID)

	require.NoError(t, first.Transition(model.RunRunning))
	require.NoError(t, first.Transition(model.RunFailed))
	require.NoError(t, s.UpdateRun(ctx, first))

	active, err = s.ActiveRun(ctx, ds.ID)
	require.NoError(t, err)
	assert.Nil(t, active)
	require.NoError(t, s.CreateRun(ctx, second))

	runs, err := s.ListRuns(ctx, ds.ID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, first.ID, runs[0].ID, "oldest first")

	assert.ErrorIs(t, s.CreateRun(ctx, model.NewPipelineRun(uuid.New(), model.StageValidation)), model.ErrNotFound)
}

func TestStore_CommitStage(t *testing.T) {
	s := New()
	ctx := context.Background()
	ds := seedDataset(t, s, "a.csv")
	run := runningRun(t, s, ds.ID, model.StageAnomalyDetection)

	anomaly := model.Anomaly{ID: uuid.New(), DatasetID: ds.ID, RunID: run.ID, RowNumber: 1,
		Type: model.AnomalyNegativeBalance, Severity: model.SeverityHigh, Confidence: 0.95}
	require.NoError(t, run.Transition(model.RunCompleted))
	require.NoError(t, ds.Transition(model.DatasetAnalyzing))

	err := s.CommitStage(ctx, store.StageCommit{
		Dataset: ds,
		Run:     run,
		Records: []model.Transaction{
			{RowNumber: 2, TransactionID: "T2"},
			{RowNumber: 1, TransactionID: "T1", IsAnomaly: true},
		},
		Anomalies: []model.Anomaly{anomaly},
		Metadata:  &model.DatasetMetadata{DatasetID: ds.ID, ColumnCount: 15, NullCounts: map[string]int{"amount": 0}},
	})
	require.NoError(t, err)

	records, err := s.ListRecords(ctx, ds.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 1, records[0].RowNumber)
	assert.Equal(t, ds.ID, records[0].DatasetID)

	gotDS, err := s.GetDataset(ctx, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DatasetAnalyzing, gotDS.Status)

	stage := model.StageAnomalyDetection
	latest, err := s.LatestCompletedRun(ctx, ds.ID, &stage)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, run.ID, latest.ID)

	md, err := s.GetMetadata(ctx, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, 15, md.ColumnCount)

	// upsert by row number
	run2 := runningRun(t, s, ds.ID, model.StageReview)
	require.NoError(t, run2.Transition(model.RunCompleted))
	require.NoError(t, s.CommitStage(ctx, store.StageCommit{
		Dataset: ds, Run: run2,
		Records: []model.Transaction{{RowNumber: 2, TransactionID: "T2", IsValid: true}},
	}))
	records, err = s.ListRecords(ctx, ds.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, records[1].IsValid)

	latest, err = s.LatestCompletedRun(ctx, ds.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, run2.ID, latest.ID)
}

func TestStore_RejectedCommitLeavesStateUntouched(t *testing.T) {
	s := New()
	ctx := context.Background()
	ds := seedDataset(t, s, "a.csv")
	run := runningRun(t, s, ds.ID, model.StageReview)

	err := s.CommitStage(ctx, store.StageCommit{
		Dataset:     ds,
		Run:         run,
		Records:     []model.Transaction{{RowNumber: 1, TransactionID: "T1"}},
		Resolutions: []model.Anomaly{{ID: uuid.New()}},
	})
	require.ErrorIs(t, err, model.ErrNotFound)

	records, err := s.ListRecords(ctx, ds.ID)
	require.NoError(t, err)
	assert.Empty(t, records)

	stored, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunPending, stored.Status)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, s.CommitStage(cancelled, store.StageCommit{Dataset: ds, Run: run}), context.Canceled)
}

func TestStore_Anomalies(t *testing.T) {
	s := New()
	ctx := context.Background()
	ds := seedDataset(t, s, "a.csv")
	run := runningRun(t, s, ds.ID, model.StageAnomalyDetection)
	require.NoError(t, run.Transition(model.RunCompleted))

	mk := func(row int, kind model.AnomalyType, sev model.Severity) model.Anomaly {
		return model.Anomaly{ID: uuid.New(), DatasetID: ds.ID, RunID: run.ID, RowNumber: row, Type: kind, Severity: sev}
	}
	anomalies := []model.Anomaly{
		mk(3, model.AnomalyOutlier, model.SeverityLow),
		mk(1, model.AnomalyNegativeBalance, model.SeverityHigh),
		mk(1, model.AnomalyDuplicateTransaction, model.SeverityCritical),
	}
	require.NoError(t, s.CommitStage(ctx, store.StageCommit{Dataset: ds, Run: run, Anomalies: anomalies}))

	all, err := s.ListAnomalies(ctx, store.AnomalyFilter{DatasetID: ds.ID})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 1, all[0].RowNumber)
	assert.Equal(t, 1, all[1].RowNumber)
	assert.Less(t, all[0].Type, all[1].Type)
	assert.Equal(t, 3, all[2].RowNumber)

	high := model.SeverityHigh
	filtered, err := s.ListAnomalies(ctx, store.AnomalyFilter{DatasetID: ds.ID, Severity: &high})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, model.AnomalyNegativeBalance, filtered[0].Type)

	filtered, err = s.ListAnomalies(ctx, store.AnomalyFilter{DatasetID: ds.ID, Types: []model.AnomalyType{model.AnomalyOutlier}})
	require.NoError(t, err)
	assert.Len(t, filtered, 1)

	target := anomalies[0]
	require.NoError(t, target.Resolve(model.OutcomeIgnored, "auto_ignore", "", time.Now()))
	require.NoError(t, s.ResolveAnomaly(ctx, &target))
	assert.ErrorIs(t, s.ResolveAnomaly(ctx, &target), model.ErrAlreadyResolved)

	stored, err := s.GetAnomaly(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeIgnored, stored.Resolution.Outcome())

	open, err := s.ListAnomalies(ctx, store.AnomalyFilter{DatasetID: ds.ID, Unresolved: true})
	require.NoError(t, err)
	assert.Len(t, open, 2)

	paged, err := s.ListAnomalies(ctx, store.AnomalyFilter{DatasetID: ds.ID, Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, paged, 1)

	_, err = s.GetAnomaly(ctx, uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_DeleteCascades(t *testing.T) {
	s := New()
	ctx := context.Background()
	ds := seedDataset(t, s, "a.csv")
	keep := seedDataset(t, s, "b.csv")

	run := runningRun(t, s, ds.ID, model.StageAnomalyDetection)
	require.NoError(t, run.Transition(model.RunCompleted))
	a := model.Anomaly{ID: uuid.New(), DatasetID: ds.ID, RunID: run.ID, Type: model.AnomalyOther}
	require.NoError(t, s.CommitStage(ctx, store.StageCommit{
		Dataset:   ds,
		Run:       run,
		Records:   []model.Transaction{{RowNumber: 1}},
		Anomalies: []model.Anomaly{a},
		Metadata:  &model.DatasetMetadata{DatasetID: ds.ID},
	}))
	keepRun := runningRun(t, s, keep.ID, model.StageValidation)

	require.NoError(t, s.DeleteDataset(ctx, ds.ID))

	_, err := s.GetDataset(ctx, ds.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.ListRecords(ctx, ds.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.GetAnomaly(ctx, a.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.GetMetadata(ctx, ds.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	runs, err := s.ListRuns(ctx, keep.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, keepRun.ID, runs[0].ID)

	assert.ErrorIs(t, s.DeleteDataset(ctx, ds.ID), model.ErrNotFound)
}
