// pkg/store/memory/memory.go

// Package memory is an in-process Storage. All reads and writes go through
// deep copies so callers never share mutable state with the store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/David-Botos/txn-pipeline/pkg/model"
	"github.com/David-Botos/txn-pipeline/pkg/store"
)

type state struct {
	datasets  map[uuid.UUID]model.Dataset
	records   map[uuid.UUID]map[int]model.Transaction
	runs      map[uuid.UUID]model.PipelineRun
	runOrder  []uuid.UUID
	anomalies map[uuid.UUID]model.Anomaly
	metadata  map[uuid.UUID]model.DatasetMetadata
}

func newState() state {
	return state{
		datasets:  map[uuid.UUID]model.Dataset{},
		records:   map[uuid.UUID]map[int]model.Transaction{},
		runs:      map[uuid.UUID]model.PipelineRun{},
		anomalies: map[uuid.UUID]model.Anomaly{},
		metadata:  map[uuid.UUID]model.DatasetMetadata{},
	}
}

// Store is a mutex-guarded in-memory Storage
type Store struct {
	mu    sync.RWMutex
	state state
}

var _ store.Storage = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{state: newState()}
}

func notFound(kind string, id interface{}) error {
	return fmt.Errorf("%s %v: %w", kind, id, model.ErrNotFound)
}

func (s *Store) CreateDataset(_ context.Context, ds *model.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.state.datasets[ds.ID]; exists {
		return fmt.Errorf("dataset %s already exists", ds.ID)
	}
	s.state.datasets[ds.ID] = ds.Clone()
	return nil
}

func (s *Store) GetDataset(_ context.Context, id uuid.UUID) (*model.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.state.datasets[id]
	if !ok {
		return nil, notFound("dataset", id)
	}
	c := ds.Clone()
	return &c, nil
}

func (s *Store) ListDatasets(_ context.Context, filter store.DatasetFilter) ([]model.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Dataset, 0, len(s.state.datasets))
	for _, ds := range s.state.datasets {
		if filter.Status != nil && ds.Status != *filter.Status {
			continue
		}
		out = append(out, ds.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	lo, hi := store.Page(len(out), filter.Offset, filter.Limit)
	return out[lo:hi], nil
}

func (s *Store) UpdateDataset(_ context.Context, ds *model.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.datasets[ds.ID]; !ok {
		return notFound("dataset", ds.ID)
	}
	s.state.datasets[ds.ID] = ds.Clone()
	return nil
}

func (s *Store) DeleteDataset(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.datasets[id]; !ok {
		return notFound("dataset", id)
	}
	delete(s.state.datasets, id)
	delete(s.state.records, id)
	delete(s.state.metadata, id)
	for aid, a := range s.state.anomalies {
		if a.DatasetID == id {
			delete(s.state.anomalies, aid)
		}
	}
	kept := s.state.runOrder[:0]
	for _, rid := range s.state.runOrder {
		if s.state.runs[rid].DatasetID == id {
			delete(s.state.runs, rid)
			continue
		}
		kept = append(kept, rid)
	}
	s.state.runOrder = kept
	return nil
}

func (s *Store) ListRecords(_ context.Context, datasetID uuid.UUID) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.state.datasets[datasetID]; !ok {
		return nil, notFound("dataset", datasetID)
	}
	rows := s.state.records[datasetID]
	out := make([]model.Transaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowNumber < out[j].RowNumber })
	return out, nil
}

func (s *Store) CreateRun(_ context.Context, run *model.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.datasets[run.DatasetID]; !ok {
		return notFound("dataset", run.DatasetID)
	}
	if _, exists := s.state.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	if !run.Status.IsTerminal() {
		for _, r := range s.state.runs {
			if r.DatasetID == run.DatasetID && !r.Status.IsTerminal() {
				return fmt.Errorf("%w: run %s is %s", model.ErrStageConflict, r.ID, r.Status)
			}
		}
	}
	s.state.runs[run.ID] = run.Clone()
	s.state.runOrder = append(s.state.runOrder, run.ID)
	return nil
}

func (s *Store) UpdateRun(_ context.Context, run *model.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.runs[run.ID]; !ok {
		return notFound("run", run.ID)
	}
	s.state.runs[run.ID] = run.Clone()
	return nil
}

func (s *Store) GetRun(_ context.Context, id uuid.UUID) (*model.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.runs[id]
	if !ok {
		return nil, notFound("run", id)
	}
	c := r.Clone()
	return &c, nil
}

func (s *Store) ListRuns(_ context.Context, datasetID uuid.UUID) ([]model.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.PipelineRun
	for _, rid := range s.state.runOrder {
		if r := s.state.runs[rid]; r.DatasetID == datasetID {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (s *Store) ActiveRun(_ context.Context, datasetID uuid.UUID) (*model.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rid := range s.state.runOrder {
		r := s.state.runs[rid]
		if r.DatasetID == datasetID && !r.Status.IsTerminal() {
			c := r.Clone()
			return &c, nil
		}
	}
	return nil, nil
}

func (s *Store) LatestCompletedRun(_ context.Context, datasetID uuid.UUID, stage *model.Stage) (*model.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.state.runOrder) - 1; i >= 0; i-- {
		r := s.state.runs[s.state.runOrder[i]]
		if r.DatasetID != datasetID || r.Status != model.RunCompleted {
			continue
		}
		if stage != nil && r.Stage != *stage {
			continue
		}
		c := r.Clone()
		return &c, nil
	}
	return nil, nil
}

func (s *Store) GetAnomaly(_ context.Context, id uuid.UUID) (*model.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.state.anomalies[id]
	if !ok {
		return nil, notFound("anomaly", id)
	}
	c := a.Clone()
	return &c, nil
}

func (s *Store) ListAnomalies(_ context.Context, filter store.AnomalyFilter) ([]model.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Anomaly
	for _, a := range s.state.anomalies {
		a := a
		if filter.Matches(&a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RowNumber != out[j].RowNumber {
			return out[i].RowNumber < out[j].RowNumber
		}
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	lo, hi := store.Page(len(out), filter.Offset, filter.Limit)
	return out[lo:hi], nil
}

func (s *Store) ResolveAnomaly(_ context.Context, a *model.Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.resolve(a)
}

func (st *state) resolve(a *model.Anomaly) error {
	stored, ok := st.anomalies[a.ID]
	if !ok {
		return notFound("anomaly", a.ID)
	}
	if stored.Resolution.IsResolved() {
		return fmt.Errorf("anomaly %s: %w", a.ID, model.ErrAlreadyResolved)
	}
	if !a.Resolution.IsResolved() {
		return nil
	}
	stored.Resolution = a.Resolution
	st.anomalies[a.ID] = stored
	return nil
}

func (s *Store) GetMetadata(_ context.Context, datasetID uuid.UUID) (*model.DatasetMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	md, ok := s.state.metadata[datasetID]
	if !ok {
		return nil, notFound("metadata", datasetID)
	}
	c := cloneMetadata(md)
	return &c, nil
}

// CommitStage validates the whole write set against the current state before
// applying any of it, so a rejected commit leaves the store untouched.
func (s *Store) CommitStage(ctx context.Context, commit store.StageCommit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if commit.Dataset == nil || commit.Run == nil {
		return fmt.Errorf("stage commit requires a dataset and a run")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.datasets[commit.Dataset.ID]; !ok {
		return notFound("dataset", commit.Dataset.ID)
	}
	if _, ok := s.state.runs[commit.Run.ID]; !ok {
		return notFound("run", commit.Run.ID)
	}
	for _, a := range commit.Anomalies {
		if _, exists := s.state.anomalies[a.ID]; exists {
			return fmt.Errorf("anomaly %s already exists", a.ID)
		}
	}
	for _, a := range commit.Resolutions {
		stored, ok := s.state.anomalies[a.ID]
		if !ok {
			return notFound("anomaly", a.ID)
		}
		if stored.Resolution.IsResolved() {
			return fmt.Errorf("anomaly %s: %w", a.ID, model.ErrAlreadyResolved)
		}
	}

	datasetID := commit.Dataset.ID
	if len(commit.Records) > 0 {
		rows := s.state.records[datasetID]
		if rows == nil {
			rows = make(map[int]model.Transaction, len(commit.Records))
			s.state.records[datasetID] = rows
		}
		for _, r := range commit.Records {
			c := r.Clone()
			c.DatasetID = datasetID
			rows[r.RowNumber] = c
		}
	}
	for _, a := range commit.Anomalies {
		s.state.anomalies[a.ID] = a.Clone()
	}
	for i := range commit.Resolutions {
		_ = s.state.resolve(&commit.Resolutions[i])
	}
	if commit.Metadata != nil {
		s.state.metadata[datasetID] = cloneMetadata(*commit.Metadata)
	}
	s.state.datasets[datasetID] = commit.Dataset.Clone()
	s.state.runs[commit.Run.ID] = commit.Run.Clone()
	return nil
}

func (s *Store) Close() error { return nil }

func cloneMetadata(md model.DatasetMetadata) model.DatasetMetadata {
	c := md
	c.Columns = append([]string(nil), md.Columns...)
	c.NullCounts = cloneMap(md.NullCounts)
	c.NullPercentages = cloneMap(md.NullPercentages)
	c.DataTypes = cloneMap(md.DataTypes)
	c.TypeViolations = cloneMap(md.TypeViolations)
	c.UniqueCounts = cloneMap(md.UniqueCounts)
	c.NumericStats = cloneMap(md.NumericStats)
	c.CleaningSummary = cloneMap(md.CleaningSummary)
	if md.Distributions != nil {
		c.Distributions = make(map[string][]model.ValueCount, len(md.Distributions))
		for k, v := range md.Distributions {
			c.Distributions[k] = append([]model.ValueCount(nil), v...)
		}
	}
	if md.DateRange != nil {
		dr := *md.DateRange
		c.DateRange = &dr
	}
	return c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
