// pkg/store/postgres/postgres.go
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/David-Botos/txn-pipeline/pkg/config"
	"github.com/David-Botos/txn-pipeline/pkg/connector"
	"github.com/David-Botos/txn-pipeline/pkg/model"
	"github.com/David-Botos/txn-pipeline/pkg/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DriverName is the lib/pq driver the store opens with
const DriverName = "postgres"

const (
	uniqueViolation = "23505"
	activeRunIndex  = "uq_runs_active"

	// postgres caps bind parameters at 65535 per statement
	recordInsertBatch = 1000
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const (
	datasetColumns = `id, name, source_kind, file_path, status, total_rows, valid_rows, invalid_rows,
		cleaned_rows, anomaly_count, quality_score, processing_seconds, error_message, pipeline_config,
		created_at, updated_at`
	runColumns = `id, dataset_id, stage, status, started_at, completed_at, duration_seconds, input_rows,
		output_rows, rows_modified, rows_removed, stage_metrics, error_message, logs, external_node_id,
		external_execution_id, created_at`
	anomalyColumns = `id, dataset_id, run_id, row_number, transaction_id, anomaly_type, severity, confidence,
		detected_by, description, field_name, original_value, expected_value, context, is_resolved,
		resolution_action, resolved_value, resolved_at, llm_explanation, llm_model_id, created_at`
)

// Store implements store.Storage on PostgreSQL
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

var _ store.Storage = (*Store)(nil)

// Open connects, applies pending migrations and returns a ready store
func Open(ctx context.Context, cfg *config.PostgresConfig, logger *zap.Logger) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("postgres store: %w", connector.ErrNotConfigured)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sqlx.ConnectContext(ctx, DriverName, cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	connector.ApplyConnectionSettings(db.DB, cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime, cfg.ConnMaxIdleTime)

	if err := Migrate(db.DB, logger); err != nil {
		db.Close()
		return nil, err
	}
	return New(db, logger), nil
}

// New wraps an open connection. The schema must already be migrated.
func New(db *sqlx.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("postgres-store")}
}

// Migrate applies every pending up migration
func Migrate(db *sql.DB, logger *zap.Logger) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, _ := m.Version()
	logger.Info("Schema migrated", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// MigrateDown rolls the schema back completely
func MigrateDown(db *sql.DB, logger *zap.Logger) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("roll back migrations: %w", err)
	}
	logger.Info("Schema rolled back")
	return nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return nil, fmt.Errorf("init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, DriverName, driver)
	if err != nil {
		return nil, fmt.Errorf("init migrator: %w", err)
	}
	return m, nil
}

func notFound(kind string, id interface{}) error {
	return fmt.Errorf("%s %v: %w", kind, id, model.ErrNotFound)
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == uniqueViolation && (constraint == "" || pqErr.Constraint == constraint)
}

func (s *Store) CreateDataset(ctx context.Context, ds *model.Dataset) error {
	row, err := newDatasetRow(ds)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO datasets (`+datasetColumns+`) VALUES (
		:id, :name, :source_kind, :file_path, :status, :total_rows, :valid_rows, :invalid_rows,
		:cleaned_rows, :anomaly_count, :quality_score, :processing_seconds, :error_message, :pipeline_config,
		:created_at, :updated_at)`, row)
	if err != nil {
		return fmt.Errorf("insert dataset %s: %w", ds.ID, err)
	}
	return nil
}

func (s *Store) GetDataset(ctx context.Context, id uuid.UUID) (*model.Dataset, error) {
	var row datasetRow
	err := s.db.GetContext(ctx, &row, `SELECT `+datasetColumns+` FROM datasets WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("dataset", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset %s: %w", id, err)
	}
	ds, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

func (s *Store) ListDatasets(ctx context.Context, filter store.DatasetFilter) ([]model.Dataset, error) {
	q := psql.Select(datasetColumns).From("datasets").OrderBy("created_at DESC", "id")
	if filter.Status != nil {
		q = q.Where(sq.Eq{"status": filter.Status.String()})
	}
	q = page(q, filter.Limit, filter.Offset)

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build dataset query: %w", err)
	}
	var rows []datasetRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	out := make([]model.Dataset, 0, len(rows))
	for _, r := range rows {
		ds, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, nil
}

func (s *Store) UpdateDataset(ctx context.Context, ds *model.Dataset) error {
	return updateDataset(ctx, s.db, ds)
}

func updateDataset(ctx context.Context, ext sqlx.ExtContext, ds *model.Dataset) error {
	row, err := newDatasetRow(ds)
	if err != nil {
		return err
	}
	res, err := sqlx.NamedExecContext(ctx, ext, `UPDATE datasets SET
		name = :name, source_kind = :source_kind, file_path = :file_path, status = :status,
		total_rows = :total_rows, valid_rows = :valid_rows, invalid_rows = :invalid_rows,
		cleaned_rows = :cleaned_rows, anomaly_count = :anomaly_count, quality_score = :quality_score,
		processing_seconds = :processing_seconds, error_message = :error_message,
		pipeline_config = :pipeline_config, updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("update dataset %s: %w", ds.ID, err)
	}
	return expectOne(res, "dataset", ds.ID)
}

func (s *Store) DeleteDataset(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM datasets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dataset %s: %w", id, err)
	}
	return expectOne(res, "dataset", id)
}

func (s *Store) ListRecords(ctx context.Context, datasetID uuid.UUID) ([]model.Transaction, error) {
	var rows []recordRow
	query := `SELECT ` + strings.Join(recordColumns, ", ") + ` FROM transaction_records WHERE dataset_id = $1 ORDER BY row_number`
	if err := s.db.SelectContext(ctx, &rows, query, datasetID); err != nil {
		return nil, fmt.Errorf("list records of %s: %w", datasetID, err)
	}
	out := make([]model.Transaction, 0, len(rows))
	for _, r := range rows {
		t, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) CreateRun(ctx context.Context, run *model.PipelineRun) error {
	row, err := newRunRow(run)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO pipeline_runs (`+runColumns+`) VALUES (
		:id, :dataset_id, :stage, :status, :started_at, :completed_at, :duration_seconds, :input_rows,
		:output_rows, :rows_modified, :rows_removed, :stage_metrics, :error_message, :logs,
		:external_node_id, :external_execution_id, :created_at)`, row)
	if isUniqueViolation(err, activeRunIndex) {
		return fmt.Errorf("dataset %s: %w", run.DatasetID, model.ErrStageConflict)
	}
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, run *model.PipelineRun) error {
	return updateRun(ctx, s.db, run)
}

func updateRun(ctx context.Context, ext sqlx.ExtContext, run *model.PipelineRun) error {
	row, err := newRunRow(run)
	if err != nil {
		return err
	}
	res, err := sqlx.NamedExecContext(ctx, ext, `UPDATE pipeline_runs SET
		status = :status, started_at = :started_at, completed_at = :completed_at,
		duration_seconds = :duration_seconds, input_rows = :input_rows, output_rows = :output_rows,
		rows_modified = :rows_modified, rows_removed = :rows_removed, stage_metrics = :stage_metrics,
		error_message = :error_message, logs = :logs, external_node_id = :external_node_id,
		external_execution_id = :external_execution_id
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	return expectOne(res, "run", run.ID)
}

func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*model.PipelineRun, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return runFromRow(row)
}

func (s *Store) ListRuns(ctx context.Context, datasetID uuid.UUID) ([]model.PipelineRun, error) {
	var rows []runRow
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE dataset_id = $1 ORDER BY seq`
	if err := s.db.SelectContext(ctx, &rows, query, datasetID); err != nil {
		return nil, fmt.Errorf("list runs of %s: %w", datasetID, err)
	}
	out := make([]model.PipelineRun, 0, len(rows))
	for _, r := range rows {
		run, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func (s *Store) ActiveRun(ctx context.Context, datasetID uuid.UUID) (*model.PipelineRun, error) {
	q := psql.Select(runColumns).From("pipeline_runs").
		Where(sq.Eq{"dataset_id": datasetID.String(), "status": []string{model.RunPending.String(), model.RunRunning.String()}}).
		OrderBy("seq DESC").Limit(1)
	return s.optionalRun(ctx, q)
}

func (s *Store) LatestCompletedRun(ctx context.Context, datasetID uuid.UUID, stage *model.Stage) (*model.PipelineRun, error) {
	q := psql.Select(runColumns).From("pipeline_runs").
		Where(sq.Eq{"dataset_id": datasetID.String(), "status": model.RunCompleted.String()}).
		OrderBy("seq DESC").Limit(1)
	if stage != nil {
		q = q.Where(sq.Eq{"stage": stage.String()})
	}
	return s.optionalRun(ctx, q)
}

func (s *Store) optionalRun(ctx context.Context, q sq.SelectBuilder) (*model.PipelineRun, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build run query: %w", err)
	}
	var row runRow
	err = s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	return runFromRow(row)
}

func runFromRow(row runRow) (*model.PipelineRun, error) {
	run, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *Store) GetAnomaly(ctx context.Context, id uuid.UUID) (*model.Anomaly, error) {
	var row anomalyRow
	err := s.db.GetContext(ctx, &row, `SELECT `+anomalyColumns+` FROM anomalies WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("anomaly", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get anomaly %s: %w", id, err)
	}
	a, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) ListAnomalies(ctx context.Context, filter store.AnomalyFilter) ([]model.Anomaly, error) {
	q := psql.Select(anomalyColumns).From("anomalies").OrderBy("row_number", "anomaly_type", "id")
	if filter.DatasetID != uuid.Nil {
		q = q.Where(sq.Eq{"dataset_id": filter.DatasetID.String()})
	}
	if filter.RunID != nil {
		q = q.Where(sq.Eq{"run_id": filter.RunID.String()})
	}
	if filter.Severity != nil {
		q = q.Where(sq.Eq{"severity": filter.Severity.String()})
	}
	if filter.Unresolved {
		q = q.Where(sq.Eq{"is_resolved": 0})
	}
	if len(filter.Types) > 0 {
		names := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			names[i] = t.String()
		}
		q = q.Where(sq.Eq{"anomaly_type": names})
	}
	q = page(q, filter.Limit, filter.Offset)

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build anomaly query: %w", err)
	}
	var rows []anomalyRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	out := make([]model.Anomaly, 0, len(rows))
	for _, r := range rows {
		a, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) ResolveAnomaly(ctx context.Context, a *model.Anomaly) error {
	return resolveAnomaly(ctx, s.db, a)
}

// resolveAnomaly only touches unresolved rows; a miss is either an unknown id
// or an anomaly someone resolved first
func resolveAnomaly(ctx context.Context, ext sqlx.ExtContext, a *model.Anomaly) error {
	if !a.Resolution.IsResolved() {
		return nil
	}
	var row anomalyRow
	row.applyResolution(a.Resolution)
	res, err := ext.ExecContext(ctx, `UPDATE anomalies SET
		is_resolved = $1, resolution_action = $2, resolved_value = $3, resolved_at = $4
		WHERE id = $5 AND is_resolved = 0`,
		row.IsResolved, row.ResolutionAction, row.ResolvedValue, row.ResolvedAt, a.ID)
	if err != nil {
		return fmt.Errorf("resolve anomaly %s: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var exists bool
	if err := sqlx.GetContext(ctx, ext, &exists, `SELECT EXISTS (SELECT 1 FROM anomalies WHERE id = $1)`, a.ID); err != nil {
		return fmt.Errorf("resolve anomaly %s: %w", a.ID, err)
	}
	if !exists {
		return notFound("anomaly", a.ID)
	}
	return fmt.Errorf("anomaly %s: %w", a.ID, model.ErrAlreadyResolved)
}

func (s *Store) GetMetadata(ctx context.Context, datasetID uuid.UUID) (*model.DatasetMetadata, error) {
	var snapshot []byte
	err := s.db.GetContext(ctx, &snapshot, `SELECT snapshot FROM dataset_metadata WHERE dataset_id = $1`, datasetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("metadata", datasetID)
	}
	if err != nil {
		return nil, fmt.Errorf("get metadata of %s: %w", datasetID, err)
	}
	var md model.DatasetMetadata
	if err := json.Unmarshal(snapshot, &md); err != nil {
		return nil, fmt.Errorf("unmarshal metadata of %s: %w", datasetID, err)
	}
	return &md, nil
}

// CommitStage writes the whole stage output in one transaction
func (s *Store) CommitStage(ctx context.Context, commit store.StageCommit) (err error) {
	if commit.Dataset == nil || commit.Run == nil {
		return fmt.Errorf("stage commit requires a dataset and a run")
	}
	start := time.Now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin stage commit: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Error("Failed to roll back stage commit", zap.Error(rbErr))
			}
		}
	}()

	datasetID := commit.Dataset.ID
	if err = upsertRecords(ctx, tx, datasetID, commit.Records); err != nil {
		return err
	}
	if err = insertAnomalies(ctx, tx, commit.Anomalies); err != nil {
		return err
	}
	for i := range commit.Resolutions {
		if err = resolveAnomaly(ctx, tx, &commit.Resolutions[i]); err != nil {
			return err
		}
	}
	if commit.Metadata != nil {
		if err = upsertMetadata(ctx, tx, commit.Metadata); err != nil {
			return err
		}
	}
	if err = updateDataset(ctx, tx, commit.Dataset); err != nil {
		return err
	}
	if err = updateRun(ctx, tx, commit.Run); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit stage %s: %w", commit.Run.Stage, err)
	}

	s.logger.Debug("Committed stage",
		zap.String("dataset_id", datasetID.String()),
		zap.String("stage", commit.Run.Stage.String()),
		zap.Int("records", len(commit.Records)),
		zap.Int("anomalies", len(commit.Anomalies)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func upsertRecords(ctx context.Context, tx *sqlx.Tx, datasetID uuid.UUID, records []model.Transaction) error {
	for start := 0; start < len(records); start += recordInsertBatch {
		end := start + recordInsertBatch
		if end > len(records) {
			end = len(records)
		}
		q := psql.Insert("transaction_records").Columns(recordColumns...)
		for _, rec := range records[start:end] {
			rec.DatasetID = datasetID
			row, err := newRecordRow(rec)
			if err != nil {
				return err
			}
			q = q.Values(row.values()...)
		}
		q = q.Suffix(recordUpsertSuffix)

		query, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build record upsert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert records %d-%d: %w", start, end, err)
		}
	}
	return nil
}

var recordUpsertSuffix = func() string {
	s := "ON CONFLICT (dataset_id, row_number) DO UPDATE SET "
	for i, c := range recordColumns[2:] {
		if i > 0 {
			s += ", "
		}
		s += c + " = EXCLUDED." + c
	}
	return s
}()

func insertAnomalies(ctx context.Context, tx *sqlx.Tx, anomalies []model.Anomaly) error {
	for i := range anomalies {
		row, err := newAnomalyRow(&anomalies[i])
		if err != nil {
			return err
		}
		_, err = tx.NamedExecContext(ctx, `INSERT INTO anomalies (`+anomalyColumns+`) VALUES (
			:id, :dataset_id, :run_id, :row_number, :transaction_id, :anomaly_type, :severity, :confidence,
			:detected_by, :description, :field_name, :original_value, :expected_value, :context, :is_resolved,
			:resolution_action, :resolved_value, :resolved_at, :llm_explanation, :llm_model_id, :created_at)`, row)
		if err != nil {
			return fmt.Errorf("insert anomaly %s: %w", anomalies[i].ID, err)
		}
	}
	return nil
}

func upsertMetadata(ctx context.Context, tx *sqlx.Tx, md *model.DatasetMetadata) error {
	snapshot, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO dataset_metadata (dataset_id, snapshot, computed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (dataset_id) DO UPDATE SET snapshot = EXCLUDED.snapshot, computed_at = EXCLUDED.computed_at`,
		md.DatasetID, string(snapshot), md.ComputedAt)
	if err != nil {
		return fmt.Errorf("upsert metadata of %s: %w", md.DatasetID, err)
	}
	return nil
}

func page(q sq.SelectBuilder, limit, offset int) sq.SelectBuilder {
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	if offset > 0 {
		q = q.Offset(uint64(offset))
	}
	return q
}

func expectOne(res sql.Result, kind string, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", kind, id, err)
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}

func (s *Store) Close() error {
	s.logger.Info("Closing PostgreSQL store")
	return s.db.Close()
}
