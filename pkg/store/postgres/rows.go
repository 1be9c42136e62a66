// pkg/store/postgres/rows.go
package postgres

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/David-Botos/txn-pipeline/pkg/model"
)

type datasetRow struct {
	ID                uuid.UUID       `db:"id"`
	Name              string          `db:"name"`
	SourceKind        string          `db:"source_kind"`
	FilePath          string          `db:"file_path"`
	Status            string          `db:"status"`
	TotalRows         int             `db:"total_rows"`
	ValidRows         int             `db:"valid_rows"`
	InvalidRows       int             `db:"invalid_rows"`
	CleanedRows       int             `db:"cleaned_rows"`
	AnomalyCount      int             `db:"anomaly_count"`
	QualityScore      float64         `db:"quality_score"`
	ProcessingSeconds sql.NullFloat64 `db:"processing_seconds"`
	ErrorMessage      string          `db:"error_message"`
	PipelineConfig    jsonb           `db:"pipeline_config"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

func newDatasetRow(ds *model.Dataset) (datasetRow, error) {
	cfg, err := json.Marshal(ds.Config)
	if err != nil {
		return datasetRow{}, fmt.Errorf("marshal pipeline config: %w", err)
	}
	row := datasetRow{
		ID:             ds.ID,
		Name:           ds.Name,
		SourceKind:     ds.SourceKind.String(),
		FilePath:       ds.FilePath,
		Status:         ds.Status.String(),
		TotalRows:      ds.TotalRows,
		ValidRows:      ds.ValidRows,
		InvalidRows:    ds.InvalidRows,
		CleanedRows:    ds.CleanedRows,
		AnomalyCount:   ds.AnomalyCount,
		QualityScore:   ds.QualityScore,
		ErrorMessage:   ds.ErrorMessage,
		PipelineConfig: jsonb(cfg),
		CreatedAt:      ds.CreatedAt,
		UpdatedAt:      ds.UpdatedAt,
	}
	if ds.ProcessingSeconds != nil {
		row.ProcessingSeconds = sql.NullFloat64{Float64: *ds.ProcessingSeconds, Valid: true}
	}
	return row, nil
}

func (r datasetRow) toModel() (model.Dataset, error) {
	kind, err := model.ParseSourceKind(r.SourceKind)
	if err != nil {
		return model.Dataset{}, err
	}
	status, err := model.ParseDatasetStatus(r.Status)
	if err != nil {
		return model.Dataset{}, err
	}
	ds := model.Dataset{
		ID:           r.ID,
		Name:         r.Name,
		SourceKind:   kind,
		FilePath:     r.FilePath,
		Status:       status,
		TotalRows:    r.TotalRows,
		ValidRows:    r.ValidRows,
		InvalidRows:  r.InvalidRows,
		CleanedRows:  r.CleanedRows,
		AnomalyCount: r.AnomalyCount,
		QualityScore: r.QualityScore,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	if r.ProcessingSeconds.Valid {
		v := r.ProcessingSeconds.Float64
		ds.ProcessingSeconds = &v
	}
	if err := json.Unmarshal(r.PipelineConfig, &ds.Config); err != nil {
		return model.Dataset{}, fmt.Errorf("unmarshal pipeline config: %w", err)
	}
	return ds, nil
}

type recordRow struct {
	model.Transaction
	OriginalValues   jsonb `db:"original_values"`
	CleaningActions  jsonb `db:"cleaning_actions"`
	ValidationErrors jsonb `db:"validation_errors"`
}

func newRecordRow(t model.Transaction) (recordRow, error) {
	row := recordRow{Transaction: t}
	var err error
	if row.OriginalValues, err = marshalOptional(t.OriginalValues, len(t.OriginalValues) == 0); err != nil {
		return row, err
	}
	if row.CleaningActions, err = marshalOptional(t.CleaningActions, len(t.CleaningActions) == 0); err != nil {
		return row, err
	}
	if row.ValidationErrors, err = marshalOptional(t.ValidationErrors, len(t.ValidationErrors) == 0); err != nil {
		return row, err
	}
	return row, nil
}

func (r recordRow) toModel() (model.Transaction, error) {
	t := r.Transaction
	t.OriginalValues, t.CleaningActions, t.ValidationErrors = nil, nil, nil
	if err := unmarshalOptional(r.OriginalValues, &t.OriginalValues); err != nil {
		return t, err
	}
	if err := unmarshalOptional(r.CleaningActions, &t.CleaningActions); err != nil {
		return t, err
	}
	if err := unmarshalOptional(r.ValidationErrors, &t.ValidationErrors); err != nil {
		return t, err
	}
	return t, nil
}

// recordValues is the insert column order of transaction_records
func (r recordRow) values() []interface{} {
	t := r.Transaction
	return []interface{}{
		t.DatasetID, t.RowNumber, t.TransactionID, t.CustomerID, t.AccountNumber, t.Amount, t.Balance,
		t.Currency, t.Date, t.TransactionType, t.Status, t.Description, t.Merchant, t.Category,
		t.Location, t.CountryCode, t.IsValid, t.IsAnomaly, t.WasCleaned,
		r.OriginalValues, r.CleaningActions, r.ValidationErrors,
	}
}

var recordColumns = []string{
	"dataset_id", "row_number", "transaction_id", "customer_id", "account_number", "amount", "balance",
	"currency", "txn_date", "transaction_type", "status", "description", "merchant", "category",
	"location", "country_code", "is_valid", "is_anomaly", "was_cleaned",
	"original_values", "cleaning_actions", "validation_errors",
}

type runRow struct {
	ID                  uuid.UUID    `db:"id"`
	DatasetID           uuid.UUID    `db:"dataset_id"`
	Stage               string       `db:"stage"`
	Status              string       `db:"status"`
	StartedAt           sql.NullTime `db:"started_at"`
	CompletedAt         sql.NullTime `db:"completed_at"`
	DurationSeconds     float64      `db:"duration_seconds"`
	InputRows           int          `db:"input_rows"`
	OutputRows          int          `db:"output_rows"`
	RowsModified        int          `db:"rows_modified"`
	RowsRemoved         int          `db:"rows_removed"`
	StageMetrics        jsonb        `db:"stage_metrics"`
	ErrorMessage        string       `db:"error_message"`
	Logs                jsonb        `db:"logs"`
	ExternalNodeID      string       `db:"external_node_id"`
	ExternalExecutionID string       `db:"external_execution_id"`
	CreatedAt           time.Time    `db:"created_at"`
}

func newRunRow(r *model.PipelineRun) (runRow, error) {
	row := runRow{
		ID:                  r.ID,
		DatasetID:           r.DatasetID,
		Stage:               r.Stage.String(),
		Status:              r.Status.String(),
		DurationSeconds:     r.DurationSeconds,
		InputRows:           r.InputRows,
		OutputRows:          r.OutputRows,
		RowsModified:        r.RowsModified,
		RowsRemoved:         r.RowsRemoved,
		ErrorMessage:        r.ErrorMessage,
		ExternalNodeID:      r.ExternalNodeID,
		ExternalExecutionID: r.ExternalExecutionID,
		CreatedAt:           r.CreatedAt,
	}
	if r.StartedAt != nil {
		row.StartedAt = sql.NullTime{Time: *r.StartedAt, Valid: true}
	}
	if r.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *r.CompletedAt, Valid: true}
	}
	var err error
	if row.StageMetrics, err = marshalOptional(r.Metrics, len(r.Metrics) == 0); err != nil {
		return row, err
	}
	if row.Logs, err = marshalOptional(r.Logs, len(r.Logs) == 0); err != nil {
		return row, err
	}
	return row, nil
}

func (r runRow) toModel() (model.PipelineRun, error) {
	stage, err := model.ParseStage(r.Stage)
	if err != nil {
		return model.PipelineRun{}, err
	}
	status, err := model.ParseRunStatus(r.Status)
	if err != nil {
		return model.PipelineRun{}, err
	}
	run := model.PipelineRun{
		ID:                  r.ID,
		DatasetID:           r.DatasetID,
		Stage:               stage,
		Status:              status,
		DurationSeconds:     r.DurationSeconds,
		InputRows:           r.InputRows,
		OutputRows:          r.OutputRows,
		RowsModified:        r.RowsModified,
		RowsRemoved:         r.RowsRemoved,
		ErrorMessage:        r.ErrorMessage,
		ExternalNodeID:      r.ExternalNodeID,
		ExternalExecutionID: r.ExternalExecutionID,
		CreatedAt:           r.CreatedAt.UTC(),
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time.UTC()
		run.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time.UTC()
		run.CompletedAt = &t
	}
	if err := unmarshalOptional(r.StageMetrics, &run.Metrics); err != nil {
		return run, err
	}
	if err := unmarshalOptional(r.Logs, &run.Logs); err != nil {
		return run, err
	}
	return run, nil
}

type anomalyRow struct {
	ID               uuid.UUID    `db:"id"`
	DatasetID        uuid.UUID    `db:"dataset_id"`
	RunID            uuid.UUID    `db:"run_id"`
	RowNumber        int          `db:"row_number"`
	TransactionID    string       `db:"transaction_id"`
	AnomalyType      string       `db:"anomaly_type"`
	Severity         string       `db:"severity"`
	Confidence       float64      `db:"confidence"`
	DetectedBy       string       `db:"detected_by"`
	Description      string       `db:"description"`
	FieldName        string       `db:"field_name"`
	OriginalValue    string       `db:"original_value"`
	ExpectedValue    string       `db:"expected_value"`
	Context          jsonb        `db:"context"`
	IsResolved       int          `db:"is_resolved"`
	ResolutionAction string       `db:"resolution_action"`
	ResolvedValue    string       `db:"resolved_value"`
	ResolvedAt       sql.NullTime `db:"resolved_at"`
	LLMExplanation   string       `db:"llm_explanation"`
	LLMModelID       string       `db:"llm_model_id"`
	CreatedAt        time.Time    `db:"created_at"`
}

func newAnomalyRow(a *model.Anomaly) (anomalyRow, error) {
	row := anomalyRow{
		ID:             a.ID,
		DatasetID:      a.DatasetID,
		RunID:          a.RunID,
		RowNumber:      a.RowNumber,
		TransactionID:  a.TransactionID,
		AnomalyType:    a.Type.String(),
		Severity:       a.Severity.String(),
		Confidence:     a.Confidence,
		DetectedBy:     a.DetectedBy,
		Description:    a.Description,
		FieldName:      a.FieldName,
		OriginalValue:  a.OriginalValue,
		ExpectedValue:  a.ExpectedValue,
		LLMExplanation: a.LLMExplanation,
		LLMModelID:     a.LLMModelID,
		CreatedAt:      a.CreatedAt,
	}
	row.applyResolution(a.Resolution)
	var err error
	if row.Context, err = marshalOptional(a.Context, len(a.Context) == 0); err != nil {
		return row, err
	}
	return row, nil
}

func (r *anomalyRow) applyResolution(res model.Resolution) {
	r.IsResolved = int(res.Outcome())
	if res.IsResolved() {
		r.ResolutionAction = res.Action()
		r.ResolvedValue = res.ResolvedValue()
		r.ResolvedAt = sql.NullTime{Time: res.ResolvedAt(), Valid: true}
	}
}

func (r anomalyRow) toModel() (model.Anomaly, error) {
	kind, err := model.ParseAnomalyType(r.AnomalyType)
	if err != nil {
		return model.Anomaly{}, err
	}
	severity, err := model.ParseSeverity(r.Severity)
	if err != nil {
		return model.Anomaly{}, err
	}
	a := model.Anomaly{
		ID:             r.ID,
		DatasetID:      r.DatasetID,
		RunID:          r.RunID,
		RowNumber:      r.RowNumber,
		TransactionID:  r.TransactionID,
		Type:           kind,
		Severity:       severity,
		Confidence:     r.Confidence,
		DetectedBy:     r.DetectedBy,
		Description:    r.Description,
		FieldName:      r.FieldName,
		OriginalValue:  r.OriginalValue,
		ExpectedValue:  r.ExpectedValue,
		LLMExplanation: r.LLMExplanation,
		LLMModelID:     r.LLMModelID,
		CreatedAt:      r.CreatedAt.UTC(),
	}
	if r.IsResolved != 0 {
		res, err := model.NewResolution(model.ResolutionOutcome(r.IsResolved), r.ResolutionAction, r.ResolvedValue, r.ResolvedAt.Time.UTC())
		if err != nil {
			return a, err
		}
		a.Resolution = res
	}
	if err := unmarshalOptional(r.Context, &a.Context); err != nil {
		return a, err
	}
	return a, nil
}

func marshalOptional(v interface{}, empty bool) (jsonb, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return b, nil
}

func unmarshalOptional(b jsonb, dst interface{}) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("unmarshal json column: %w", err)
	}
	return nil
}

// jsonb travels as text; a bare []byte would be encoded as bytea
type jsonb []byte

func (j jsonb) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

func (j *jsonb) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = jsonb(v)
	default:
		return fmt.Errorf("cannot scan %T into jsonb", src)
	}
	return nil
}
