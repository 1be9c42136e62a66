// pkg/model/errors.go
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error taxonomy of the processing engine
var (
	ErrValidation           = errors.New("validation error")
	ErrCleaningUnrepairable = errors.New("record cannot be repaired")
	ErrDetectorUnavailable  = errors.New("detector unavailable")
	ErrStageConflict        = errors.New("stage conflict: another stage is running for this dataset")
	ErrStageExecution       = errors.New("stage execution failure")
	ErrInvariantViolation   = errors.New("invariant violation")

	ErrNotFound          = errors.New("not found")
	ErrAlreadyResolved   = errors.New("anomaly already resolved")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ErrorCategory classifies an error for handling
type ErrorCategory int

const (
	ErrorCategoryNone ErrorCategory = iota
	ErrorCategoryValidation
	ErrorCategoryCleaningUnrepairable
	ErrorCategoryDetectorUnavailable
	ErrorCategoryInvariantViolation
	ErrorCategoryStageConflict
	ErrorCategoryStageExecution
)

func (ec ErrorCategory) String() string {
	switch ec {
	case ErrorCategoryNone:
		return "None"
	case ErrorCategoryValidation:
		return "ValidationError"
	case ErrorCategoryCleaningUnrepairable:
		return "CleaningUnrepairable"
	case ErrorCategoryDetectorUnavailable:
		return "DetectorUnavailable"
	case ErrorCategoryInvariantViolation:
		return "InvariantViolation"
	case ErrorCategoryStageConflict:
		return "StageConflict"
	case ErrorCategoryStageExecution:
		return "StageExecutionFailure"
	default:
		return fmt.Sprintf("Unknown(%d)", int(ec))
	}
}

// Recoverable reports whether processing of the stage continues after the error
func (ec ErrorCategory) Recoverable() bool {
	switch ec {
	case ErrorCategoryNone, ErrorCategoryValidation, ErrorCategoryCleaningUnrepairable,
		ErrorCategoryDetectorUnavailable, ErrorCategoryInvariantViolation:
		return true
	case ErrorCategoryStageConflict, ErrorCategoryStageExecution:
		return false
	default:
		return false
	}
}

// Categorize maps an error onto the taxonomy via errors.Is
func Categorize(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryNone
	case errors.Is(err, ErrStageConflict):
		return ErrorCategoryStageConflict
	case errors.Is(err, ErrInvariantViolation):
		return ErrorCategoryInvariantViolation
	case errors.Is(err, ErrDetectorUnavailable):
		return ErrorCategoryDetectorUnavailable
	case errors.Is(err, ErrCleaningUnrepairable):
		return ErrorCategoryCleaningUnrepairable
	case errors.Is(err, ErrValidation):
		return ErrorCategoryValidation
	default:
		return ErrorCategoryStageExecution
	}
}

// ErrorRecord is a single categorized error observed during a stage
type ErrorRecord struct {
	Category    ErrorCategory
	Row         int
	Field       string
	Value       string
	Err         error
	Message     string
	Timestamp   time.Time
	Recoverable bool
}

// NewErrorRecord creates a new error record with current timestamp
func NewErrorRecord(err error, category ErrorCategory) ErrorRecord {
	record := ErrorRecord{
		Category:    category,
		Err:         err,
		Timestamp:   time.Now().UTC(),
		Recoverable: category.Recoverable(),
	}
	if err != nil {
		record.Message = err.Error()
	}
	return record
}

// WithRow adds the row number to the record
func (r ErrorRecord) WithRow(row int) ErrorRecord {
	r.Row = row
	return r
}

// WithField adds field information to the record
func (r ErrorRecord) WithField(field, value string) ErrorRecord {
	r.Field = field
	r.Value = value
	return r
}

// String returns a formatted error message
func (r ErrorRecord) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] ", r.Category))
	if r.Row > 0 {
		sb.WriteString(fmt.Sprintf("Row: %d ", r.Row))
	}
	if r.Field != "" {
		sb.WriteString(fmt.Sprintf("Field: %s ", r.Field))
		if r.Value != "" {
			sb.WriteString(fmt.Sprintf("Value: %q ", r.Value))
		}
	}
	sb.WriteString("Error: ")
	sb.WriteString(r.Message)
	return sb.String()
}

// LogEntry converts the record into a run log line
func (r ErrorRecord) LogEntry() RunLogEntry {
	level := "warn"
	if !r.Recoverable {
		level = "error"
	}
	return RunLogEntry{
		Time:     r.Timestamp,
		Level:    level,
		Message:  r.Message,
		Category: r.Category.String(),
		Row:      r.Row,
		Field:    r.Field,
	}
}
