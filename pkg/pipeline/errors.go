// pkg/pipeline/errors.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/David-Botos/txn-pipeline/pkg/model"
)

// Action defines the recommended action after an error
type Action int

const (
	// ActionContinue indicates the stage keeps processing the remaining rows
	ActionContinue Action = iota
	// ActionAbort indicates the stage run must fail
	ActionAbort
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionAbort:
		return "abort"
	default:
		return fmt.Sprintf("Unknown(%d)", int(a))
	}
}

// StageExecutionError wraps an unexpected fault raised inside a stage body
type StageExecutionError struct {
	Stage model.Stage
	RunID uuid.UUID
	Err   error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("%s: stage %s (run %s): %v", model.ErrStageExecution, e.Stage, e.RunID, e.Err)
}

func (e *StageExecutionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, model.ErrStageExecution) hold for every stage fault
func (e *StageExecutionError) Is(target error) bool {
	return target == model.ErrStageExecution
}

// WrapError creates a new error with additional context
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsCancellation reports whether err came from a cancelled or expired context
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

const defaultMaxSamples = 20

// ErrorHandler collects the categorized errors of one stage run
type ErrorHandler struct {
	logger       *zap.Logger
	errorCounts  map[model.ErrorCategory]int
	sampleErrors map[model.ErrorCategory][]model.ErrorRecord
	mu           sync.Mutex
	maxSamples   int
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ErrorHandler{
		logger:       logger,
		errorCounts:  make(map[model.ErrorCategory]int),
		sampleErrors: make(map[model.ErrorCategory][]model.ErrorRecord),
		maxSamples:   defaultMaxSamples,
	}
}

// HandleError records an error and determines the action. Row-level
// categories continue; stage-level categories abort the run.
func (eh *ErrorHandler) HandleError(record model.ErrorRecord) Action {
	eh.RecordError(record)

	switch record.Category {
	case model.ErrorCategoryNone,
		model.ErrorCategoryValidation,
		model.ErrorCategoryCleaningUnrepairable,
		model.ErrorCategoryDetectorUnavailable,
		model.ErrorCategoryInvariantViolation:
		return ActionContinue

	case model.ErrorCategoryStageConflict, model.ErrorCategoryStageExecution:
		eh.logger.Error("Stage-level error",
			zap.String("category", record.Category.String()),
			zap.String("error", record.Message))
		return ActionAbort

	default:
		return ActionAbort
	}
}

// Handle categorizes err, attaches the row and records it
func (eh *ErrorHandler) Handle(err error, row int) Action {
	return eh.HandleError(model.NewErrorRecord(err, model.Categorize(err)).WithRow(row))
}

// RecordError saves an error occurrence
func (eh *ErrorHandler) RecordError(record model.ErrorRecord) {
	eh.mu.Lock()
	eh.errorCounts[record.Category]++
	samples := eh.sampleErrors[record.Category]
	if len(samples) < eh.maxSamples {
		eh.sampleErrors[record.Category] = append(samples, record)
	}
	eh.mu.Unlock()

	var level zapcore.Level
	switch record.Category {
	case model.ErrorCategoryValidation, model.ErrorCategoryCleaningUnrepairable, model.ErrorCategoryNone:
		level = zap.DebugLevel
	case model.ErrorCategoryDetectorUnavailable, model.ErrorCategoryInvariantViolation:
		level = zap.WarnLevel
	case model.ErrorCategoryStageConflict, model.ErrorCategoryStageExecution:
		level = zap.ErrorLevel
	default:
		level = zap.InfoLevel
	}

	eh.logger.Log(level, "Stage error",
		zap.String("category", record.Category.String()),
		zap.Int("row", record.Row),
		zap.String("field", record.Field),
		zap.String("error", record.Message),
		zap.Bool("recoverable", record.Recoverable))
}

// Summary returns the error counts by category
func (eh *ErrorHandler) Summary() map[model.ErrorCategory]int {
	eh.mu.Lock()
	defer eh.mu.Unlock()

	summary := make(map[model.ErrorCategory]int, len(eh.errorCounts))
	for category, count := range eh.errorCounts {
		summary[category] = count
	}
	return summary
}

// Count returns how many errors of a category were recorded
func (eh *ErrorHandler) Count(category model.ErrorCategory) int {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	return eh.errorCounts[category]
}

// Samples returns the kept records for each category
func (eh *ErrorHandler) Samples() map[model.ErrorCategory][]model.ErrorRecord {
	eh.mu.Lock()
	defer eh.mu.Unlock()

	samples := make(map[model.ErrorCategory][]model.ErrorRecord, len(eh.sampleErrors))
	for category, records := range eh.sampleErrors {
		categorySamples := make([]model.ErrorRecord, len(records))
		copy(categorySamples, records)
		samples[category] = categorySamples
	}
	return samples
}

// LogEntries renders the kept samples as run log lines, ordered by time then row
func (eh *ErrorHandler) LogEntries() []model.RunLogEntry {
	eh.mu.Lock()
	defer eh.mu.Unlock()

	var out []model.RunLogEntry
	for _, records := range eh.sampleErrors {
		for _, r := range records {
			out = append(out, r.LogEntry())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.Before(out[j].Time)
		}
		return out[i].Row < out[j].Row
	})
	return out
}

// Metrics flattens the counts into stage metric keys (errors_<category>)
func (eh *ErrorHandler) Metrics() map[string]float64 {
	out := make(map[string]float64)
	for category, count := range eh.Summary() {
		out["errors_"+category.String()] = float64(count)
	}
	return out
}
