package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/David-Botos/txn-pipeline/pkg/model"
)

func TestErrorHandlerActions(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		action Action
	}{
		{"validation", fmt.Errorf("%w: amount", model.ErrValidation), ActionContinue},
		{"unrepairable", model.ErrCleaningUnrepairable, ActionContinue},
		{"detector", model.ErrDetectorUnavailable, ActionContinue},
		{"invariant", model.ErrInvariantViolation, ActionContinue},
		{"conflict", model.ErrStageConflict, ActionAbort},
		{"unexpected", errors.New("boom"), ActionAbort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eh := NewErrorHandler(zap.NewNop())
			assert.Equal(t, tt.action, eh.Handle(tt.err, 7))
		})
	}
}

func TestErrorHandlerLevelsAndSamples(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	eh := NewErrorHandler(zap.New(core))

	for i := 0; i < defaultMaxSamples+5; i++ {
		eh.RecordError(model.NewErrorRecord(model.ErrValidation, model.ErrorCategoryValidation).WithRow(i + 1))
	}
	eh.RecordError(model.NewErrorRecord(model.ErrDetectorUnavailable, model.ErrorCategoryDetectorUnavailable))

	assert.Equal(t, defaultMaxSamples+5, eh.Count(model.ErrorCategoryValidation))
	assert.Len(t, eh.Samples()[model.ErrorCategoryValidation], defaultMaxSamples)
	assert.Len(t, eh.LogEntries(), defaultMaxSamples+1)

	m := eh.Metrics()
	assert.Equal(t, float64(defaultMaxSamples+5), m["errors_ValidationError"])
	assert.Equal(t, 1.0, m["errors_DetectorUnavailable"])

	entries := logs.FilterMessage("Stage error").All()
	require.Len(t, entries, defaultMaxSamples+6)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, zap.WarnLevel, entries[len(entries)-1].Level)
}

func TestStageExecutionError(t *testing.T) {
	cause := errors.New("connection reset")
	err := error(&StageExecutionError{Stage: model.StageCleaning, RunID: uuid.New(), Err: cause})

	assert.True(t, errors.Is(err, model.ErrStageExecution))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "cleaning")
	assert.Equal(t, model.ErrorCategoryStageExecution, model.Categorize(err))
}

func TestIsCancellation(t *testing.T) {
	assert.True(t, IsCancellation(context.Canceled))
	assert.True(t, IsCancellation(WrapError(context.DeadlineExceeded, "load")))
	assert.False(t, IsCancellation(errors.New("other")))
	assert.Nil(t, WrapError(nil, "ignored"))
}
