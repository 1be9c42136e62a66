package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRowPoolCoversEveryRow(t *testing.T) {
	pool := NewRowPool(3, 7, zaptest.NewLogger(t))
	seen := make([]int32, 100)

	err := pool.Run(context.Background(), len(seen), func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			atomic.AddInt32(&seen[i], 1)
		}
		return nil
	})
	require.NoError(t, err)
	for i, n := range seen {
		assert.Equal(t, int32(1), n, "row %d", i)
	}
	assert.Equal(t, PoolStateCompleted, pool.State())
}

func TestRowPoolError(t *testing.T) {
	pool := NewRowPool(2, 10, zaptest.NewLogger(t))
	boom := errors.New("boom")

	err := pool.Run(context.Background(), 50, func(lo, hi int) error {
		if lo == 20 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, PoolStateError, pool.State())
}

func TestRowPoolCancelled(t *testing.T) {
	pool := NewRowPool(1, 10, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())

	var batches atomic.Int32
	err := pool.Run(ctx, 100, func(lo, hi int) error {
		if batches.Add(1) == 2 {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, PoolStateCancelled, pool.State())
	assert.Less(t, batches.Load(), int32(10))
}

func TestRowPoolDefaults(t *testing.T) {
	pool := NewRowPool(0, 0, nil)
	assert.GreaterOrEqual(t, pool.Workers(), 2)
	assert.LessOrEqual(t, pool.Workers(), 16)
	assert.Equal(t, defaultBatchSize, pool.BatchSize())
	assert.Equal(t, PoolStateIdle, pool.State())

	require.NoError(t, pool.Run(context.Background(), 0, func(lo, hi int) error {
		t.Fatal("no batches expected")
		return nil
	}))
}

func TestRowPoolProcessedCountsFinishedBatches(t *testing.T) {
	pool := NewRowPool(1, 10, zaptest.NewLogger(t))

	err := pool.Run(context.Background(), 55, func(lo, hi int) error {
		if lo == 30 {
			return errors.New("boom")
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 30, pool.Processed())

	// a shorter later pass does not lower the mark
	require.NoError(t, pool.Run(context.Background(), 12, func(lo, hi int) error { return nil }))
	assert.Equal(t, 30, pool.Processed())
}

func TestRowPoolForkHasOwnState(t *testing.T) {
	base := NewRowPool(3, 5, zaptest.NewLogger(t))
	a, b := base.Fork(), base.Fork()
	assert.Equal(t, base.Workers(), a.Workers())
	assert.Equal(t, base.BatchSize(), b.BatchSize())

	require.NoError(t, a.Run(context.Background(), 20, func(lo, hi int) error { return nil }))
	err := b.Run(context.Background(), 20, func(lo, hi int) error { return errors.New("boom") })
	require.Error(t, err)

	assert.Equal(t, PoolStateCompleted, a.State())
	assert.Equal(t, 20, a.Processed())
	assert.Equal(t, PoolStateError, b.State())
	assert.Equal(t, PoolStateIdle, base.State())
	assert.Zero(t, base.Processed())
}
