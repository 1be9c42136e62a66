// pkg/pipeline/worker.go
package pipeline

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PoolState represents the current state of a row pool
type PoolState string

const (
	PoolStateIdle      PoolState = "idle"
	PoolStateWorking   PoolState = "working"
	PoolStateCompleted PoolState = "completed"
	PoolStateCancelled PoolState = "cancelled"
	PoolStateError     PoolState = "error"
)

const defaultBatchSize = 500

// RowPool fans row work out over a bounded number of goroutines. Work is
// split into contiguous batches and cancellation is checked between batches,
// never inside one. State and progress belong to one stage run; the runner
// forks a pool per run.
type RowPool struct {
	workers   int
	batchSize int
	logger    *zap.Logger

	stateLock sync.RWMutex
	state     PoolState
	processed int
}

// NewRowPool creates a pool. A non-positive worker count picks one from the host.
func NewRowPool(workers, batchSize int, logger *zap.Logger) *RowPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = calculateOptimalWorkerCount()
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &RowPool{
		workers:   workers,
		batchSize: batchSize,
		logger:    logger.With(zap.Int("workers", workers)),
		state:     PoolStateIdle,
	}
}

// Fork returns a pool with the same sizing and fresh state
func (p *RowPool) Fork() *RowPool {
	return &RowPool{
		workers:   p.workers,
		batchSize: p.batchSize,
		logger:    p.logger,
		state:     PoolStateIdle,
	}
}

// Processed returns the most rows any Run on this pool finished before it
// returned, counting whole batches only
func (p *RowPool) Processed() int {
	p.stateLock.RLock()
	defer p.stateLock.RUnlock()
	return p.processed
}

// Workers returns the pool's parallelism
func (p *RowPool) Workers() int { return p.workers }

// BatchSize returns the number of rows per unit of work
func (p *RowPool) BatchSize() int { return p.batchSize }

// State returns the outcome of the last Run
func (p *RowPool) State() PoolState {
	p.stateLock.RLock()
	defer p.stateLock.RUnlock()
	return p.state
}

func (p *RowPool) setState(s PoolState) {
	p.stateLock.Lock()
	p.state = s
	p.stateLock.Unlock()
}

// Run calls fn for every [lo, hi) batch of n rows. The first error cancels the
// remaining batches and is returned; a cancelled ctx returns ctx.Err().
func (p *RowPool) Run(ctx context.Context, n int, fn func(lo, hi int) error) error {
	p.setState(PoolStateWorking)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	var done atomic.Int64
	batches := 0
	for lo := 0; lo < n; lo += p.batchSize {
		if gctx.Err() != nil {
			break
		}
		lo := lo
		hi := lo + p.batchSize
		if hi > n {
			hi = n
		}
		batches++
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := fn(lo, hi); err != nil {
				return err
			}
			done.Add(int64(hi - lo))
			return nil
		})
	}

	err := g.Wait()
	p.stateLock.Lock()
	if n := int(done.Load()); n > p.processed {
		p.processed = n
	}
	p.stateLock.Unlock()
	if err == nil {
		err = ctx.Err()
	}
	switch {
	case err == nil:
		p.setState(PoolStateCompleted)
	case IsCancellation(err):
		p.setState(PoolStateCancelled)
	default:
		p.setState(PoolStateError)
	}
	p.logger.Debug("Row batches processed",
		zap.Int("rows", n),
		zap.Int("batches", batches),
		zap.String("state", string(p.State())))
	return err
}

// calculateOptimalWorkerCount sizes the pool from the CPU count. Row work is
// CPU bound, so use 75% of the cores, at least 2 and at most 16.
func calculateOptimalWorkerCount() int {
	workers := runtime.NumCPU() * 3 / 4
	if workers < 2 {
		workers = 2
	} else if workers > 16 {
		workers = 16
	}
	return workers
}
