// Package dispatcher manages worker fan-out over the job broker.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/worker"
)

// Dispatcher runs workers on a bounded goroutine pool.
type Dispatcher struct {
	pool    *ants.Pool
	workers []*worker.Worker
	logger  *zap.Logger
}

// New creates a Dispatcher sized to the worker count.
func New(workers []*worker.Worker, logger *zap.Logger) (*Dispatcher, error) {
	if len(workers) == 0 {
		return nil, errors.New("dispatcher requires at least one worker")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := ants.NewPool(len(workers), ants.WithPanicHandler(func(p interface{}) {
		logger.Error("worker panicked", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Dispatcher{
		pool:    pool,
		workers: workers,
		logger:  logger.Named("dispatcher"),
	}, nil
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.pool.Release()

	var wg sync.WaitGroup
	for _, w := range d.workers {
		wk := w
		wg.Add(1)
		if err := d.pool.Submit(func() {
			defer wg.Done()
			wk.Run(ctx)
		}); err != nil {
			wg.Done()
			return fmt.Errorf("submit worker: %w", err)
		}
	}
	d.logger.Info("dispatcher started", zap.Int("workers", len(d.workers)))
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("dispatcher stopped")
	return nil
}

// Running reports how many workers are currently scheduled on the pool.
func (d *Dispatcher) Running() int {
	return d.pool.Running()
}
