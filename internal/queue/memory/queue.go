// Package memory provides a bounded in-process job broker for local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/rag-pipeline/internal/jobs"
)

// ErrClosed is returned once the queue has shut down.
var ErrClosed = errors.New("queue closed")

var _ jobs.Broker = (*Queue)(nil)

// Queue is a bounded channel of jobs with context-aware operations.
type Queue struct {
	ch        chan jobs.Job
	done      chan struct{}
	closeMu   sync.RWMutex
	closeOnce sync.Once
	closed    bool

	scheduled atomic.Int64
	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:   make(chan jobs.Job, capacity),
		done: make(chan struct{}),
	}
}

// Push enqueues a job, blocking while the queue is full.
func (q *Queue) Push(ctx context.Context, job jobs.Job) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- job:
		return nil
	}
}

// Pop waits up to block for the next job.
func (q *Queue) Pop(ctx context.Context, block time.Duration) (jobs.Delivery, bool, error) {
	var timeout <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
		return jobs.Delivery{}, false, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job, ok := <-q.ch:
		if !ok {
			return jobs.Delivery{}, false, ErrClosed
		}
		q.active.Add(1)
		return jobs.Delivery{Job: job, Receipt: job.ID}, true, nil
	case <-timeout:
		return jobs.Delivery{}, false, nil
	}
}

// Complete records a finished job.
func (q *Queue) Complete(context.Context, jobs.Delivery) error {
	q.active.Add(-1)
	q.completed.Add(1)
	return nil
}

// Retry pushes the job back after delay.
func (q *Queue) Retry(_ context.Context, d jobs.Delivery, delay time.Duration) error {
	q.active.Add(-1)
	q.scheduled.Add(1)
	time.AfterFunc(delay, func() {
		defer q.scheduled.Add(-1)
		if err := q.Push(context.Background(), d.Job); err != nil {
			q.failed.Add(1)
		}
	})
	return nil
}

// Fail records a job that exhausted its attempts.
func (q *Queue) Fail(context.Context, jobs.Delivery) error {
	q.active.Add(-1)
	q.failed.Add(1)
	return nil
}

// Stats reports channel depth plus scheduled retries and outcome counters.
func (q *Queue) Stats(context.Context) (jobs.BrokerStats, error) {
	return jobs.BrokerStats{
		Waiting:   int64(len(q.ch)) + q.scheduled.Load(),
		Active:    q.active.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
	}, nil
}

// Ping fails once the queue is closed.
func (q *Queue) Ping(context.Context) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

// Durable is false: queued jobs are lost on restart.
func (q *Queue) Durable() bool { return false }

// Close releases blocked producers and closes the channel for shutdown.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return nil
	}
	close(q.ch)
	q.closed = true
	return nil
}
