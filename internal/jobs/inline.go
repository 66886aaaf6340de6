package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/retry"
	"github.com/JakeFAU/rag-pipeline/internal/telemetry"
)

// InlineQueue runs each job on its own goroutine inside this process.
// It is used when no broker is reachable and loses queued work on restart.
type InlineQueue struct {
	handler Handler
	stamp   stamper
	backoff retry.Policy
	timeout time.Duration
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	lastFailure *Failure

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

func newInline(handler Handler, opts Options) *InlineQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &InlineQueue{
		handler: handler,
		stamp:   opts.stamper(),
		backoff: opts.Backoff,
		timeout: opts.JobTimeout,
		logger:  opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Enqueue stamps the job and starts it immediately.
func (q *InlineQueue) Enqueue(_ context.Context, job Job) (string, error) {
	job, err := q.stamp.stamp(job)
	if err != nil {
		return "", err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	q.wg.Add(1)
	q.mu.Unlock()

	telemetry.ObserveJob(string(job.Type), "enqueued")
	go q.run(job)
	return job.ID, nil
}

func (q *InlineQueue) run(job Job) {
	defer q.wg.Done()
	q.active.Add(1)
	defer q.active.Add(-1)

	logger := q.logger.With(
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.String("source_id", job.SourceID),
	)

	policy := q.backoff
	policy.MaxAttempts = job.MaxAttempts
	attempts, err := policy.Do(q.ctx, func(ctx context.Context, attempt int) error {
		job.Attempts = attempt
		runCtx := ctx
		if q.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, q.timeout)
			defer cancel()
		}
		herr := q.handler.Handle(runCtx, job)
		if herr != nil && !IsPermanent(herr) {
			logger.Warn("inline job attempt failed", zap.Int("attempt", attempt), zap.Error(herr))
		}
		return herr
	})
	if err != nil {
		q.failed.Add(1)
		q.recordFailure(job, attempts, err)
		telemetry.ObserveJob(string(job.Type), "failed")
		logger.Error("inline job failed", zap.Int("attempts", attempts), zap.Error(err))
		return
	}
	q.completed.Add(1)
	telemetry.ObserveJob(string(job.Type), "completed")
	logger.Debug("inline job completed", zap.Int("attempts", attempts))
}

func (q *InlineQueue) recordFailure(job Job, attempts int, err error) {
	failure := &Failure{
		JobID:    job.ID,
		Type:     job.Type,
		SourceID: job.SourceID,
		Attempts: attempts,
		Error:    err.Error(),
		At:       q.stamp.clock.Now().UTC(),
	}
	q.mu.Lock()
	q.lastFailure = failure
	q.mu.Unlock()
}

// Status reports in-process counters and the last retired job. Inline work
// is never durable.
func (q *InlineQueue) Status(context.Context) (Status, error) {
	q.mu.Lock()
	var last *Failure
	if q.lastFailure != nil {
		f := *q.lastFailure
		last = &f
	}
	q.mu.Unlock()
	return Status{
		Active:      q.active.Load(),
		Completed:   q.completed.Load(),
		Failed:      q.failed.Load(),
		IsAvailable: false,
		Mode:        ModeInline,
		Durable:     false,
		LastFailure: last,
	}, nil
}

// Close cancels running jobs and waits for them to return.
func (q *InlineQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
	return nil
}

// Wait blocks until every started job has returned.
func (q *InlineQueue) Wait() {
	q.wg.Wait()
}

