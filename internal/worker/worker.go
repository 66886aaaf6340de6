// Package worker implements the job execution loop over a broker.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/jobs"
	"github.com/JakeFAU/rag-pipeline/internal/retry"
	"github.com/JakeFAU/rag-pipeline/internal/telemetry"
)

// Config controls Worker behavior.
type Config struct {
	// PollInterval bounds each blocking pop so shutdown is noticed promptly.
	PollInterval time.Duration
	// JobTimeout caps a single attempt.
	JobTimeout time.Duration
	Backoff    retry.Policy
}

// Worker pops deliveries and runs them through the handler.
type Worker struct {
	id      int
	broker  jobs.Broker
	handler jobs.Handler
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker.
func New(id int, broker jobs.Broker, handler jobs.Handler, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Worker{
		id:      id,
		broker:  broker,
		handler: handler,
		cfg:     cfg,
		logger:  logger.Named("worker").With(zap.Int("worker_id", id)),
	}
}

// Run blocks, consuming deliveries until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		d, ok, err := w.broker.Pop(ctx, w.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("broker pop failed", zap.Error(err))
			w.pause(ctx)
			continue
		}
		if !ok {
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", d.Job.ID), zap.String("type", string(d.Job.Type)))
		w.process(ctx, d)
	}
}

func (w *Worker) pause(ctx context.Context) {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// process runs one attempt and settles the delivery.
func (w *Worker) process(ctx context.Context, d jobs.Delivery) {
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()

	d.Job.Attempts++
	logger := w.logger.With(
		zap.String("job_id", d.Job.ID),
		zap.String("type", string(d.Job.Type)),
		zap.String("source_id", d.Job.SourceID),
		zap.Int("attempt", d.Job.Attempts),
	)

	err := w.execute(ctx, d.Job)
	// Settle on a fresh context so shutdown does not strand the delivery.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	switch {
	case err == nil:
		if cerr := w.broker.Complete(settleCtx, d); cerr != nil {
			logger.Error("complete job failed", zap.Error(cerr))
		}
		telemetry.ObserveJob(string(d.Job.Type), "completed")
		logger.Info("job completed")
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		d.Job.Attempts--
		if rerr := w.broker.Retry(settleCtx, d, 0); rerr != nil {
			logger.Error("requeue interrupted job failed", zap.Error(rerr))
		}
		logger.Warn("job interrupted by shutdown, requeued")
	case jobs.IsPermanent(err) || d.Job.Exhausted():
		d.Job.LastError = err.Error()
		if ferr := w.broker.Fail(settleCtx, d); ferr != nil {
			logger.Error("fail job failed", zap.Error(ferr))
		}
		telemetry.ObserveJob(string(d.Job.Type), "failed")
		logger.Error("job failed", zap.Bool("permanent", jobs.IsPermanent(err)), zap.Error(err))
	default:
		d.Job.LastError = err.Error()
		delay := w.cfg.Backoff.Backoff(d.Job.Attempts - 1)
		if rerr := w.broker.Retry(settleCtx, d, delay); rerr != nil {
			logger.Error("retry job failed", zap.Error(rerr))
		}
		telemetry.ObserveJob(string(d.Job.Type), "retried")
		logger.Warn("job attempt failed, retrying", zap.Duration("delay", delay), zap.Error(err))
	}
}

func (w *Worker) execute(ctx context.Context, job jobs.Job) (err error) {
	runCtx := ctx
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panicked", zap.String("job_id", job.ID), zap.Any("panic", r))
			err = jobs.Permanent(errors.New("handler panicked"))
		}
	}()
	return w.handler.Handle(runCtx, job)
}
