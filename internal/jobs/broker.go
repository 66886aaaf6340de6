package jobs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/telemetry"
)

// Delivery is a job handed to a worker together with the broker's receipt.
type Delivery struct {
	Job     Job
	Receipt string
}

// BrokerStats are the counters a broker keeps.
type BrokerStats struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
}

// Broker stores jobs between enqueue and execution.
type Broker interface {
	// Push makes the job available to workers.
	Push(ctx context.Context, job Job) error
	// Pop waits up to block for a job. ok is false when none arrived.
	Pop(ctx context.Context, block time.Duration) (d Delivery, ok bool, err error)
	Complete(ctx context.Context, d Delivery) error
	// Retry makes d.Job available again after delay.
	Retry(ctx context.Context, d Delivery, delay time.Duration) error
	// Fail retires the job, keeping d.Job.LastError.
	Fail(ctx context.Context, d Delivery) error
	Stats(ctx context.Context) (BrokerStats, error)
	Ping(ctx context.Context) error
	// Durable reports whether jobs survive a restart.
	Durable() bool
	Close() error
}

// BrokerQueue enqueues onto a Broker. Workers drain it separately.
type BrokerQueue struct {
	broker Broker
	stamp  stamper
	logger *zap.Logger
}

// Broker exposes the underlying broker for the dispatcher.
func (q *BrokerQueue) Broker() Broker {
	return q.broker
}

// Enqueue stamps and pushes the job.
func (q *BrokerQueue) Enqueue(ctx context.Context, job Job) (string, error) {
	job, err := q.stamp.stamp(job)
	if err != nil {
		return "", err
	}
	if err := q.broker.Push(ctx, job); err != nil {
		return "", fmt.Errorf("push job: %w", err)
	}
	telemetry.ObserveJob(string(job.Type), "enqueued")
	q.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.String("source_id", job.SourceID),
	)
	return job.ID, nil
}

// Status reports broker counters and reachability.
func (q *BrokerQueue) Status(ctx context.Context) (Status, error) {
	status := Status{Mode: ModeBroker, Durable: q.broker.Durable()}
	status.IsAvailable = q.broker.Ping(ctx) == nil
	if !status.IsAvailable {
		return status, nil
	}
	stats, err := q.broker.Stats(ctx)
	if err != nil {
		return status, fmt.Errorf("broker stats: %w", err)
	}
	status.Waiting = stats.Waiting
	status.Active = stats.Active
	status.Completed = stats.Completed
	status.Failed = stats.Failed
	return status, nil
}

// Close closes the broker.
func (q *BrokerQueue) Close() error {
	if err := q.broker.Close(); err != nil {
		return fmt.Errorf("close broker: %w", err)
	}
	return nil
}
