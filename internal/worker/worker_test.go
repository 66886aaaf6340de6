package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/jobs"
	"github.com/JakeFAU/rag-pipeline/internal/retry"
)

type settled struct {
	kind  string
	job   jobs.Job
	delay time.Duration
}

type fakeBroker struct {
	mu      sync.Mutex
	items   []jobs.Delivery
	settled []settled
}

func (b *fakeBroker) Push(_ context.Context, job jobs.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, jobs.Delivery{Job: job, Receipt: job.ID})
	return nil
}

func (b *fakeBroker) Pop(ctx context.Context, block time.Duration) (jobs.Delivery, bool, error) {
	b.mu.Lock()
	if len(b.items) > 0 {
		d := b.items[0]
		b.items = b.items[1:]
		b.mu.Unlock()
		return d, true, nil
	}
	b.mu.Unlock()
	select {
	case <-ctx.Done():
		return jobs.Delivery{}, false, ctx.Err()
	case <-time.After(block):
		return jobs.Delivery{}, false, nil
	}
}

func (b *fakeBroker) record(kind string, d jobs.Delivery, delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settled = append(b.settled, settled{kind: kind, job: d.Job, delay: delay})
}

func (b *fakeBroker) Complete(_ context.Context, d jobs.Delivery) error {
	b.record("complete", d, 0)
	return nil
}

func (b *fakeBroker) Retry(_ context.Context, d jobs.Delivery, delay time.Duration) error {
	b.record("retry", d, delay)
	return nil
}

func (b *fakeBroker) Fail(_ context.Context, d jobs.Delivery) error {
	b.record("fail", d, 0)
	return nil
}

func (b *fakeBroker) Stats(context.Context) (jobs.BrokerStats, error) { return jobs.BrokerStats{}, nil }
func (b *fakeBroker) Ping(context.Context) error                      { return nil }
func (b *fakeBroker) Durable() bool                                   { return false }
func (b *fakeBroker) Close() error                                    { return nil }

func (b *fakeBroker) outcomes() []settled {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]settled(nil), b.settled...)
}

func runWorker(t *testing.T, broker *fakeBroker, handler jobs.Handler, want int) []settled {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := New(1, broker, handler, Config{
		PollInterval: 5 * time.Millisecond,
		Backoff:      retry.Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
	}, zap.NewNop())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(broker.outcomes()) >= want }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	return broker.outcomes()
}

func TestWorker_CompletesSuccessfulJob(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{}
	require.NoError(t, broker.Push(context.Background(), jobs.Job{ID: "job-ok", Type: jobs.TypeCrawl, MaxAttempts: 3}))

	var seen jobs.Job
	out := runWorker(t, broker, jobs.HandlerFunc(func(_ context.Context, job jobs.Job) error {
		seen = job
		return nil
	}), 1)

	require.Equal(t, "complete", out[0].kind)
	require.Equal(t, 1, seen.Attempts)
}

func TestWorker_RetriesTransientFailure(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{}
	require.NoError(t, broker.Push(context.Background(), jobs.Job{ID: "job-retry", Type: jobs.TypeCrawl, MaxAttempts: 3}))

	out := runWorker(t, broker, jobs.HandlerFunc(func(context.Context, jobs.Job) error {
		return errors.New("fetch timeout")
	}), 1)

	require.Equal(t, "retry", out[0].kind)
	require.Equal(t, 1, out[0].job.Attempts)
	require.Equal(t, "fetch timeout", out[0].job.LastError)
	require.GreaterOrEqual(t, out[0].delay, 50*time.Millisecond)
	require.LessOrEqual(t, out[0].delay, 100*time.Millisecond)
}

func TestWorker_FailsExhaustedJob(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{}
	require.NoError(t, broker.Push(context.Background(), jobs.Job{ID: "job-last", Type: jobs.TypeCrawl, Attempts: 2, MaxAttempts: 3}))

	out := runWorker(t, broker, jobs.HandlerFunc(func(context.Context, jobs.Job) error {
		return errors.New("still broken")
	}), 1)

	require.Equal(t, "fail", out[0].kind)
	require.Equal(t, 3, out[0].job.Attempts)
	require.Equal(t, "still broken", out[0].job.LastError)
}

func TestWorker_PermanentErrorSkipsRetry(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{}
	require.NoError(t, broker.Push(context.Background(), jobs.Job{ID: "job-critical", Type: jobs.TypeRecrawl, MaxAttempts: 3}))

	out := runWorker(t, broker, jobs.HandlerFunc(func(context.Context, jobs.Job) error {
		return jobs.Permanent(errors.New("source requires manual intervention"))
	}), 1)

	require.Equal(t, "fail", out[0].kind)
	require.Equal(t, 1, out[0].job.Attempts)
}

func TestWorker_PanicBecomesPermanentFailure(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{}
	require.NoError(t, broker.Push(context.Background(), jobs.Job{ID: "job-panic", Type: jobs.TypeProcess, MaxAttempts: 3}))

	out := runWorker(t, broker, jobs.HandlerFunc(func(context.Context, jobs.Job) error {
		panic("nil map")
	}), 1)

	require.Equal(t, "fail", out[0].kind)
	require.Equal(t, "handler panicked", out[0].job.LastError)
}

func TestWorker_AppliesJobTimeout(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{}
	require.NoError(t, broker.Push(context.Background(), jobs.Job{ID: "job-slow", Type: jobs.TypeCrawl, MaxAttempts: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := New(1, broker, jobs.HandlerFunc(func(ctx context.Context, _ jobs.Job) error {
		<-ctx.Done()
		return ctx.Err()
	}), Config{PollInterval: 5 * time.Millisecond, JobTimeout: 20 * time.Millisecond}, nil)
	go w.Run(ctx)

	require.Eventually(t, func() bool { return len(broker.outcomes()) == 1 }, time.Second, 5*time.Millisecond)
	out := broker.outcomes()
	require.Equal(t, "fail", out[0].kind)
	require.Contains(t, out[0].job.LastError, "deadline exceeded")
}
