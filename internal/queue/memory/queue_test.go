package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rag-pipeline/internal/jobs"
)

func TestQueuePushPop(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan jobs.Delivery, 1)
	errCh := make(chan error, 1)

	go func() {
		d, ok, err := q.Pop(context.Background(), time.Second)
		if err != nil {
			errCh <- err
			return
		}
		if !ok {
			errCh <- errors.New("pop timed out")
			return
		}
		result <- d
	}()

	require.NoError(t, q.Push(context.Background(), jobs.Job{ID: "job-1", Type: jobs.TypeCrawl}))
	select {
	case err := <-errCh:
		t.Fatalf("Pop() error = %v", err)
	case got := <-result:
		require.Equal(t, "job-1", got.Job.ID)
		require.Equal(t, "job-1", got.Receipt)
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not return job")
	}

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Active)
}

func TestQueuePopTimesOut(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	_, ok, err := q.Pop(context.Background(), 5*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qPop := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := qPop.Pop(ctx, time.Second)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	qPush := NewQueue(1)
	require.NoError(t, qPush.Push(context.Background(), jobs.Job{ID: "primed"}))
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	require.EqualError(t, qPush.Push(ctx, jobs.Job{}), "enqueue canceled: context canceled")
}

func TestQueueRetryRequeuesAfterDelay(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, jobs.Job{ID: "job-r"}))
	d, ok, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	d.Job.Attempts = 1
	require.NoError(t, q.Retry(ctx, d, 20*time.Millisecond))

	again, ok, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, again.Job.Attempts)

	require.NoError(t, q.Complete(ctx, again))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, jobs.BrokerStats{Completed: 1}, stats)
}

func TestQueueFailCounts(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, jobs.Job{ID: "job-f"}))
	d, _, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, d))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Failed)
	require.Zero(t, stats.Active)
	require.False(t, q.Durable())
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.Close())
	_, _, err := q.Pop(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, q.Push(context.Background(), jobs.Job{}), ErrClosed)
	require.ErrorIs(t, q.Ping(context.Background()), ErrClosed)
	// Closing twice should be safe.
	require.NoError(t, q.Close())
}

func TestQueueCloseReleasesBlockedPush(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.Push(context.Background(), jobs.Job{ID: "fill"}))

	errCh := make(chan error, 1)
	go func() { errCh <- q.Push(context.Background(), jobs.Job{ID: "blocked"}) }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked push was not released")
	}
}
