package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBrowser struct {
	closed atomic.Bool
	tabs   atomic.Int64
}

func (b *fakeBrowser) NewTab() (context.Context, context.CancelFunc) {
	b.tabs.Add(1)
	return context.WithCancel(context.Background())
}

func (b *fakeBrowser) Close() error {
	b.closed.Store(true)
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	launched []*fakeBrowser
	err      error
	delay    time.Duration
}

func (l *fakeLauncher) Launch(context.Context) (Browser, error) {
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	b := &fakeBrowser{}
	l.launched = append(l.launched, b)
	return b, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

func newTestPool(t *testing.T, cfg Config, launcher Launcher) *Pool {
	t.Helper()
	pool, err := NewPool(cfg, launcher, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestPoolNeverExceedsCeiling(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{delay: 5 * time.Millisecond}
	pool := newTestPool(t, Config{MaxBrowsers: 2, MaxContextsPerBrowser: 2}, launcher)

	var (
		outstanding atomic.Int64
		peak        atomic.Int64
		wg          sync.WaitGroup
	)
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := pool.Acquire(context.Background(), 2*time.Second)
			if !assertNoError(t, err) {
				return
			}
			now := outstanding.Add(1)
			for {
				old := peak.Load()
				if now <= old || peak.CompareAndSwap(old, now) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			outstanding.Add(-1)
			_ = lease.Release()
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, peak.Load(), int64(4))
	require.LessOrEqual(t, launcher.count(), 2)
	stats := pool.Stats()
	require.Zero(t, stats.Contexts)
	require.Equal(t, 4, stats.MaxContexts)
	require.Equal(t, int64(24), stats.Acquired)
}

func assertNoError(t *testing.T, err error) bool {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
		return false
	}
	return true
}

func TestPoolAcquireTimesOutWhenFull(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, Config{MaxBrowsers: 1, MaxContextsPerBrowser: 1}, &fakeLauncher{})

	lease, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer lease.Release() //nolint:errcheck // test cleanup

	_, err = pool.Acquire(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrAcquireTimeout)

	stats := pool.Stats()
	require.Equal(t, int64(1), stats.Timeouts)
	require.Equal(t, 1, stats.Contexts)
	require.InDelta(t, 1.0, stats.Utilization(), 1e-9)
}

func TestPoolAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, Config{MaxBrowsers: 1, MaxContextsPerBrowser: 1}, &fakeLauncher{})
	lease, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer lease.Release() //nolint:errcheck // test cleanup

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Acquire(ctx, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLeaseReleaseIsSingleShot(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, Config{MaxBrowsers: 1, MaxContextsPerBrowser: 2}, &fakeLauncher{})
	lease, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	require.NoError(t, lease.Release())
	require.ErrorIs(t, lease.Release(), ErrLeaseReleased)
	require.Zero(t, pool.Stats().Contexts)
	require.Error(t, lease.Context().Err(), "tab context is canceled on release")

	// The double release must not free a second slot.
	l1, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	l2, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	_, err = pool.Acquire(context.Background(), 10*time.Millisecond)
	require.ErrorIs(t, err, ErrAcquireTimeout)
	require.NoError(t, l1.Release())
	require.NoError(t, l2.Release())
}

func TestLeaseReleasedOnErrorPath(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, Config{MaxBrowsers: 1, MaxContextsPerBrowser: 1}, &fakeLauncher{})
	failing := func() (err error) {
		lease, err := pool.Acquire(context.Background(), time.Second)
		if err != nil {
			return err
		}
		defer func() { _ = lease.Release() }()
		return errors.New("render failed")
	}
	for i := 0; i < 3; i++ {
		require.Error(t, failing())
	}
	require.Zero(t, pool.Stats().Contexts)
}

func TestPoolRecyclesAfterServedTabs(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	pool := newTestPool(t, Config{MaxBrowsers: 1, MaxContextsPerBrowser: 1, RecycleAfter: 2}, launcher)

	for i := 0; i < 2; i++ {
		lease, err := pool.Acquire(context.Background(), time.Second)
		require.NoError(t, err)
		require.NoError(t, lease.Release())
	}
	require.True(t, launcher.launched[0].closed.Load())
	require.Zero(t, pool.Stats().Browsers)

	lease, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, lease.Release())
	require.Equal(t, 2, launcher.count())
	require.Equal(t, int64(1), pool.Stats().Recycled)
}

func TestPoolRecycleWaitsForActiveLeases(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	pool := newTestPool(t, Config{MaxBrowsers: 1, MaxContextsPerBrowser: 2, RecycleAfter: 1}, launcher)

	held, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	short, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, short.Release())

	require.False(t, launcher.launched[0].closed.Load(), "browser with a checked-out lease stays up")
	require.NoError(t, held.Context().Err())

	require.NoError(t, held.Release())
	require.True(t, launcher.launched[0].closed.Load())
}

func TestPoolReapKeepsLowWaterMark(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	pool := newTestPool(t, Config{
		MaxBrowsers:           3,
		MaxContextsPerBrowser: 1,
		MinBrowsers:           1,
		IdleTimeout:           time.Minute,
	}, launcher)
	now := time.Now()
	pool.now = func() time.Time { return now }

	leases := make([]*Lease, 0, 3)
	for i := 0; i < 3; i++ {
		lease, err := pool.Acquire(context.Background(), time.Second)
		require.NoError(t, err)
		leases = append(leases, lease)
	}
	require.Equal(t, 3, pool.Stats().Browsers)
	require.NoError(t, leases[0].Release())
	require.NoError(t, leases[1].Release())

	now = now.Add(2 * time.Minute)
	// One browser still has an active lease, so both idle ones can go.
	require.Equal(t, 2, pool.Reap())
	require.Equal(t, 1, pool.Stats().Browsers)
	require.NoError(t, leases[2].Context().Err())

	require.NoError(t, leases[2].Release())
	now = now.Add(2 * time.Minute)
	require.Zero(t, pool.Reap(), "low-water mark keeps the last browser")
}

func TestPoolLaunchFailureFreesSlot(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, Config{MaxBrowsers: 1, MaxContextsPerBrowser: 1}, &fakeLauncher{err: errors.New("no chrome")})
	_, err := pool.Acquire(context.Background(), time.Second)
	require.Error(t, err)
	stats := pool.Stats()
	require.Zero(t, stats.Contexts)
	require.Zero(t, stats.Browsers)

	_, err = pool.Acquire(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrAcquireTimeout)
}

func TestPoolClose(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	pool, err := NewPool(Config{MaxBrowsers: 1, MaxContextsPerBrowser: 1}, launcher, nil)
	require.NoError(t, err)
	lease, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	require.NoError(t, pool.Close())
	require.True(t, launcher.launched[0].closed.Load())
	require.NoError(t, lease.Release())

	_, err = pool.Acquire(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestNewPoolValidates(t *testing.T) {
	t.Parallel()

	_, err := NewPool(Config{MaxBrowsers: 0, MaxContextsPerBrowser: 1}, &fakeLauncher{}, nil)
	require.Error(t, err)
	_, err = NewPool(Config{MaxBrowsers: 1, MaxContextsPerBrowser: 1}, nil, nil)
	require.Error(t, err)
}
