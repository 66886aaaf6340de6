package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rag-pipeline/internal/browser"
	"github.com/JakeFAU/rag-pipeline/internal/clock/system"
	"github.com/JakeFAU/rag-pipeline/internal/crawlcache"
	"github.com/JakeFAU/rag-pipeline/internal/ingest"
	"github.com/JakeFAU/rag-pipeline/internal/jobs"
)

type fakePool struct{ stats browser.Stats }

func (p *fakePool) Stats() browser.Stats { return p.stats }

type fakeCache struct{ stats crawlcache.Stats }

func (c fakeCache) Stats() crawlcache.Stats { return c.stats }

type fakeQueue struct {
	status jobs.Status
	err    error
}

func (q fakeQueue) Status(context.Context) (jobs.Status, error) { return q.status, q.err }

type fakeCrawls struct{ summary ingest.CrawlSummary }

func (c fakeCrawls) Summary() ingest.CrawlSummary { return c.summary }

type pingFunc func(context.Context) error

func (p pingFunc) Ping(ctx context.Context) error { return p(ctx) }

func healthyDeps() Dependencies {
	return Dependencies{
		Pool:   &fakePool{stats: browser.Stats{Contexts: 1, MaxContexts: 8}},
		Cache:  fakeCache{stats: crawlcache.Stats{EntriesInMemory: 3, MaxEntries: 10, Hits: 3, Misses: 1}},
		Queue:  fakeQueue{status: jobs.Status{IsAvailable: true, Mode: jobs.ModeBroker, Waiting: 2}},
		Crawls: fakeCrawls{summary: ingest.CrawlSummary{Samples: 5, AvgPages: 4}},
		Store:  pingFunc(func(context.Context) error { return nil }),
		Clock:  system.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
}

func TestCheckHealthy(t *testing.T) {
	t.Parallel()
	m := NewMonitor(Thresholds{}, healthyDeps())

	report := m.Check(context.Background())
	require.Equal(t, StatusHealthy, report.Status)
	require.Empty(t, report.Warnings)
	require.InDelta(t, 0.125, report.PoolUtilization, 1e-9)
	require.InDelta(t, 0.75, report.CacheHitRate, 1e-9)
	require.Equal(t, int64(2), report.Queue.Waiting)
	require.Equal(t, 5, report.RecentCrawls.Samples)
	require.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), report.CheckedAt)
}

func TestCheckDerivesStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Dependencies)
		want   Status
	}{
		{
			name: "busy pool",
			mutate: func(d *Dependencies) {
				d.Pool = &fakePool{stats: browser.Stats{Contexts: 7, MaxContexts: 8, Waiting: 1}}
			},
			want: StatusBusy,
		},
		{
			name: "busy backlog",
			mutate: func(d *Dependencies) {
				d.Queue = fakeQueue{status: jobs.Status{IsAvailable: true, Waiting: 12}}
			},
			want: StatusBusy,
		},
		{
			name: "inline queue",
			mutate: func(d *Dependencies) {
				d.Queue = fakeQueue{status: jobs.Status{IsAvailable: false, Mode: jobs.ModeInline}}
			},
			want: StatusDegraded,
		},
		{
			name: "failing crawls",
			mutate: func(d *Dependencies) {
				d.Crawls = fakeCrawls{summary: ingest.CrawlSummary{Samples: 4, FailureRate: 0.75}}
			},
			want: StatusDegraded,
		},
		{
			name: "too few crawl samples",
			mutate: func(d *Dependencies) {
				d.Crawls = fakeCrawls{summary: ingest.CrawlSummary{Samples: 1, FailureRate: 1}}
			},
			want: StatusHealthy,
		},
		{
			name: "queue status error",
			mutate: func(d *Dependencies) {
				d.Queue = fakeQueue{err: errors.New("redis: connection refused")}
			},
			want: StatusDegraded,
		},
		{
			name: "critical backlog",
			mutate: func(d *Dependencies) {
				d.Queue = fakeQueue{status: jobs.Status{IsAvailable: true, Waiting: 80}}
			},
			want: StatusCritical,
		},
		{
			name: "database down",
			mutate: func(d *Dependencies) {
				d.Store = pingFunc(func(context.Context) error { return errors.New("dial tcp: refused") })
			},
			want: StatusCritical,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			deps := healthyDeps()
			tc.mutate(&deps)
			report := NewMonitor(Thresholds{}, deps).Check(context.Background())
			require.Equal(t, tc.want, report.Status)
			if tc.want != StatusHealthy {
				require.NotEmpty(t, report.Warnings)
			}
		})
	}
}

func TestCheckTakesWorstSignal(t *testing.T) {
	t.Parallel()
	deps := healthyDeps()
	deps.Pool = &fakePool{stats: browser.Stats{Contexts: 8, MaxContexts: 8}}
	deps.Queue = fakeQueue{status: jobs.Status{IsAvailable: false, Waiting: 60}}

	report := NewMonitor(Thresholds{}, deps).Check(context.Background())
	require.Equal(t, StatusCritical, report.Status)
	require.Len(t, report.Warnings, 3)
}

func TestLeaseTimeoutsAreCountedSinceLastCheck(t *testing.T) {
	t.Parallel()
	pool := &fakePool{stats: browser.Stats{MaxContexts: 8, Timeouts: 2}}
	deps := healthyDeps()
	deps.Pool = pool
	m := NewMonitor(Thresholds{}, deps)

	require.Equal(t, StatusDegraded, m.Check(context.Background()).Status)
	require.Equal(t, StatusHealthy, m.Check(context.Background()).Status)

	pool.stats.Timeouts = 3
	report := m.Check(context.Background())
	require.Equal(t, StatusDegraded, report.Status)
	require.Contains(t, report.Warnings[0], "1 browser lease timeouts")
}

func TestCheckWithoutSignals(t *testing.T) {
	t.Parallel()
	report := NewMonitor(Thresholds{}, Dependencies{}).Check(context.Background())
	require.Equal(t, StatusHealthy, report.Status)
	require.Nil(t, report.Pool)
	require.Nil(t, report.Queue)
	require.NotNil(t, report.Warnings)
}
