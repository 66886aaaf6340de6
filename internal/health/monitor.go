// Package health derives an operator-facing status from pool, cache, queue and
// recent crawl signals.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/browser"
	"github.com/JakeFAU/rag-pipeline/internal/crawlcache"
	"github.com/JakeFAU/rag-pipeline/internal/ingest"
	"github.com/JakeFAU/rag-pipeline/internal/jobs"
	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
	"github.com/JakeFAU/rag-pipeline/internal/telemetry"
)

// Status is the derived service health.
type Status string

// Health statuses ordered by severity.
const (
	StatusHealthy  Status = "healthy"
	StatusBusy     Status = "busy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

var allStatuses = []string{
	string(StatusHealthy), string(StatusBusy), string(StatusDegraded), string(StatusCritical),
}

func (s Status) severity() int {
	switch s {
	case StatusBusy:
		return 1
	case StatusDegraded:
		return 2
	case StatusCritical:
		return 3
	default:
		return 0
	}
}

// minCrawlSamples keeps a single failed crawl from flagging the service.
const minCrawlSamples = 3

// Thresholds tune the status derivation.
type Thresholds struct {
	BusyUtilization    float64
	BusyQueueDepth     int64
	CriticalQueueDepth int64
	// DegradedCrawlErrorRate applies to both the crawl failure rate and the page error rate.
	DegradedCrawlErrorRate float64
}

// PoolStats reports browser pool occupancy.
type PoolStats interface {
	Stats() browser.Stats
}

// CacheStats reports crawl cache occupancy.
type CacheStats interface {
	Stats() crawlcache.Stats
}

// QueueStatus reports job queue depth and mode.
type QueueStatus interface {
	Status(ctx context.Context) (jobs.Status, error)
}

// CrawlStats averages recent crawls.
type CrawlStats interface {
	Summary() ingest.CrawlSummary
}

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are all optional; missing signals are skipped.
type Dependencies struct {
	Pool   PoolStats
	Cache  CacheStats
	Queue  QueueStatus
	Crawls CrawlStats
	Store  Pinger
	Clock  knowledge.Clock
	Logger *zap.Logger
}

// Report is the payload served on the metrics endpoint.
type Report struct {
	Status          Status               `json:"status"`
	Warnings        []string             `json:"warnings"`
	Pool            *browser.Stats       `json:"pool,omitempty"`
	PoolUtilization float64              `json:"poolUtilization"`
	Cache           *crawlcache.Stats    `json:"cache,omitempty"`
	CacheHitRate    float64              `json:"cacheHitRate"`
	Queue           *jobs.Status         `json:"queue,omitempty"`
	RecentCrawls    *ingest.CrawlSummary `json:"recentCrawls,omitempty"`
	CheckedAt       time.Time            `json:"checkedAt"`
}

// Monitor computes Reports on demand.
type Monitor struct {
	deps   Dependencies
	limits Thresholds
	logger *zap.Logger

	mu           sync.Mutex
	lastStatus   Status
	lastTimeouts int64
}

// NewMonitor builds a Monitor. Zero thresholds take defaults.
func NewMonitor(limits Thresholds, deps Dependencies) *Monitor {
	if limits.BusyUtilization <= 0 {
		limits.BusyUtilization = 0.8
	}
	if limits.BusyQueueDepth <= 0 {
		limits.BusyQueueDepth = 10
	}
	if limits.CriticalQueueDepth <= 0 {
		limits.CriticalQueueDepth = 50
	}
	if limits.DegradedCrawlErrorRate <= 0 {
		limits.DegradedCrawlErrorRate = 0.5
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		deps:       deps,
		limits:     limits,
		logger:     logger.Named("health"),
		lastStatus: StatusHealthy,
	}
}

type assessment struct {
	status   Status
	warnings []string
}

func (a *assessment) flag(s Status, format string, args ...any) {
	if s.severity() > a.status.severity() {
		a.status = s
	}
	a.warnings = append(a.warnings, fmt.Sprintf(format, args...))
}

// Check collects every signal and derives the status.
func (m *Monitor) Check(ctx context.Context) Report {
	a := &assessment{status: StatusHealthy, warnings: []string{}}
	report := Report{}

	if m.deps.Store != nil {
		if err := m.deps.Store.Ping(ctx); err != nil {
			a.flag(StatusCritical, "database unreachable: %v", err)
		}
	}

	if m.deps.Queue != nil {
		status, err := m.deps.Queue.Status(ctx)
		if err != nil {
			a.flag(StatusDegraded, "queue status unavailable: %v", err)
		} else {
			report.Queue = &status
			m.assessQueue(a, status)
		}
	}

	if m.deps.Pool != nil {
		stats := m.deps.Pool.Stats()
		report.Pool = &stats
		report.PoolUtilization = stats.Utilization()
		m.assessPool(a, stats)
	}

	if m.deps.Cache != nil {
		stats := m.deps.Cache.Stats()
		report.Cache = &stats
		report.CacheHitRate = stats.HitRate()
	}

	if m.deps.Crawls != nil {
		summary := m.deps.Crawls.Summary()
		report.RecentCrawls = &summary
		m.assessCrawls(a, summary)
	}

	report.Status = a.status
	report.Warnings = a.warnings
	report.CheckedAt = m.now()
	m.record(report)
	return report
}

func (m *Monitor) assessQueue(a *assessment, status jobs.Status) {
	if !status.IsAvailable {
		a.flag(StatusDegraded, "job broker unavailable, jobs run inline without durability")
	}
	switch {
	case status.Waiting >= m.limits.CriticalQueueDepth:
		a.flag(StatusCritical, "job backlog of %d exceeds %d", status.Waiting, m.limits.CriticalQueueDepth)
	case status.Waiting >= m.limits.BusyQueueDepth:
		a.flag(StatusBusy, "job backlog of %d", status.Waiting)
	}
}

func (m *Monitor) assessPool(a *assessment, stats browser.Stats) {
	m.mu.Lock()
	newTimeouts := stats.Timeouts - m.lastTimeouts
	m.lastTimeouts = stats.Timeouts
	m.mu.Unlock()

	if newTimeouts > 0 {
		a.flag(StatusDegraded, "%d browser lease timeouts since last check", newTimeouts)
	}
	if u := stats.Utilization(); u >= m.limits.BusyUtilization {
		a.flag(StatusBusy, "browser pool at %.0f%% utilization with %d waiting", u*100, stats.Waiting)
	}
}

func (m *Monitor) assessCrawls(a *assessment, summary ingest.CrawlSummary) {
	if summary.Samples < minCrawlSamples {
		return
	}
	if summary.FailureRate >= m.limits.DegradedCrawlErrorRate {
		a.flag(StatusDegraded, "%.0f%% of the last %d crawls failed", summary.FailureRate*100, summary.Samples)
	}
	if summary.ErrorRate >= m.limits.DegradedCrawlErrorRate {
		a.flag(StatusDegraded, "%.0f%% of recently visited pages errored", summary.ErrorRate*100)
	}
}

func (m *Monitor) record(report Report) {
	telemetry.SetHealthStatus(string(report.Status), allStatuses)
	m.mu.Lock()
	prev := m.lastStatus
	m.lastStatus = report.Status
	m.mu.Unlock()
	if prev == report.Status {
		return
	}
	fields := []zap.Field{
		zap.String("from", string(prev)),
		zap.String("to", string(report.Status)),
		zap.Strings("warnings", report.Warnings),
	}
	if report.Status.severity() > prev.severity() {
		m.logger.Warn("health status changed", fields...)
		return
	}
	m.logger.Info("health status changed", fields...)
}

func (m *Monitor) now() time.Time {
	if m.deps.Clock != nil {
		return m.deps.Clock.Now()
	}
	return time.Now()
}
