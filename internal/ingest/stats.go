package ingest

import (
	"sync"
	"time"

	"github.com/JakeFAU/rag-pipeline/internal/crawler"
)

const defaultStatsWindow = 50

type crawlSample struct {
	duration time.Duration
	pages    int
	visited  int
	errors   int
	failed   bool
}

// CrawlSummary averages the recent crawl window.
type CrawlSummary struct {
	Samples     int           `json:"samples"`
	AvgDuration time.Duration `json:"avgDurationNs"`
	AvgPages    float64       `json:"avgPages"`
	// ErrorRate is page errors over pages visited.
	ErrorRate float64 `json:"errorRate"`
	// FailureRate is the share of crawls that ended with an error or no pages.
	FailureRate float64 `json:"failureRate"`
}

// CrawlStats keeps a fixed window of recent crawl outcomes.
type CrawlStats struct {
	mu      sync.Mutex
	samples []crawlSample
	next    int
	full    bool
}

// NewCrawlStats creates a window of size n; n <= 0 uses a default.
func NewCrawlStats(n int) *CrawlStats {
	if n <= 0 {
		n = defaultStatsWindow
	}
	return &CrawlStats{samples: make([]crawlSample, n)}
}

// Record adds one crawl outcome.
func (c *CrawlStats) Record(result crawler.Result, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples[c.next] = crawlSample{
		duration: result.Duration,
		pages:    len(result.Pages),
		visited:  result.Visited,
		errors:   len(result.Errors),
		failed:   err != nil || len(result.Pages) == 0,
	}
	c.next = (c.next + 1) % len(c.samples)
	if c.next == 0 {
		c.full = true
	}
}

// Summary averages the samples in the window.
func (c *CrawlStats) Summary() CrawlSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.next
	if c.full {
		n = len(c.samples)
	}
	if n == 0 {
		return CrawlSummary{}
	}
	var (
		total                  time.Duration
		pages, visited, errors int
		failed                 int
	)
	for _, s := range c.samples[:n] {
		total += s.duration
		pages += s.pages
		visited += s.visited
		errors += s.errors
		if s.failed {
			failed++
		}
	}
	out := CrawlSummary{
		Samples:     n,
		AvgDuration: total / time.Duration(n),
		AvgPages:    float64(pages) / float64(n),
		FailureRate: float64(failed) / float64(n),
	}
	if visited > 0 {
		out.ErrorRate = float64(errors) / float64(visited)
	}
	return out
}
