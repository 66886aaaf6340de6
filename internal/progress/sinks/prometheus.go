package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/rag-pipeline/internal/progress"
)

// PrometheusSink exports source run metrics via Prometheus. It owns the
// collectors for runs started/completed/active and pages reported.
type PrometheusSink struct {
	eventsTotal   *prometheus.CounterVec
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runDuration   *prometheus.HistogramVec
	pagesTotal    prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ragpipe_progress_events_total",
			Help: "Progress events consumed, partitioned by status.",
		}, []string{"status"}),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ragpipe_source_runs_started_total",
			Help: "Source runs that reported progress.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ragpipe_source_runs_completed_total",
			Help: "Source runs finished, partitioned by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ragpipe_source_runs_active",
			Help: "Source runs currently reporting progress.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ragpipe_source_run_seconds",
			Help:    "Wall time per finished source run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		pagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ragpipe_progress_pages_total",
			Help: "Pages reported through crawl progress.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.eventsTotal,
		s.runsStarted,
		s.runsCompleted,
		s.runsActive,
		s.runDuration,
		s.pagesTotal,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	s.eventsTotal.WithLabelValues(string(evt.Status)).Inc()
	if !evt.Terminal() {
		started, delta := s.tracker.advance(evt.SourceID, evt.Current)
		if started {
			s.runsStarted.Inc()
			s.runsActive.Inc()
		}
		if delta > 0 {
			s.pagesTotal.Add(float64(delta))
		}
		return
	}

	result := string(evt.Status)
	if evt.Critical {
		result = "critical"
	}
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.SourceID) {
		s.runsActive.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	current map[string]int
}

func newRunTracker() *runTracker {
	return &runTracker{current: make(map[string]int)}
}

// advance records the latest page count and returns whether the run is new
// and how many pages were added since the last event.
func (t *runTracker) advance(id string, current int) (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.current[id]
	if !ok {
		t.current[id] = current
		return true, current
	}
	if current <= last {
		return false, 0
	}
	t.current[id] = current
	return false, current - last
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.current[id]; !ok {
		return false
	}
	delete(t.current, id)
	return true
}
