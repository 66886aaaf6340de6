// Package telemetry unifies OpenTelemetry tracing and Prometheus metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/JakeFAU/rag-pipeline"

// --- CUSTOM METRIC DEFINITIONS ---

var (
	poolContextsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ragpipe_pool_contexts_in_use",
		Help: "Browser contexts currently leased.",
	})

	poolBrowsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ragpipe_pool_browsers",
		Help: "Browser processes currently running.",
	})

	poolAcquireSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragpipe_pool_acquire_seconds",
			Help:    "Time spent waiting for a browser context, labeled by outcome.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
		},
		[]string{"outcome"},
	)

	poolRecycledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragpipe_pool_recycled_total",
			Help: "Browsers recycled, labeled by reason.",
		},
		[]string{"reason"},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragpipe_crawl_cache_lookups_total",
			Help: "Crawl cache lookups, labeled by result.",
		},
		[]string{"result"},
	)

	cacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ragpipe_crawl_cache_entries",
		Help: "Entries currently held by the crawl cache.",
	})

	crawlPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragpipe_crawl_pages_total",
			Help: "Total number of pages crawled, labeled by site and status.",
		},
		[]string{"site", "status"},
	)

	crawlBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragpipe_crawl_bytes_total",
			Help: "Total number of bytes fetched, labeled by site.",
		},
		[]string{"site"},
	)

	crawlDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragpipe_crawl_duration_seconds",
			Help:    "Wall time of whole crawls, labeled by outcome.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900},
		},
		[]string{"outcome"},
	)

	crawlRateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragpipe_crawl_rate_limit_delay_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	headlessPromotionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ragpipe_crawl_headless_promotions_total",
		Help: "Pages promoted from the HTTP probe to headless rendering.",
	})

	embeddingBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragpipe_embedding_batches_total",
			Help: "Embedding batches, labeled by status.",
		},
		[]string{"status"},
	)

	embeddingTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragpipe_embedding_tokens_total",
			Help: "Tokens billed by the embedding provider, labeled by model.",
		},
		[]string{"model"},
	)

	embeddingCostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragpipe_embedding_cost_total",
			Help: "Estimated embedding spend in USD, labeled by model.",
		},
		[]string{"model"},
	)

	searchDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ragpipe_search_duration_seconds",
		Help:    "Latency of vector searches.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
	})

	searchResults = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ragpipe_search_results",
		Help:    "Number of chunks returned per search.",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
	})

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragpipe_jobs_total",
			Help: "Total number of jobs processed, labeled by type and status.",
		},
		[]string{"type", "status"},
	)

	activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ragpipe_active_workers",
		Help: "Number of workers currently processing a job.",
	})

	queueInlineMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ragpipe_queue_inline_mode",
		Help: "1 when jobs run inline because no broker is reachable.",
	})

	healthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ragpipe_health_status",
			Help: "1 for the current derived health status, 0 for the others.",
		},
		[]string{"status"},
	)

	sourceStatusTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragpipe_source_transitions_total",
			Help: "Terminal source transitions, labeled by status.",
		},
		[]string{"status"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// --- INITIALIZATION ---

// InitTracerProvider installs the global trace provider and propagators.
func InitTracerProvider(ctx context.Context, serviceName string, opts ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	opts = append([]sdktrace.TracerProviderOption{sdktrace.WithResource(res)}, opts...)
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}

// StartSpan opens a span on the service tracer.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name)
}

// --- HTTP HANDLER & MIDDLEWARE ---

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so server-sent events stream through the middleware.
func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// --- HELPER FUNCTIONS ---

// SanitizeSite extracts the hostname from a URL.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObservePool records the current pool occupancy.
func ObservePool(contexts, browsers int) {
	poolContextsInUse.Set(float64(contexts))
	poolBrowsers.Set(float64(browsers))
}

// ObservePoolAcquire records how long a lease request waited.
func ObservePoolAcquire(outcome string, waited time.Duration) {
	poolAcquireSeconds.WithLabelValues(outcome).Observe(waited.Seconds())
}

// ObservePoolRecycle records a retired browser.
func ObservePoolRecycle(reason string) {
	poolRecycledTotal.WithLabelValues(reason).Inc()
}

// ObserveCacheLookup records a crawl cache hit or miss.
func ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveCacheEntries records the crawl cache size.
func ObserveCacheEntries(n int) {
	cacheEntries.Set(float64(n))
}

// ObservePage records metrics for a crawled page.
func ObservePage(site string, status string, bytesFetched int) {
	sanitizedSite := SanitizeSite(site)
	crawlPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveCrawlDuration records a finished crawl.
func ObserveCrawlDuration(outcome string, d time.Duration) {
	crawlDurationSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	crawlRateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHeadlessPromotion counts a probe promoted to the headless renderer.
func ObserveHeadlessPromotion() {
	headlessPromotionsTotal.Inc()
}

// ObserveEmbeddingBatch records one embedding batch outcome.
func ObserveEmbeddingBatch(status string) {
	embeddingBatchesTotal.WithLabelValues(status).Inc()
}

// ObserveEmbeddingUsage records billed tokens and cost.
func ObserveEmbeddingUsage(model string, tokens int, cost float64) {
	embeddingTokensTotal.WithLabelValues(model).Add(float64(tokens))
	embeddingCostTotal.WithLabelValues(model).Add(cost)
}

// ObserveSearch records a search.
func ObserveSearch(d time.Duration, results int) {
	searchDurationSeconds.Observe(d.Seconds())
	searchResults.Observe(float64(results))
}

// ObserveJob records metrics for a job status change.
func ObserveJob(jobType, status string) {
	jobsTotal.WithLabelValues(jobType, status).Inc()
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// SetInlineMode flags whether the job queue fell back to inline execution.
func SetInlineMode(inline bool) {
	if inline {
		queueInlineMode.Set(1)
		return
	}
	queueInlineMode.Set(0)
}

// SetHealthStatus marks current as the active health status among all.
func SetHealthStatus(current string, all []string) {
	for _, s := range all {
		if s == current {
			healthStatus.WithLabelValues(s).Set(1)
			continue
		}
		healthStatus.WithLabelValues(s).Set(0)
	}
}

// ObserveSourceStatus counts a terminal source transition.
func ObserveSourceStatus(status string) {
	sourceStatusTotal.WithLabelValues(status).Inc()
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
