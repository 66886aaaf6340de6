package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestMiddlewareRecordsRoutes(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/mw-ok", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/mw-teapot", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418"))

	for _, path := range []string{"/mw-ok", "/mw-teapot"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418")))
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestObserveHelpers(t *testing.T) {
	ObserveCacheLookup(true)
	ObserveCacheLookup(false)
	ObserveCacheEntries(3)
	ObservePool(2, 1)
	SetInlineMode(true)

	require.Equal(t, float64(3), testutil.ToFloat64(cacheEntries))
	require.Equal(t, float64(2), testutil.ToFloat64(poolContextsInUse))
	require.Equal(t, float64(1), testutil.ToFloat64(queueInlineMode))

	before := testutil.ToFloat64(embeddingTokensTotal.WithLabelValues("m"))
	ObserveEmbeddingUsage("m", 100, 0.002)
	require.Equal(t, before+100, testutil.ToFloat64(embeddingTokensTotal.WithLabelValues("m")))

	ObserveSearch(10*time.Millisecond, 4)
	SetInlineMode(false)
	require.Equal(t, float64(0), testutil.ToFloat64(queueInlineMode))
}

func TestInitTracerProvider(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), "ragpipe-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := StartSpan(context.Background(), "test")
	require.True(t, span.SpanContext().IsValid())
	span.End()
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://docs.example.com/a", "ftp://example.com", "%%"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
