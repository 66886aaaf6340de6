package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/health"
	"github.com/JakeFAU/rag-pipeline/internal/ingest"
	"github.com/JakeFAU/rag-pipeline/internal/jobs"
	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
	"github.com/JakeFAU/rag-pipeline/internal/progress"
	"github.com/JakeFAU/rag-pipeline/internal/search"
	"github.com/JakeFAU/rag-pipeline/internal/telemetry"
)

const (
	requestTimeout  = 60 * time.Second
	enqueueTimeout  = 5 * time.Second
	heartbeatPeriod = 15 * time.Second
)

// Ingest is the source lifecycle used by the handlers.
type Ingest interface {
	Register(ctx context.Context, agentID string, reg ingest.Registration) (knowledge.Source, error)
	RegisterUpload(ctx context.Context, agentID string, up ingest.Upload) (knowledge.Source, error)
	SetCrawlTarget(ctx context.Context, sourceID, rawURL string, policy *knowledge.CrawlPolicy) (knowledge.Source, error)
	CheckCrawlable(ctx context.Context, sourceID string) (knowledge.Source, error)
	Remove(ctx context.Context, sourceID string) (knowledge.Source, error)
	Resolve(ctx context.Context, sourceID string) (knowledge.Source, error)
	Train(ctx context.Context, agentID string, generateEmbeddings bool) (ingest.TrainResult, error)
}

// Searcher answers similarity queries.
type Searcher interface {
	Search(ctx context.Context, agentID string, q search.Query) ([]knowledge.ScoredChunk, error)
}

// Events streams progress for one source.
type Events interface {
	Subscribe(sourceID string) (<-chan progress.Event, func())
}

// HealthChecker derives the service health report.
type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

// Options toggles server behavior.
type Options struct {
	APIKey         string
	MaxUploadBytes int64
}

// Dependencies wires the handlers. Health and Events are optional.
type Dependencies struct {
	Ingest   Ingest
	Store    knowledge.SourceStore
	Chunks   knowledge.ChunkStore
	Queue    jobs.Queue
	Searcher Searcher
	Events   Events
	Health   HealthChecker
	Logger   *zap.Logger
}

// Server wires HTTP handlers to the ingest service, queue and search.
type Server struct {
	router chi.Router
	deps   Dependencies
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Dependencies, opts Options) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	s := &Server{deps: deps, opts: opts, logger: deps.Logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		// streaming routes must not sit behind the timeout handler
		r.Get("/sources/{source_id}/events", s.sourceEvents)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))

			r.Route("/agents/{agent_id}", func(r chi.Router) {
				r.Post("/sources", s.registerSource)
				r.Post("/sources/file", s.uploadSource)
				r.Get("/sources", s.listSources)
				r.Post("/train", s.train)
				r.Post("/search", s.search)
			})
			r.Get("/sources/{source_id}", s.getSource)
			r.Delete("/sources/{source_id}", s.removeSource)
			r.Get("/sources/{source_id}/chunks", s.listChunks)
			r.Post("/sources/{source_id}/resolve", s.resolveSource)
			r.Post("/crawl", s.crawl)
			r.Post("/recrawl", s.recrawl)
			r.Get("/metrics", s.serviceMetrics)
			r.Get("/queue", s.queueStatus)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	report := s.deps.Health.Check(r.Context())
	if report.Status == health.StatusCritical {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "unavailable",
			"warnings": report.Warnings,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) enqueue(ctx context.Context, typ jobs.Type, src knowledge.Source) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	id, err := s.deps.Queue.Enqueue(ctx, jobs.Job{Type: typ, SourceID: src.ID, AgentID: src.AgentID})
	if err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", typ, err)
	}
	return id, nil
}

// fail maps domain errors onto HTTP statuses and hides internal details.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		if status == http.StatusInternalServerError {
			writeError(w, status, "internal server error")
			return
		}
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, knowledge.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, knowledge.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, knowledge.ErrSourceBusy), errors.Is(err, knowledge.ErrStateChanged):
		return http.StatusConflict
	case errors.Is(err, knowledge.ErrNeedsIntervention):
		return http.StatusLocked
	case errors.Is(err, jobs.ErrClosed), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %v: %w", err, knowledge.ErrInvalidInput)
	}
	return nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
