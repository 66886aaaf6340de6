package api

import (
	"fmt"
	"net/http"
)

// serviceMetrics handles GET /v1/metrics with pool, cache, queue and recent
// crawl figures plus the derived health status.
func (s *Server) serviceMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeError(w, http.StatusServiceUnavailable, "health reporting is not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Health.Check(r.Context()))
}

// queueStatus handles GET /v1/queue.
func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Queue.Status(r.Context())
	if err != nil {
		s.fail(w, r, fmt.Errorf("queue status: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, status)
}
