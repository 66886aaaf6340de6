package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/JakeFAU/rag-pipeline/internal/jobs"
	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
)

type crawlRequest struct {
	SourceID string                 `json:"sourceId"`
	URL      string                 `json:"url"`
	Policy   *knowledge.CrawlPolicy `json:"policy"`
}

type recrawlRequest struct {
	SourceID string `json:"sourceId"`
}

type crawlResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	SourceID string `json:"sourceId"`
	JobID    string `json:"jobId"`
}

// crawl handles POST /v1/crawl. An optional url and policy replace the
// source's crawl target before the job is queued.
func (s *Server) crawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.SourceID) == "" {
		s.fail(w, r, fmt.Errorf("sourceId is required: %w", knowledge.ErrInvalidInput))
		return
	}
	src, err := s.deps.Ingest.SetCrawlTarget(r.Context(), req.SourceID, req.URL, req.Policy)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	typ := jobs.TypeCrawl
	if src.Metadata.Website.LastCrawlAt != nil {
		typ = jobs.TypeRecrawl
	}
	s.accept(w, r, typ, src)
}

// recrawl handles POST /v1/recrawl. Sources already processing get 409 and
// critical sources 423.
func (s *Server) recrawl(w http.ResponseWriter, r *http.Request) {
	var req recrawlRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.SourceID) == "" {
		s.fail(w, r, fmt.Errorf("sourceId is required: %w", knowledge.ErrInvalidInput))
		return
	}
	src, err := s.deps.Ingest.CheckCrawlable(r.Context(), req.SourceID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.accept(w, r, jobs.TypeRecrawl, src)
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request, typ jobs.Type, src knowledge.Source) {
	jobID, err := s.enqueue(r.Context(), typ, src)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, crawlResponse{
		Success:  true,
		Message:  fmt.Sprintf("%s queued", typ),
		SourceID: src.ID,
		JobID:    jobID,
	})
}
