package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/ingest"
	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
)

const (
	defaultSourceLimit = 50
	maxSourceLimit     = 500
)

type registerRequest struct {
	Type   knowledge.SourceType   `json:"type"`
	Name   string                 `json:"name"`
	URL    string                 `json:"url"`
	Policy *knowledge.CrawlPolicy `json:"policy"`
	Title  string                 `json:"title"`
	Text   string                 `json:"text"`
	Pairs  []knowledge.QAPair     `json:"pairs"`
}

type sourceResponse struct {
	Source knowledge.Source `json:"source"`
	JobID  string           `json:"jobId,omitempty"`
}

// registerSource handles POST /v1/agents/{agent_id}/sources. The source is
// stored as pending and a crawl or process job is queued for it.
func (s *Server) registerSource(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	reg := ingest.Registration{
		Type:  req.Type,
		Name:  req.Name,
		URL:   req.URL,
		Title: req.Title,
		Text:  req.Text,
		Pairs: req.Pairs,
	}
	if req.Policy != nil {
		reg.Policy = *req.Policy
	} else {
		reg.Policy = knowledge.CrawlPolicy{CrawlSubpages: true}
	}
	src, err := s.deps.Ingest.Register(r.Context(), chi.URLParam(r, "agent_id"), reg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.created(w, r, src)
}

// uploadSource handles POST /v1/agents/{agent_id}/sources/file with a
// multipart "file" part.
func (s *Server) uploadSource(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			s.logger.Debug("close upload failed", zap.Error(cerr))
		}
	}()
	src, err := s.deps.Ingest.RegisterUpload(r.Context(), chi.URLParam(r, "agent_id"), ingest.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Body:        file,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.created(w, r, src)
}

func (s *Server) created(w http.ResponseWriter, r *http.Request, src knowledge.Source) {
	jobID, err := s.enqueue(r.Context(), ingest.JobFor(src), src)
	if err != nil {
		s.logger.Error("source registered but not queued",
			zap.String("source_id", src.ID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"source": src,
			"error":  "source stored but processing could not be queued",
		})
		return
	}
	writeJSON(w, http.StatusCreated, sourceResponse{Source: src, JobID: jobID})
}

// listSources handles GET /v1/agents/{agent_id}/sources?status=&limit=&offset=.
func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultSourceLimit, maxSourceLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := knowledge.SourceFilter{Limit: limit, Offset: offset}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, err := parseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}
	sources, err := s.deps.Store.ListSources(r.Context(), chi.URLParam(r, "agent_id"), filter)
	if err != nil {
		s.fail(w, r, fmt.Errorf("list sources: %w", err))
		return
	}
	if sources == nil {
		sources = []knowledge.Source{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

// getSource handles GET /v1/sources/{source_id}.
func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	src, err := s.deps.Store.GetSource(r.Context(), chi.URLParam(r, "source_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": src})
}

// listChunks handles GET /v1/sources/{source_id}/chunks. Vectors are omitted.
func (s *Server) listChunks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "source_id")
	if _, err := s.deps.Store.GetSource(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	chunks, err := s.deps.Chunks.ListChunks(r.Context(), id)
	if err != nil {
		s.fail(w, r, fmt.Errorf("list chunks: %w", err))
		return
	}
	out := make([]chunkDTO, 0, len(chunks))
	for _, ch := range chunks {
		out = append(out, toChunkDTO(ch))
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": out, "total": len(out)})
}

// removeSource handles DELETE /v1/sources/{source_id}.
func (s *Server) removeSource(w http.ResponseWriter, r *http.Request) {
	src, err := s.deps.Ingest.Remove(r.Context(), chi.URLParam(r, "source_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": src})
}

// resolveSource handles POST /v1/sources/{source_id}/resolve.
func (s *Server) resolveSource(w http.ResponseWriter, r *http.Request) {
	src, err := s.deps.Ingest.Resolve(r.Context(), chi.URLParam(r, "source_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": src})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (knowledge.SourceStatus, error) {
	status := knowledge.SourceStatus(strings.ToLower(input))
	switch status {
	case knowledge.SourceStatusPending, knowledge.SourceStatusProcessing, knowledge.SourceStatusReady,
		knowledge.SourceStatusError, knowledge.SourceStatusCritical, knowledge.SourceStatusRemoved:
		return status, nil
	default:
		return "", errors.New("invalid status")
	}
}

type chunkDTO struct {
	ID             string                  `json:"id"`
	SourceID       string                  `json:"sourceId"`
	Content        string                  `json:"content"`
	Position       int                     `json:"position"`
	Embedded       bool                    `json:"embedded"`
	EmbeddingModel string                  `json:"embeddingModel,omitempty"`
	Metadata       knowledge.ChunkMetadata `json:"metadata"`
}

func toChunkDTO(ch knowledge.Chunk) chunkDTO {
	return chunkDTO{
		ID:             ch.ID,
		SourceID:       ch.SourceID,
		Content:        ch.Content,
		Position:       ch.Position,
		Embedded:       ch.Embedded(),
		EmbeddingModel: ch.EmbeddingModel,
		Metadata:       ch.Metadata,
	}
}
