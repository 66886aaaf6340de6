package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
	"github.com/JakeFAU/rag-pipeline/internal/search"
)

type trainRequest struct {
	GenerateEmbeddings bool `json:"generateEmbeddings"`
}

type embeddingsDTO struct {
	Generated int     `json:"generated"`
	Failed    int     `json:"failed"`
	Tokens    int     `json:"tokens"`
	Cost      float64 `json:"cost"`
	Model     string  `json:"model"`
}

type trainResponse struct {
	SourcesUpdated int            `json:"sourcesUpdated"`
	SourcesPurged  int            `json:"sourcesPurged"`
	Embeddings     *embeddingsDTO `json:"embeddings,omitempty"`
}

// train handles POST /v1/agents/{agent_id}/train. An empty body trains
// without generating embeddings.
func (s *Server) train(w http.ResponseWriter, r *http.Request) {
	var req trainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.fail(w, r, fmt.Errorf("invalid JSON: %v: %w", err, knowledge.ErrInvalidInput))
		return
	}
	result, err := s.deps.Ingest.Train(r.Context(), chi.URLParam(r, "agent_id"), req.GenerateEmbeddings)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := trainResponse{SourcesUpdated: result.SourcesUpdated, SourcesPurged: result.SourcesPurged}
	if e := result.Embeddings; e != nil {
		resp.Embeddings = &embeddingsDTO{
			Generated: e.TotalProcessed,
			Failed:    e.TotalFailed,
			Tokens:    e.TotalTokens,
			Cost:      e.TotalCost,
			Model:     e.Model,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type searchRequest struct {
	Query               string                 `json:"query"`
	Limit               int                    `json:"limit"`
	SimilarityThreshold *float64               `json:"similarityThreshold"`
	SourceTypes         []knowledge.SourceType `json:"sourceTypes"`
}

type searchResult struct {
	ID         string                  `json:"id"`
	SourceID   string                  `json:"sourceId"`
	SourceType knowledge.SourceType    `json:"sourceType"`
	Content    string                  `json:"content"`
	Position   int                     `json:"position"`
	Similarity float64                 `json:"similarity"`
	Metadata   knowledge.ChunkMetadata `json:"metadata"`
}

// search handles POST /v1/agents/{agent_id}/search.
func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	if s.deps.Searcher == nil {
		writeError(w, http.StatusServiceUnavailable, "search is not configured")
		return
	}
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	hits, err := s.deps.Searcher.Search(r.Context(), chi.URLParam(r, "agent_id"), search.Query{
		Text:        req.Query,
		Limit:       req.Limit,
		Threshold:   req.SimilarityThreshold,
		SourceTypes: req.SourceTypes,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	results := make([]searchResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, searchResult{
			ID:         h.ID,
			SourceID:   h.SourceID,
			SourceType: h.SourceType,
			Content:    h.Content,
			Position:   h.Position,
			Similarity: h.Similarity,
			Metadata:   h.Metadata,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "totalResults": len(results)})
}
