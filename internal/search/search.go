// Package search answers similarity queries against an agent's embedded chunks.
package search

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
	"github.com/JakeFAU/rag-pipeline/internal/telemetry"
)

// QueryEmbedder embeds query text with the model used for stored chunks.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Config holds search defaults.
type Config struct {
	DefaultLimit     int
	MaxLimit         int
	DefaultThreshold float64
}

// Query is a caller's search request. A nil Threshold uses the default.
type Query struct {
	Text        string
	Limit       int
	Threshold   *float64
	SourceTypes []knowledge.SourceType
}

// Searcher runs agent-scoped vector search.
type Searcher struct {
	cfg      Config
	embedder QueryEmbedder
	store    knowledge.ChunkStore
	logger   *zap.Logger
}

// New builds a Searcher.
func New(cfg Config, embedder QueryEmbedder, store knowledge.ChunkStore, logger *zap.Logger) (*Searcher, error) {
	if embedder == nil || store == nil {
		return nil, fmt.Errorf("search requires an embedder and chunk store")
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 50
	}
	if cfg.DefaultLimit <= 0 || cfg.DefaultLimit > cfg.MaxLimit {
		cfg.DefaultLimit = min(5, cfg.MaxLimit)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Searcher{cfg: cfg, embedder: embedder, store: store, logger: logger.Named("search")}, nil
}

// Search returns at most the limit of the agent's chunks whose similarity meets the
// threshold, most similar first.
func (s *Searcher) Search(ctx context.Context, agentID string, q Query) ([]knowledge.ScoredChunk, error) {
	ctx, span := telemetry.StartSpan(ctx, "search.Search")
	defer span.End()
	start := time.Now()

	if agentID == "" {
		return nil, fmt.Errorf("agent id is required: %w", knowledge.ErrInvalidInput)
	}
	limit, threshold, err := s.bounds(q)
	if err != nil {
		return nil, err
	}
	for _, st := range q.SourceTypes {
		if !st.Valid() {
			return nil, fmt.Errorf("unknown source type %q: %w", st, knowledge.ErrInvalidInput)
		}
	}

	vector, err := s.embedder.EmbedQuery(ctx, q.Text)
	if err != nil {
		return nil, err
	}
	hits, err := s.store.SearchChunks(ctx, knowledge.SearchQuery{
		AgentID:     agentID,
		Embedding:   vector,
		Model:       s.embedder.Model(),
		Limit:       limit,
		Threshold:   threshold,
		SourceTypes: q.SourceTypes,
	})
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}

	// Stores are trusted to filter, but scope and bounds are enforced here too.
	filtered := hits[:0]
	for _, h := range hits {
		if h.AgentID == agentID && h.Similarity >= threshold {
			filtered = append(filtered, h)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Similarity > filtered[j].Similarity })
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}

	telemetry.ObserveSearch(time.Since(start), len(filtered))
	s.logger.Debug("Search finished",
		zap.String("agent_id", agentID),
		zap.Int("results", len(filtered)),
		zap.Int("limit", limit),
		zap.Float64("threshold", threshold),
	)
	return filtered, nil
}

func (s *Searcher) bounds(q Query) (int, float64, error) {
	limit := q.Limit
	switch {
	case limit < 0:
		return 0, 0, fmt.Errorf("limit must be positive: %w", knowledge.ErrInvalidInput)
	case limit == 0:
		limit = s.cfg.DefaultLimit
	case limit > s.cfg.MaxLimit:
		limit = s.cfg.MaxLimit
	}
	threshold := s.cfg.DefaultThreshold
	if q.Threshold != nil {
		threshold = *q.Threshold
	}
	if threshold < -1 || threshold > 1 {
		return 0, 0, fmt.Errorf("similarity threshold must be within [-1, 1]: %w", knowledge.ErrInvalidInput)
	}
	return limit, threshold, nil
}
