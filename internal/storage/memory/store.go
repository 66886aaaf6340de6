// Package memory keeps sources, chunks and blobs in process memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
)

// Store implements knowledge.Store.
type Store struct {
	mu      sync.RWMutex
	sources map[string]knowledge.Source
	chunks  map[string][]knowledge.Chunk
	owner   map[string]string
	now     func() time.Time
}

var _ knowledge.Store = (*Store)(nil)

// NewStore creates an empty Store. A nil clock uses the wall clock.
func NewStore(clock knowledge.Clock) *Store {
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return &Store{
		sources: make(map[string]knowledge.Source),
		chunks:  make(map[string][]knowledge.Chunk),
		owner:   make(map[string]string),
		now:     func() time.Time { return now().UTC() },
	}
}

// CreateSource stores a new source.
func (s *Store) CreateSource(_ context.Context, source knowledge.Source) error {
	if source.ID == "" {
		return fmt.Errorf("source id is required: %w", knowledge.ErrInvalidInput)
	}
	if err := source.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sources[source.ID]; exists {
		return fmt.Errorf("source %s already exists: %w", source.ID, knowledge.ErrInvalidInput)
	}
	now := s.now()
	if source.CreatedAt.IsZero() {
		source.CreatedAt = now
	}
	source.UpdatedAt = now
	if source.Status == "" {
		source.Status = knowledge.SourceStatusPending
	}
	s.sources[source.ID] = cloneSource(source)
	return nil
}

// GetSource returns a copy of the source.
func (s *Store) GetSource(_ context.Context, id string) (knowledge.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return knowledge.Source{}, fmt.Errorf("source %s: %w", id, knowledge.ErrNotFound)
	}
	return cloneSource(src), nil
}

// ListSources returns an agent's sources oldest first. Removed sources are
// only listed when the filter asks for them.
func (s *Store) ListSources(_ context.Context, agentID string, filter knowledge.SourceFilter) ([]knowledge.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []knowledge.Source
	for _, src := range s.sources {
		if src.AgentID != agentID {
			continue
		}
		if filter.Status != "" && src.Status != filter.Status {
			continue
		}
		if filter.Status == "" && src.Status == knowledge.SourceStatusRemoved {
			continue
		}
		out = append(out, cloneSource(src))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateSource replaces a stored source.
func (s *Store) UpdateSource(_ context.Context, source knowledge.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sources[source.ID]
	if !ok {
		return fmt.Errorf("source %s: %w", source.ID, knowledge.ErrNotFound)
	}
	source.CreatedAt = existing.CreatedAt
	source.UpdatedAt = s.now()
	s.sources[source.ID] = cloneSource(source)
	return nil
}

// BeginProcessing moves the source to processing unless it is already busy,
// critical or removed. The returned source is the state before the move.
func (s *Store) BeginProcessing(_ context.Context, id string) (knowledge.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok || src.Status == knowledge.SourceStatusRemoved {
		return knowledge.Source{}, fmt.Errorf("source %s: %w", id, knowledge.ErrNotFound)
	}
	switch src.Status {
	case knowledge.SourceStatusProcessing:
		return knowledge.Source{}, fmt.Errorf("source %s: %w", id, knowledge.ErrSourceBusy)
	case knowledge.SourceStatusCritical:
		return knowledge.Source{}, fmt.Errorf("source %s: %w", id, knowledge.ErrNeedsIntervention)
	}
	prior := cloneSource(src)
	src.Status = knowledge.SourceStatusProcessing
	src.UpdatedAt = s.now()
	s.sources[id] = src
	return prior, nil
}

// SetCrawlTarget retargets a website source that is not busy, critical or removed.
func (s *Store) SetCrawlTarget(_ context.Context, id, rawURL string, policy *knowledge.CrawlPolicy) (knowledge.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return knowledge.Source{}, fmt.Errorf("source %s: %w", id, knowledge.ErrNotFound)
	}
	if err := knowledge.CheckCrawlable(src); err != nil {
		return knowledge.Source{}, err
	}
	site := *src.Metadata.Website
	if rawURL != "" {
		site.URL = rawURL
	}
	if policy != nil {
		site.Policy = *policy
	}
	src.Metadata.Website = &site
	src.UpdatedAt = s.now()
	s.sources[id] = cloneSource(src)
	return cloneSource(src), nil
}

// TransitionSource applies t when the stored source still matches it. Tokens
// and cost are kept from the stored source.
func (s *Store) TransitionSource(_ context.Context, id string, t knowledge.Transition) (knowledge.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return knowledge.Source{}, fmt.Errorf("source %s: %w", id, knowledge.ErrNotFound)
	}
	if !t.Matches(src) {
		return knowledge.Source{}, fmt.Errorf("source %s is %s, expected %s: %w", id, src.Status, t.From, knowledge.ErrStateChanged)
	}
	meta := t.Metadata.Clone()
	meta.Tokens = src.Metadata.Tokens
	meta.Cost = src.Metadata.Cost
	src.Status = t.To
	src.Size = t.Size
	src.Metadata = meta
	src.UpdatedAt = s.now()
	s.sources[id] = src
	return cloneSource(src), nil
}

// UpdateProgress records the latest crawl progress snapshot while processing.
func (s *Store) UpdateProgress(_ context.Context, id string, progress knowledge.CrawlProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return fmt.Errorf("source %s: %w", id, knowledge.ErrNotFound)
	}
	if src.Status != knowledge.SourceStatusProcessing {
		return nil
	}
	src.Metadata.Progress = &progress
	src.UpdatedAt = s.now()
	s.sources[id] = src
	return nil
}

// AddUsage accumulates embedding tokens and cost on the source.
func (s *Store) AddUsage(_ context.Context, id string, tokens int, cost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return fmt.Errorf("source %s: %w", id, knowledge.ErrNotFound)
	}
	src.Metadata.Tokens += tokens
	src.Metadata.Cost += cost
	s.sources[id] = src
	return nil
}

// DeleteSource removes a source and its chunks.
func (s *Store) DeleteSource(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[id]; !ok {
		return fmt.Errorf("source %s: %w", id, knowledge.ErrNotFound)
	}
	s.dropChunksLocked(id)
	delete(s.sources, id)
	return nil
}

// ListStale returns sources in status last updated before the cutoff.
func (s *Store) ListStale(_ context.Context, status knowledge.SourceStatus, updatedBefore time.Time) ([]knowledge.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []knowledge.Source
	for _, src := range s.sources {
		if src.Status == status && src.UpdatedAt.Before(updatedBefore) {
			out = append(out, cloneSource(src))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// InsertChunks stores every chunk or none of them.
func (s *Store) InsertChunks(_ context.Context, chunks []knowledge.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	taken := make(map[string]map[int]struct{})
	ids := make(map[string]struct{}, len(chunks))
	for _, ch := range chunks {
		if _, ok := s.sources[ch.SourceID]; !ok {
			return fmt.Errorf("chunk %s references source %s: %w", ch.ID, ch.SourceID, knowledge.ErrNotFound)
		}
		if _, dup := s.owner[ch.ID]; dup {
			return fmt.Errorf("chunk %s already exists: %w", ch.ID, knowledge.ErrInvalidInput)
		}
		if _, dup := ids[ch.ID]; dup {
			return fmt.Errorf("chunk %s repeated in batch: %w", ch.ID, knowledge.ErrInvalidInput)
		}
		ids[ch.ID] = struct{}{}
		positions, ok := taken[ch.SourceID]
		if !ok {
			positions = make(map[int]struct{})
			for _, existing := range s.chunks[ch.SourceID] {
				positions[existing.Position] = struct{}{}
			}
			taken[ch.SourceID] = positions
		}
		if _, dup := positions[ch.Position]; dup {
			return fmt.Errorf("source %s already has position %d: %w", ch.SourceID, ch.Position, knowledge.ErrInvalidInput)
		}
		positions[ch.Position] = struct{}{}
	}

	now := s.now()
	for _, ch := range chunks {
		if ch.CreatedAt.IsZero() {
			ch.CreatedAt = now
		}
		s.chunks[ch.SourceID] = append(s.chunks[ch.SourceID], cloneChunk(ch))
		s.owner[ch.ID] = ch.SourceID
	}
	for sourceID := range taken {
		list := s.chunks[sourceID]
		sort.Slice(list, func(i, j int) bool { return list[i].Position < list[j].Position })
	}
	return nil
}

// DeleteChunks removes every chunk of the source and returns how many were removed.
func (s *Store) DeleteChunks(_ context.Context, sourceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropChunksLocked(sourceID), nil
}

func (s *Store) dropChunksLocked(sourceID string) int {
	removed := len(s.chunks[sourceID])
	for _, ch := range s.chunks[sourceID] {
		delete(s.owner, ch.ID)
	}
	delete(s.chunks, sourceID)
	return removed
}

// CountChunks returns the number of chunks stored for the source.
func (s *Store) CountChunks(_ context.Context, sourceID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks[sourceID]), nil
}

// CountUnembedded returns the number of chunks still lacking a vector.
func (s *Store) CountUnembedded(_ context.Context, sourceID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, ch := range s.chunks[sourceID] {
		if !ch.Embedded() {
			n++
		}
	}
	return n, nil
}

// ListChunks returns the source's chunks in position order.
func (s *Store) ListChunks(_ context.Context, sourceID string) ([]knowledge.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.chunks[sourceID]
	out := make([]knowledge.Chunk, len(list))
	for i, ch := range list {
		out[i] = cloneChunk(ch)
	}
	return out, nil
}

// PendingChunks returns the agent's unembedded chunks ordered by source then position.
func (s *Store) PendingChunks(_ context.Context, agentID string) ([]knowledge.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sourceIDs := make([]string, 0, len(s.chunks))
	for id := range s.chunks {
		src, ok := s.sources[id]
		if !ok || src.AgentID != agentID || src.Status == knowledge.SourceStatusRemoved {
			continue
		}
		sourceIDs = append(sourceIDs, id)
	}
	slices.Sort(sourceIDs)
	var out []knowledge.Chunk
	for _, id := range sourceIDs {
		for _, ch := range s.chunks[id] {
			if !ch.Embedded() {
				out = append(out, cloneChunk(ch))
			}
		}
	}
	return out, nil
}

// SetEmbeddings attaches vectors. Chunks deleted in the meantime are skipped.
func (s *Store) SetEmbeddings(_ context.Context, model string, embeddings []knowledge.ChunkEmbedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range embeddings {
		sourceID, ok := s.owner[e.ChunkID]
		if !ok {
			continue
		}
		list := s.chunks[sourceID]
		for i := range list {
			if list[i].ID == e.ChunkID {
				list[i].Embedding = append([]float32(nil), e.Embedding...)
				list[i].EmbeddingModel = model
				break
			}
		}
	}
	return nil
}

// SearchChunks ranks the agent's embedded chunks by cosine similarity.
func (s *Store) SearchChunks(_ context.Context, query knowledge.SearchQuery) ([]knowledge.ScoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var hits []knowledge.ScoredChunk
	for sourceID, list := range s.chunks {
		src, ok := s.sources[sourceID]
		if !ok || src.AgentID != query.AgentID || src.Status == knowledge.SourceStatusRemoved {
			continue
		}
		if len(query.SourceTypes) > 0 && !slices.Contains(query.SourceTypes, src.Type) {
			continue
		}
		for _, ch := range list {
			if !ch.Embedded() || ch.EmbeddingModel != query.Model || ch.AgentID != query.AgentID {
				continue
			}
			sim := Cosine(query.Embedding, ch.Embedding)
			if sim < query.Threshold {
				continue
			}
			hit := knowledge.ScoredChunk{Chunk: cloneChunk(ch), SourceType: src.Type, Similarity: sim}
			hit.Embedding = nil
			hits = append(hits, hit)
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		if hits[i].SourceID != hits[j].SourceID {
			return hits[i].SourceID < hits[j].SourceID
		}
		return hits[i].Position < hits[j].Position
	})
	if query.Limit > 0 && len(hits) > query.Limit {
		hits = hits[:query.Limit]
	}
	return hits, nil
}

// Cosine returns the cosine similarity of a and b, or 0 when dimensions differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func cloneSource(src knowledge.Source) knowledge.Source {
	src.Metadata = src.Metadata.Clone()
	return src
}

func cloneChunk(ch knowledge.Chunk) knowledge.Chunk {
	ch.Embedding = append([]float32(nil), ch.Embedding...)
	if ch.Metadata.QAIndex != nil {
		idx := *ch.Metadata.QAIndex
		ch.Metadata.QAIndex = &idx
	}
	return ch
}
