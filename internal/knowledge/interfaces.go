package knowledge

import (
	"context"
	"io"
	"time"
)

// SourceStore persists sources and their metadata.
type SourceStore interface {
	CreateSource(ctx context.Context, source Source) error
	GetSource(ctx context.Context, id string) (Source, error)
	ListSources(ctx context.Context, agentID string, filter SourceFilter) ([]Source, error)
	UpdateSource(ctx context.Context, source Source) error
	// BeginProcessing atomically moves a source to processing and returns the prior state.
	BeginProcessing(ctx context.Context, id string) (Source, error)
	// SetCrawlTarget changes a website's seed and policy unless the source is
	// processing, critical or removed. An empty rawURL or nil policy keeps the stored value.
	SetCrawlTarget(ctx context.Context, id, rawURL string, policy *CrawlPolicy) (Source, error)
	// TransitionSource applies t only while the stored source matches its
	// preconditions; otherwise it returns ErrStateChanged. Usage counters are kept.
	TransitionSource(ctx context.Context, id string, t Transition) (Source, error)
	// UpdateProgress stores the snapshot only while the source is processing.
	UpdateProgress(ctx context.Context, id string, progress CrawlProgress) error
	AddUsage(ctx context.Context, id string, tokens int, cost float64) error
	DeleteSource(ctx context.Context, id string) error
	ListStale(ctx context.Context, status SourceStatus, updatedBefore time.Time) ([]Source, error)
}

// ChunkStore persists chunks and their embeddings.
type ChunkStore interface {
	// InsertChunks stores every chunk or none of them.
	InsertChunks(ctx context.Context, chunks []Chunk) error
	DeleteChunks(ctx context.Context, sourceID string) (int, error)
	CountChunks(ctx context.Context, sourceID string) (int, error)
	CountUnembedded(ctx context.Context, sourceID string) (int, error)
	ListChunks(ctx context.Context, sourceID string) ([]Chunk, error)
	// PendingChunks returns unembedded chunks ordered by source then position.
	PendingChunks(ctx context.Context, agentID string) ([]Chunk, error)
	SetEmbeddings(ctx context.Context, model string, embeddings []ChunkEmbedding) error
	SearchChunks(ctx context.Context, query SearchQuery) ([]ScoredChunk, error)
}

// Store bundles both persistence ports.
type Store interface {
	SourceStore
	ChunkStore
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
	GetObject(ctx context.Context, uri string) ([]byte, error)
}

// Hasher computes digests for content-addressed paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
