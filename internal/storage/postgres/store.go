package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
)

// Store implements knowledge.Store on Postgres.
type Store struct {
	db  pool
	now func() time.Time
}

var _ knowledge.Store = (*Store)(nil)

// New wraps an open pool. A nil clock uses the wall clock.
func New(db pool, clock knowledge.Clock) (*Store, error) {
	if db == nil {
		return nil, errors.New("pool is required")
	}
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return &Store{db: db, now: func() time.Time { return now().UTC() }}, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.db.Close()
}

const sourceColumns = `id, agent_id, name, type, status, metadata, size, created_at, updated_at`

// CreateSource inserts a new source.
func (s *Store) CreateSource(ctx context.Context, source knowledge.Source) error {
	if source.ID == "" {
		return fmt.Errorf("source id is required: %w", knowledge.ErrInvalidInput)
	}
	if err := source.Validate(); err != nil {
		return err
	}
	meta, err := json.Marshal(source.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	now := s.now()
	if source.CreatedAt.IsZero() {
		source.CreatedAt = now
	}
	if source.Status == "" {
		source.Status = knowledge.SourceStatusPending
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO sources (`+sourceColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		source.ID, source.AgentID, source.Name, string(source.Type), string(source.Status),
		meta, source.Size, source.CreatedAt, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("source %s already exists: %w", source.ID, knowledge.ErrInvalidInput)
		}
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

// GetSource loads one source.
func (s *Store) GetSource(ctx context.Context, id string) (knowledge.Source, error) {
	row := s.db.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id)
	src, err := scanSource(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return knowledge.Source{}, fmt.Errorf("source %s: %w", id, knowledge.ErrNotFound)
		}
		return knowledge.Source{}, fmt.Errorf("select source: %w", err)
	}
	return src, nil
}

// ListSources returns an agent's sources oldest first. Removed sources are
// only listed when the filter asks for them.
func (s *Store) ListSources(ctx context.Context, agentID string, filter knowledge.SourceFilter) ([]knowledge.Source, error) {
	var limit any
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	rows, err := s.db.Query(ctx, `
SELECT `+sourceColumns+`
FROM sources
WHERE agent_id = $1
  AND (($2 = '' AND status <> 'removed') OR status = $2)
ORDER BY created_at, id
LIMIT $3 OFFSET $4`,
		agentID, string(filter.Status), limit, max(filter.Offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return collectSources(rows)
}

// UpdateSource replaces the mutable columns of a source.
func (s *Store) UpdateSource(ctx context.Context, source knowledge.Source) error {
	meta, err := json.Marshal(source.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
UPDATE sources
SET name = $2, type = $3, status = $4, metadata = $5, size = $6, updated_at = $7
WHERE id = $1`,
		source.ID, source.Name, string(source.Type), string(source.Status), meta, source.Size, s.now(),
	)
	if err != nil {
		return fmt.Errorf("update source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %s: %w", source.ID, knowledge.ErrNotFound)
	}
	return nil
}

// BeginProcessing locks the row, checks its status and flips it to processing.
// The returned source is the state before the move.
func (s *Store) BeginProcessing(ctx context.Context, id string) (knowledge.Source, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return knowledge.Source{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	prior, err := scanSource(tx.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return knowledge.Source{}, fmt.Errorf("source %s: %w", id, knowledge.ErrNotFound)
		}
		return knowledge.Source{}, fmt.Errorf("lock source: %w", err)
	}
	switch prior.Status {
	case knowledge.SourceStatusRemoved:
		return knowledge.Source{}, fmt.Errorf("source %s: %w", id, knowledge.ErrNotFound)
	case knowledge.SourceStatusProcessing:
		return knowledge.Source{}, fmt.Errorf("source %s: %w", id, knowledge.ErrSourceBusy)
	case knowledge.SourceStatusCritical:
		return knowledge.Source{}, fmt.Errorf("source %s: %w", id, knowledge.ErrNeedsIntervention)
	}
	if _, err := tx.Exec(ctx, `UPDATE sources SET status = 'processing', updated_at = $2 WHERE id = $1`, id, s.now()); err != nil {
		return knowledge.Source{}, fmt.Errorf("mark processing: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return knowledge.Source{}, fmt.Errorf("commit processing: %w", err)
	}
	return prior, nil
}

// SetCrawlTarget rewrites only the website seed and policy, under a row lock,
// unless the source is processing, critical or removed.
func (s *Store) SetCrawlTarget(ctx context.Context, id, rawURL string, policy *knowledge.CrawlPolicy) (knowledge.Source, error) {
	var policyJSON []byte
	if policy != nil {
		var err error
		if policyJSON, err = json.Marshal(policy); err != nil {
			return knowledge.Source{}, fmt.Errorf("marshal policy: %w", err)
		}
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return knowledge.Source{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	current, err := scanSource(tx.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return knowledge.Source{}, fmt.Errorf("source %s: %w", id, knowledge.ErrNotFound)
		}
		return knowledge.Source{}, fmt.Errorf("lock source: %w", err)
	}
	if err := knowledge.CheckCrawlable(current); err != nil {
		return knowledge.Source{}, err
	}
	updated, err := scanSource(tx.QueryRow(ctx, `
UPDATE sources
SET metadata = jsonb_set(
		jsonb_set(metadata, '{website,url}',
			CASE WHEN $2 = '' THEN metadata->'website'->'url' ELSE to_jsonb($2::text) END),
		'{website,policy}', COALESCE($3::jsonb, metadata->'website'->'policy')),
	updated_at = $4
WHERE id = $1
RETURNING `+sourceColumns,
		id, rawURL, policyJSON, s.now(),
	))
	if err != nil {
		return knowledge.Source{}, fmt.Errorf("update crawl target: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return knowledge.Source{}, fmt.Errorf("commit crawl target: %w", err)
	}
	return updated, nil
}

// TransitionSource applies t in one conditional UPDATE. The stored tokens and
// cost are merged over the new metadata so concurrent AddUsage calls survive.
func (s *Store) TransitionSource(ctx context.Context, id string, t knowledge.Transition) (knowledge.Source, error) {
	meta := t.Metadata
	meta.Tokens, meta.Cost = 0, 0
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return knowledge.Source{}, fmt.Errorf("marshal metadata: %w", err)
	}
	updated, err := scanSource(s.db.QueryRow(ctx, `
UPDATE sources
SET status = $3, size = $4, updated_at = $5,
	metadata = $6::jsonb || jsonb_strip_nulls(jsonb_build_object('tokens', metadata->'tokens', 'cost', metadata->'cost'))
WHERE id = $1 AND status = $2 AND ($7::timestamptz IS NULL OR updated_at <= $7)
RETURNING `+sourceColumns,
		id, string(t.From), string(t.To), t.Size, s.now(), metaJSON, t.UpdatedAtMost,
	))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return knowledge.Source{}, fmt.Errorf("transition source: %w", err)
	}
	current, err := s.GetSource(ctx, id)
	if err != nil {
		return knowledge.Source{}, err
	}
	return knowledge.Source{}, fmt.Errorf("source %s is %s, expected %s: %w", id, current.Status, t.From, knowledge.ErrStateChanged)
}

// UpdateProgress stores the crawl snapshot while the source is processing.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress knowledge.CrawlProgress) error {
	payload, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
UPDATE sources
SET metadata = jsonb_set(metadata, '{progress}', $2::jsonb), updated_at = $3
WHERE id = $1 AND status = 'processing'`,
		id, payload, s.now(),
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return s.exists(ctx, id)
}

// AddUsage accumulates embedding tokens and cost in the metadata document.
func (s *Store) AddUsage(ctx context.Context, id string, tokens int, cost float64) error {
	tag, err := s.db.Exec(ctx, `
UPDATE sources
SET metadata = metadata || jsonb_build_object(
	'tokens', COALESCE((metadata->>'tokens')::bigint, 0) + $2,
	'cost', COALESCE((metadata->>'cost')::float8, 0) + $3)
WHERE id = $1`,
		id, tokens, cost,
	)
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %s: %w", id, knowledge.ErrNotFound)
	}
	return nil
}

// DeleteSource removes the source; chunks cascade.
func (s *Store) DeleteSource(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %s: %w", id, knowledge.ErrNotFound)
	}
	return nil
}

// ListStale returns sources in status last updated before the cutoff.
func (s *Store) ListStale(ctx context.Context, status knowledge.SourceStatus, updatedBefore time.Time) ([]knowledge.Source, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+sourceColumns+`
FROM sources
WHERE status = $1 AND updated_at < $2
ORDER BY id`,
		string(status), updatedBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale sources: %w", err)
	}
	return collectSources(rows)
}

func (s *Store) exists(ctx context.Context, id string) error {
	var found bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sources WHERE id = $1)`, id).Scan(&found); err != nil {
		return fmt.Errorf("check source: %w", err)
	}
	if !found {
		return fmt.Errorf("source %s: %w", id, knowledge.ErrNotFound)
	}
	return nil
}

const chunkColumns = `c.id, c.source_id, c.agent_id, c.content, c.position, COALESCE(c.embedding::text, ''), c.embedding_model, c.metadata, c.created_at`

// InsertChunks stores every chunk or none of them.
func (s *Store) InsertChunks(ctx context.Context, chunks []knowledge.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	now := s.now()
	for _, ch := range chunks {
		meta, err := json.Marshal(ch.Metadata)
		if err != nil {
			return fmt.Errorf("marshal chunk metadata: %w", err)
		}
		created := ch.CreatedAt
		if created.IsZero() {
			created = now
		}
		var vec any
		if ch.Embedded() {
			vec = encodeVector(ch.Embedding)
		}
		_, err = tx.Exec(ctx, `
INSERT INTO chunks (id, source_id, agent_id, content, position, embedding, embedding_model, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6::vector, $7, $8, $9)`,
			ch.ID, ch.SourceID, ch.AgentID, ch.Content, ch.Position, vec, ch.EmbeddingModel, meta, created,
		)
		switch {
		case err == nil:
		case isUniqueViolation(err):
			return fmt.Errorf("chunk %s at position %d conflicts: %w", ch.ID, ch.Position, knowledge.ErrInvalidInput)
		case isForeignKeyViolation(err):
			return fmt.Errorf("chunk %s references source %s: %w", ch.ID, ch.SourceID, knowledge.ErrNotFound)
		default:
			return fmt.Errorf("insert chunk: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit chunks: %w", err)
	}
	return nil
}

// DeleteChunks removes every chunk of the source and returns how many were removed.
func (s *Store) DeleteChunks(ctx context.Context, sourceID string) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM chunks WHERE source_id = $1`, sourceID)
	if err != nil {
		return 0, fmt.Errorf("delete chunks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountChunks returns the number of chunks stored for the source.
func (s *Store) CountChunks(ctx context.Context, sourceID string) (int, error) {
	return s.count(ctx, `SELECT count(*) FROM chunks WHERE source_id = $1`, sourceID)
}

// CountUnembedded returns the number of chunks still lacking a vector.
func (s *Store) CountUnembedded(ctx context.Context, sourceID string) (int, error) {
	return s.count(ctx, `SELECT count(*) FROM chunks WHERE source_id = $1 AND embedding IS NULL`, sourceID)
}

func (s *Store) count(ctx context.Context, query, sourceID string) (int, error) {
	var n int64
	if err := s.db.QueryRow(ctx, query, sourceID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return int(n), nil
}

// ListChunks returns the source's chunks in position order.
func (s *Store) ListChunks(ctx context.Context, sourceID string) ([]knowledge.Chunk, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+chunkColumns+`
FROM chunks c
WHERE c.source_id = $1
ORDER BY c.position`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	return collectChunks(rows)
}

// PendingChunks returns the agent's unembedded chunks ordered by source then position.
func (s *Store) PendingChunks(ctx context.Context, agentID string) ([]knowledge.Chunk, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+chunkColumns+`
FROM chunks c
JOIN sources s ON s.id = c.source_id
WHERE s.agent_id = $1 AND s.status <> 'removed' AND c.embedding IS NULL
ORDER BY c.source_id, c.position`, agentID)
	if err != nil {
		return nil, fmt.Errorf("pending chunks: %w", err)
	}
	return collectChunks(rows)
}

// SetEmbeddings attaches vectors. Chunks deleted in the meantime are skipped.
func (s *Store) SetEmbeddings(ctx context.Context, model string, embeddings []knowledge.ChunkEmbedding) error {
	if len(embeddings) == 0 {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(ctx, tx)
	for _, e := range embeddings {
		if _, err := tx.Exec(ctx,
			`UPDATE chunks SET embedding = $2::vector, embedding_model = $3 WHERE id = $1`,
			e.ChunkID, encodeVector(e.Embedding), model,
		); err != nil {
			return fmt.Errorf("set embedding: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit embeddings: %w", err)
	}
	return nil
}

// SearchChunks ranks the agent's chunks by pgvector cosine similarity.
func (s *Store) SearchChunks(ctx context.Context, query knowledge.SearchQuery) ([]knowledge.ScoredChunk, error) {
	types := make([]string, 0, len(query.SourceTypes))
	for _, t := range query.SourceTypes {
		types = append(types, string(t))
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.Query(ctx, `
SELECT c.id, c.source_id, c.agent_id, c.content, c.position, c.embedding_model, c.metadata, c.created_at,
       s.type, 1 - (c.embedding <=> $2::vector) AS similarity
FROM chunks c
JOIN sources s ON s.id = c.source_id
WHERE c.agent_id = $1
  AND s.agent_id = $1
  AND s.status <> 'removed'
  AND c.embedding IS NOT NULL
  AND c.embedding_model = $3
  AND (cardinality($4::text[]) = 0 OR s.type = ANY($4::text[]))
  AND 1 - (c.embedding <=> $2::vector) >= $5
ORDER BY similarity DESC, c.source_id, c.position
LIMIT $6`,
		query.AgentID, encodeVector(query.Embedding), query.Model, types, query.Threshold, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var hits []knowledge.ScoredChunk
	for rows.Next() {
		var (
			hit     knowledge.ScoredChunk
			meta    []byte
			srcType string
		)
		if err := rows.Scan(
			&hit.ID, &hit.SourceID, &hit.AgentID, &hit.Content, &hit.Position,
			&hit.EmbeddingModel, &meta, &hit.CreatedAt, &srcType, &hit.Similarity,
		); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		if err := unmarshalJSON(meta, &hit.Metadata); err != nil {
			return nil, err
		}
		hit.SourceType = knowledge.SourceType(srcType)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hits: %w", err)
	}
	return hits, nil
}

func scanSource(row pgx.Row) (knowledge.Source, error) {
	var (
		src            knowledge.Source
		srcType, state string
		meta           []byte
	)
	if err := row.Scan(&src.ID, &src.AgentID, &src.Name, &srcType, &state, &meta, &src.Size, &src.CreatedAt, &src.UpdatedAt); err != nil {
		return knowledge.Source{}, err
	}
	src.Type = knowledge.SourceType(srcType)
	src.Status = knowledge.SourceStatus(state)
	if err := unmarshalJSON(meta, &src.Metadata); err != nil {
		return knowledge.Source{}, err
	}
	return src, nil
}

func collectSources(rows pgx.Rows) ([]knowledge.Source, error) {
	defer rows.Close()
	var out []knowledge.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return out, nil
}

func collectChunks(rows pgx.Rows) ([]knowledge.Chunk, error) {
	defer rows.Close()
	var out []knowledge.Chunk
	for rows.Next() {
		var (
			ch   knowledge.Chunk
			vec  string
			meta []byte
		)
		if err := rows.Scan(&ch.ID, &ch.SourceID, &ch.AgentID, &ch.Content, &ch.Position, &vec, &ch.EmbeddingModel, &meta, &ch.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		embedding, err := decodeVector(vec)
		if err != nil {
			return nil, err
		}
		ch.Embedding = embedding
		if err := unmarshalJSON(meta, &ch.Metadata); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

func unmarshalJSON(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	return nil
}

// encodeVector renders the pgvector text form, e.g. [0.1,0.2].
func encodeVector(v []float32) string {
	var b strings.Builder
	b.Grow(len(v)*8 + 2)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func decodeVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("decode vector: %w", err)
		}
		out[i] = float32(f)
	}
	return out, nil
}
