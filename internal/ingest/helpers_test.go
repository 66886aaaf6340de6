package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rag-pipeline/internal/chunker"
	"github.com/JakeFAU/rag-pipeline/internal/clock/system"
	"github.com/JakeFAU/rag-pipeline/internal/crawler"
	"github.com/JakeFAU/rag-pipeline/internal/embedding"
	"github.com/JakeFAU/rag-pipeline/internal/id/uuid"
	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
	"github.com/JakeFAU/rag-pipeline/internal/progress"
	"github.com/JakeFAU/rag-pipeline/internal/storage/memory"
)

type fixture struct {
	svc     *Service
	store   *faultyStore
	crawler *fakeCrawler
	events  *recorder
	cache   *fakeCache
	blobs   *memory.BlobStore
	clock   *system.Manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f, err := buildFixture()
	require.NoError(t, err)
	return f
}

func buildFixture() (*fixture, error) {
	clock := system.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	store := &faultyStore{Store: memory.NewStore(clock)}
	ch, err := chunker.New(chunker.Config{MaxSize: 200, Overlap: 20}, uuid.New(), clock)
	if err != nil {
		return nil, err
	}
	gen, err := embedding.NewGenerator(embedding.Config{BatchSize: 20}, embedding.NewHash("hash-v1", 8), store, nil)
	if err != nil {
		return nil, err
	}

	f := &fixture{
		store:   store,
		crawler: &fakeCrawler{},
		events:  &recorder{},
		cache:   &fakeCache{},
		blobs:   memory.NewBlobStore(),
		clock:   clock,
	}
	f.svc, err = New(Config{}, Dependencies{
		Store:    store,
		Crawler:  f.crawler,
		Chunker:  ch,
		Embedder: gen,
		Cache:    f.cache,
		Blobs:    f.blobs,
		Progress: f.events,
		Clock:    clock,
		IDs:      uuid.New(),
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (f *fixture) website(t *testing.T) knowledge.Source {
	t.Helper()
	src, err := f.svc.Register(context.Background(), "agent-1", Registration{
		Type:   knowledge.SourceTypeWebsite,
		URL:    "example.com/docs",
		Policy: knowledge.CrawlPolicy{MaxPages: 5, CrawlSubpages: true},
	})
	require.NoError(t, err)
	return src
}

func (f *fixture) source(t *testing.T, id string) knowledge.Source {
	t.Helper()
	src, err := f.store.GetSource(context.Background(), id)
	require.NoError(t, err)
	return src
}

func (f *fixture) chunks(t *testing.T, id string) []knowledge.Chunk {
	t.Helper()
	chunks, err := f.store.ListChunks(context.Background(), id)
	require.NoError(t, err)
	return chunks
}

func pages(prefix string, n int) crawler.Result {
	result := crawler.Result{SeedURL: "https://example.com/docs", Visited: n, Duration: time.Second}
	for i := range n {
		result.Pages = append(result.Pages, crawler.Page{
			URL:     fmt.Sprintf("https://example.com/docs/%d", i),
			Title:   fmt.Sprintf("%s page %d", prefix, i),
			Content: fmt.Sprintf("%s content for page %d. It explains one topic in a couple of sentences.", prefix, i),
		})
		if i > 0 {
			result.Discovered = append(result.Discovered, result.Pages[i].URL)
		}
	}
	return result
}

type fakeCrawler struct {
	mu     sync.Mutex
	result crawler.Result
	err    error
	calls  int
	during func()
}

func (c *fakeCrawler) set(result crawler.Result, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result, c.err = result, err
}

func (c *fakeCrawler) Crawl(_ context.Context, req crawler.Request, onProgress crawler.ProgressFunc) (crawler.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.during != nil {
		c.during()
	}
	onProgress(knowledge.CrawlProgress{
		Phase:      knowledge.PhaseProcessing,
		Current:    len(c.result.Pages),
		Total:      len(c.result.Pages),
		CurrentURL: req.URL,
		UpdatedAt:  time.Now(),
	})
	return c.result, c.err
}

type fakeCache struct {
	mu    sync.Mutex
	hosts []string
}

func (c *fakeCache) InvalidateHost(host string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hosts = append(c.hosts, host)
	return 1
}

type faultyStore struct {
	*memory.Store
	mu         sync.Mutex
	insertErr  error
	deleteErr  error
	afterStale func()
}

func (s *faultyStore) ListStale(ctx context.Context, status knowledge.SourceStatus, updatedBefore time.Time) ([]knowledge.Source, error) {
	out, err := s.Store.ListStale(ctx, status, updatedBefore)
	s.mu.Lock()
	hook := s.afterStale
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, err
}

func (s *faultyStore) fail(insert, del error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertErr, s.deleteErr = insert, del
}

func (s *faultyStore) InsertChunks(ctx context.Context, chunks []knowledge.Chunk) error {
	s.mu.Lock()
	err := s.insertErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.InsertChunks(ctx, chunks)
}

func (s *faultyStore) DeleteChunks(ctx context.Context, sourceID string) (int, error) {
	s.mu.Lock()
	err := s.deleteErr
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return s.Store.DeleteChunks(ctx, sourceID)
}

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) last() progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return progress.Event{}
	}
	return r.events[len(r.events)-1]
}

func (r *recorder) count(status progress.Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Status == status {
			n++
		}
	}
	return n
}
