package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rag-pipeline/internal/clock/system"
	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
)

func textSource(id, agent string) knowledge.Source {
	return knowledge.Source{
		ID:       id,
		AgentID:  agent,
		Name:     id,
		Type:     knowledge.SourceTypeText,
		Metadata: knowledge.SourceMetadata{Text: &knowledge.TextMetadata{Content: "body"}},
	}
}

func chunksFor(sourceID, agent string, n int) []knowledge.Chunk {
	out := make([]knowledge.Chunk, n)
	for i := range out {
		out[i] = knowledge.Chunk{
			ID:       fmt.Sprintf("%s-c%d", sourceID, i),
			SourceID: sourceID,
			AgentID:  agent,
			Content:  fmt.Sprintf("chunk %d", i),
			Position: i,
		}
	}
	return out
}

func TestSourceLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := system.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewStore(clock)

	require.NoError(t, store.CreateSource(ctx, textSource("s1", "agent")))
	require.ErrorIs(t, store.CreateSource(ctx, textSource("s1", "agent")), knowledge.ErrInvalidInput)

	got, err := store.GetSource(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, knowledge.SourceStatusPending, got.Status)

	prior, err := store.BeginProcessing(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, knowledge.SourceStatusPending, prior.Status)

	_, err = store.BeginProcessing(ctx, "s1")
	require.ErrorIs(t, err, knowledge.ErrSourceBusy)

	got.Status = knowledge.SourceStatusCritical
	require.NoError(t, store.UpdateSource(ctx, got))
	_, err = store.BeginProcessing(ctx, "s1")
	require.ErrorIs(t, err, knowledge.ErrNeedsIntervention)

	_, err = store.BeginProcessing(ctx, "missing")
	require.ErrorIs(t, err, knowledge.ErrNotFound)

	require.NoError(t, store.AddUsage(ctx, "s1", 100, 0.5))
	require.NoError(t, store.AddUsage(ctx, "s1", 50, 0.25))
	got, err = store.GetSource(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 150, got.Metadata.Tokens)
	require.InDelta(t, 0.75, got.Metadata.Cost, 1e-9)
}

func TestGetSourceReturnsIsolatedCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewStore(nil)
	require.NoError(t, store.CreateSource(ctx, textSource("s1", "agent")))

	got, err := store.GetSource(ctx, "s1")
	require.NoError(t, err)
	got.Metadata.Text.Content = "mutated"

	again, err := store.GetSource(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "body", again.Metadata.Text.Content)
}

func TestListSourcesFiltersAndPages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := system.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewStore(clock)
	for i := 0; i < 4; i++ {
		require.NoError(t, store.CreateSource(ctx, textSource(fmt.Sprintf("s%d", i), "agent")))
		clock.Advance(time.Second)
	}
	require.NoError(t, store.CreateSource(ctx, textSource("other", "agent-2")))

	removed, err := store.GetSource(ctx, "s3")
	require.NoError(t, err)
	removed.Status = knowledge.SourceStatusRemoved
	require.NoError(t, store.UpdateSource(ctx, removed))

	all, err := store.ListSources(ctx, "agent", knowledge.SourceFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "s0", all[0].ID)

	page, err := store.ListSources(ctx, "agent", knowledge.SourceFilter{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "s1", page[0].ID)

	onlyRemoved, err := store.ListSources(ctx, "agent", knowledge.SourceFilter{Status: knowledge.SourceStatusRemoved})
	require.NoError(t, err)
	require.Len(t, onlyRemoved, 1)
}

func TestInsertChunksIsAllOrNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewStore(nil)
	require.NoError(t, store.CreateSource(ctx, textSource("s1", "agent")))
	require.NoError(t, store.InsertChunks(ctx, chunksFor("s1", "agent", 3)))

	clash := chunksFor("s1", "agent", 5)[3:]
	clash = append(clash, knowledge.Chunk{ID: "dup-pos", SourceID: "s1", AgentID: "agent", Position: 1})
	require.ErrorIs(t, store.InsertChunks(ctx, clash), knowledge.ErrInvalidInput)

	n, err := store.CountChunks(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	deleted, err := store.DeleteChunks(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 3, deleted)
	n, err = store.CountChunks(ctx, "s1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPendingChunksOrderAndEmbedding(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewStore(nil)
	require.NoError(t, store.CreateSource(ctx, textSource("b", "agent")))
	require.NoError(t, store.CreateSource(ctx, textSource("a", "agent")))
	require.NoError(t, store.CreateSource(ctx, textSource("z", "agent-2")))
	require.NoError(t, store.InsertChunks(ctx, chunksFor("b", "agent", 2)))
	require.NoError(t, store.InsertChunks(ctx, chunksFor("a", "agent", 2)))
	require.NoError(t, store.InsertChunks(ctx, chunksFor("z", "agent-2", 1)))

	pending, err := store.PendingChunks(ctx, "agent")
	require.NoError(t, err)
	var ids []string
	for _, ch := range pending {
		ids = append(ids, ch.ID)
	}
	require.Equal(t, []string{"a-c0", "a-c1", "b-c0", "b-c1"}, ids)

	require.NoError(t, store.SetEmbeddings(ctx, "m1", []knowledge.ChunkEmbedding{
		{ChunkID: "a-c0", Embedding: []float32{1, 0}},
		{ChunkID: "gone", Embedding: []float32{1, 0}},
	}))
	pending, err = store.PendingChunks(ctx, "agent")
	require.NoError(t, err)
	require.Len(t, pending, 3)

	unembedded, err := store.CountUnembedded(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 1, unembedded)
}

func TestSearchChunksScopesAndRanks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewStore(nil)
	require.NoError(t, store.CreateSource(ctx, textSource("mine", "agent")))
	require.NoError(t, store.CreateSource(ctx, textSource("theirs", "agent-2")))
	require.NoError(t, store.InsertChunks(ctx, chunksFor("mine", "agent", 4)))
	require.NoError(t, store.InsertChunks(ctx, chunksFor("theirs", "agent-2", 1)))
	require.NoError(t, store.SetEmbeddings(ctx, "m1", []knowledge.ChunkEmbedding{
		{ChunkID: "mine-c0", Embedding: []float32{1, 0}},
		{ChunkID: "mine-c1", Embedding: []float32{0.9, 0.1}},
		{ChunkID: "mine-c2", Embedding: []float32{0, 1}},
		{ChunkID: "theirs-c0", Embedding: []float32{1, 0}},
	}))
	require.NoError(t, store.SetEmbeddings(ctx, "m2", []knowledge.ChunkEmbedding{
		{ChunkID: "mine-c3", Embedding: []float32{1, 0}},
	}))

	hits, err := store.SearchChunks(ctx, knowledge.SearchQuery{
		AgentID: "agent", Embedding: []float32{1, 0}, Model: "m1", Limit: 5, Threshold: 0.7,
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "mine-c0", hits[0].ID)
	require.Equal(t, "mine-c1", hits[1].ID)
	require.GreaterOrEqual(t, hits[0].Similarity, hits[1].Similarity)
	require.Equal(t, knowledge.SourceTypeText, hits[0].SourceType)

	limited, err := store.SearchChunks(ctx, knowledge.SearchQuery{
		AgentID: "agent", Embedding: []float32{1, 0}, Model: "m1", Limit: 1, Threshold: 0,
	})
	require.NoError(t, err)
	require.Len(t, limited, 1)

	filtered, err := store.SearchChunks(ctx, knowledge.SearchQuery{
		AgentID: "agent", Embedding: []float32{1, 0}, Model: "m1", Limit: 5,
		SourceTypes: []knowledge.SourceType{knowledge.SourceTypeWebsite},
	})
	require.NoError(t, err)
	require.Empty(t, filtered)
}

func TestListStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := system.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewStore(clock)
	require.NoError(t, store.CreateSource(ctx, textSource("old", "agent")))
	_, err := store.BeginProcessing(ctx, "old")
	require.NoError(t, err)
	clock.Advance(time.Hour)
	require.NoError(t, store.CreateSource(ctx, textSource("new", "agent")))
	_, err = store.BeginProcessing(ctx, "new")
	require.NoError(t, err)

	stale, err := store.ListStale(ctx, knowledge.SourceStatusProcessing, clock.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "old", stale[0].ID)
}

func TestCosine(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	require.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	require.Zero(t, Cosine([]float32{1}, []float32{1, 0}))
	require.Zero(t, Cosine([]float32{0, 0}, []float32{1, 0}))
}

func TestUpdateProgressOnlyWhileProcessing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewStore(system.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, store.CreateSource(ctx, textSource("s1", "agent")))

	snap := knowledge.CrawlProgress{Phase: knowledge.PhaseProcessing, Current: 3}
	require.NoError(t, store.UpdateProgress(ctx, "s1", snap))
	got, err := store.GetSource(ctx, "s1")
	require.NoError(t, err)
	require.Nil(t, got.Metadata.Progress)

	_, err = store.BeginProcessing(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, store.UpdateProgress(ctx, "s1", snap))
	got, err = store.GetSource(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 3, got.Metadata.Progress.Current)

	require.ErrorIs(t, store.UpdateProgress(ctx, "missing", snap), knowledge.ErrNotFound)
}

func websiteSource(id, agent string) knowledge.Source {
	return knowledge.Source{
		ID:      id,
		AgentID: agent,
		Name:    id,
		Type:    knowledge.SourceTypeWebsite,
		Metadata: knowledge.SourceMetadata{Website: &knowledge.WebsiteMetadata{
			URL:    "https://example.com",
			Policy: knowledge.CrawlPolicy{MaxPages: 5},
		}},
	}
}

func TestSetCrawlTargetOnlyWhileIdle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewStore(nil)
	require.NoError(t, store.CreateSource(ctx, websiteSource("w1", "agent")))
	require.NoError(t, store.CreateSource(ctx, textSource("t1", "agent")))

	policy := knowledge.CrawlPolicy{MaxPages: 2, ExcludePaths: []string{"/blog"}}
	got, err := store.SetCrawlTarget(ctx, "w1", "", &policy)
	require.NoError(t, err)
	require.Equal(t, "https://example.com", got.Metadata.Website.URL)
	require.Equal(t, 2, got.Metadata.Website.Policy.MaxPages)

	_, err = store.BeginProcessing(ctx, "w1")
	require.NoError(t, err)
	_, err = store.SetCrawlTarget(ctx, "w1", "https://example.org", nil)
	require.ErrorIs(t, err, knowledge.ErrSourceBusy)

	stored, err := store.GetSource(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, knowledge.SourceStatusProcessing, stored.Status)
	require.Equal(t, "https://example.com", stored.Metadata.Website.URL)

	_, err = store.SetCrawlTarget(ctx, "t1", "https://example.org", nil)
	require.ErrorIs(t, err, knowledge.ErrInvalidInput)
	_, err = store.SetCrawlTarget(ctx, "missing", "https://example.org", nil)
	require.ErrorIs(t, err, knowledge.ErrNotFound)
}

func TestTransitionSourceKeepsUsageAndChecksState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := system.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewStore(clock)
	require.NoError(t, store.CreateSource(ctx, textSource("s1", "agent")))
	prior, err := store.BeginProcessing(ctx, "s1")
	require.NoError(t, err)

	// Usage lands while the run holds a stale snapshot.
	require.NoError(t, store.AddUsage(ctx, "s1", 120, 0.3))
	snapshot := prior.Metadata.Clone()
	snapshot.Tokens = 7

	got, err := store.TransitionSource(ctx, "s1", knowledge.Transition{
		From:     knowledge.SourceStatusProcessing,
		To:       knowledge.SourceStatusReady,
		Size:     11,
		Metadata: snapshot,
	})
	require.NoError(t, err)
	require.Equal(t, knowledge.SourceStatusReady, got.Status)
	require.Equal(t, int64(11), got.Size)
	require.Equal(t, 120, got.Metadata.Tokens)
	require.InDelta(t, 0.3, got.Metadata.Cost, 1e-9)

	_, err = store.TransitionSource(ctx, "s1", knowledge.Transition{
		From: knowledge.SourceStatusProcessing,
		To:   knowledge.SourceStatusError,
	})
	require.ErrorIs(t, err, knowledge.ErrStateChanged)

	before := got.UpdatedAt.Add(-time.Second)
	_, err = store.TransitionSource(ctx, "s1", knowledge.Transition{
		From:          knowledge.SourceStatusReady,
		To:            knowledge.SourceStatusReady,
		Metadata:      got.Metadata,
		UpdatedAtMost: &before,
	})
	require.ErrorIs(t, err, knowledge.ErrStateChanged)

	_, err = store.TransitionSource(ctx, "missing", knowledge.Transition{})
	require.ErrorIs(t, err, knowledge.ErrNotFound)
}
