// Package ingest turns registered sources into stored chunks. It owns the
// source lifecycle: crawl and re-crawl with rollback, processing of text, Q&A
// and uploaded files, training cycles, and the stuck-processing watchdog.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/chunker"
	"github.com/JakeFAU/rag-pipeline/internal/crawler"
	"github.com/JakeFAU/rag-pipeline/internal/embedding"
	"github.com/JakeFAU/rag-pipeline/internal/jobs"
	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
	"github.com/JakeFAU/rag-pipeline/internal/progress"
	"github.com/JakeFAU/rag-pipeline/internal/telemetry"
)

// Crawler runs one crawl.
type Crawler interface {
	Crawl(ctx context.Context, req crawler.Request, onProgress crawler.ProgressFunc) (crawler.Result, error)
}

// Chunker splits content into positioned chunks.
type Chunker interface {
	Chunk(sourceID, agentID, content string, meta knowledge.ChunkMetadata) ([]knowledge.Chunk, error)
	ChunkPages(sourceID, agentID string, pages []chunker.Page) ([]knowledge.Chunk, error)
	ChunkQA(sourceID, agentID string, pairs []knowledge.QAPair) ([]knowledge.Chunk, error)
}

// Embedder generates vectors for pending chunks.
type Embedder interface {
	EmbedPending(ctx context.Context, agentID string, onProgress embedding.ProgressFunc) (embedding.Summary, error)
}

// CacheInvalidator drops cached pages for a host before a re-crawl.
type CacheInvalidator interface {
	InvalidateHost(host string) int
}

// URLGuard rejects seeds that must never be fetched.
type URLGuard interface {
	Check(ctx context.Context, rawURL string) error
}

// Config tunes the service.
type Config struct {
	// MaxDiscoveredLinks caps the links kept in website metadata.
	MaxDiscoveredLinks int
	// MaxPageErrors caps the page errors kept in website metadata.
	MaxPageErrors int
	// EmbedOnIngest embeds new chunks right after a successful run.
	EmbedOnIngest bool
	// MaxUploadBytes bounds uploaded files.
	MaxUploadBytes int64
	// StatsWindow is how many recent crawls feed the health report.
	StatsWindow int
}

// Dependencies wires collaborators. Embedder, Cache, Guard and Blobs are optional.
type Dependencies struct {
	Store    knowledge.Store
	Crawler  Crawler
	Chunker  Chunker
	Embedder Embedder
	Cache    CacheInvalidator
	Guard    URLGuard
	Blobs    knowledge.BlobStore
	Progress progress.Emitter
	Clock    knowledge.Clock
	IDs      knowledge.IDGenerator
	Logger   *zap.Logger
}

// Service coordinates source processing.
type Service struct {
	cfg      Config
	store    knowledge.Store
	crawler  Crawler
	chunker  Chunker
	embedder Embedder
	cache    CacheInvalidator
	guard    URLGuard
	blobs    knowledge.BlobStore
	progress progress.Emitter
	clock    knowledge.Clock
	ids      knowledge.IDGenerator
	logger   *zap.Logger

	inflight sync.Map
	stats    *CrawlStats
}

var _ jobs.Handler = (*Service)(nil)

// New validates deps and builds a Service.
func New(cfg Config, deps Dependencies) (*Service, error) {
	if deps.Store == nil || deps.Crawler == nil || deps.Chunker == nil {
		return nil, errors.New("ingest requires a store, crawler and chunker")
	}
	if deps.Clock == nil || deps.IDs == nil {
		return nil, errors.New("ingest requires a clock and id generator")
	}
	if cfg.MaxDiscoveredLinks <= 0 {
		cfg.MaxDiscoveredLinks = 200
	}
	if cfg.MaxPageErrors <= 0 {
		cfg.MaxPageErrors = 50
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if deps.Progress == nil {
		deps.Progress = progress.NopEmitter{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		crawler:  deps.Crawler,
		chunker:  deps.Chunker,
		embedder: deps.Embedder,
		cache:    deps.Cache,
		guard:    deps.Guard,
		blobs:    deps.Blobs,
		progress: deps.Progress,
		clock:    deps.Clock,
		ids:      deps.IDs,
		logger:   deps.Logger.Named("ingest"),
		stats:    NewCrawlStats(cfg.StatsWindow),
	}, nil
}

// Stats exposes recent crawl outcomes.
func (s *Service) Stats() *CrawlStats {
	return s.stats
}

// InFlight reports whether this process is currently working on the source.
func (s *Service) InFlight(sourceID string) bool {
	_, ok := s.inflight.Load(sourceID)
	return ok
}

// Handle executes a queued job.
func (s *Service) Handle(ctx context.Context, job jobs.Job) error {
	switch job.Type {
	case jobs.TypeCrawl:
		return s.CrawlSource(ctx, job.SourceID)
	case jobs.TypeRecrawl:
		return s.RecrawlSource(ctx, job.SourceID)
	case jobs.TypeProcess:
		return s.ProcessSource(ctx, job.SourceID)
	case jobs.TypeEmbed:
		summary, err := s.Embed(ctx, job.AgentID)
		if err != nil {
			return err
		}
		if !summary.Success {
			return fmt.Errorf("embed agent %s: %d chunks failed", job.AgentID, summary.TotalFailed)
		}
		return nil
	default:
		return jobs.Permanent(fmt.Errorf("unknown job type %q: %w", job.Type, jobs.ErrInvalidJob))
	}
}

// JobFor returns the job type that processes a newly registered source.
func JobFor(source knowledge.Source) jobs.Type {
	if source.Type == knowledge.SourceTypeWebsite {
		return jobs.TypeCrawl
	}
	return jobs.TypeProcess
}

// Embed runs one embedding pass for the agent.
func (s *Service) Embed(ctx context.Context, agentID string) (embedding.Summary, error) {
	if s.embedder == nil {
		return embedding.Summary{}, jobs.Permanent(errors.New("embedding is not configured"))
	}
	logger := s.logger.With(zap.String("agent_id", agentID))
	summary, err := s.embedder.EmbedPending(ctx, agentID, func(p embedding.Progress) {
		logger.Debug("embedding progress", zap.Int("processed", p.Processed), zap.Int("failed", p.Failed), zap.Int("total", p.Total))
	})
	if err != nil {
		return summary, fmt.Errorf("embed pending chunks: %w", err)
	}
	return summary, nil
}

// begin claims the source in this process and in the store. The returned
// release func must be called when the run ends.
func (s *Service) begin(ctx context.Context, id string) (knowledge.Source, func(), error) {
	if _, loaded := s.inflight.LoadOrStore(id, s.clock.Now()); loaded {
		return knowledge.Source{}, nil, jobs.Permanent(fmt.Errorf("source %s: %w", id, knowledge.ErrSourceBusy))
	}
	release := func() { s.inflight.Delete(id) }
	prior, err := s.store.BeginProcessing(ctx, id)
	if err != nil {
		release()
		if errors.Is(err, knowledge.ErrSourceBusy) ||
			errors.Is(err, knowledge.ErrNeedsIntervention) ||
			errors.Is(err, knowledge.ErrNotFound) {
			return knowledge.Source{}, nil, jobs.Permanent(fmt.Errorf("begin processing: %w", err))
		}
		return knowledge.Source{}, nil, fmt.Errorf("begin processing: %w", err)
	}
	telemetry.ObserveSourceStatus(string(knowledge.SourceStatusProcessing))
	return prior, release, nil
}

// run carries the per-run state shared by crawl and process paths.
type run struct {
	prior    knowledge.Source
	snapshot knowledge.SourceMetadata
	existing int
	start    time.Time
	logger   *zap.Logger
}

func (s *Service) newRun(ctx context.Context, prior knowledge.Source) (*run, error) {
	existing, err := s.store.CountChunks(ctx, prior.ID)
	if err != nil {
		return nil, fmt.Errorf("count chunks: %w", err)
	}
	return &run{
		prior:    prior,
		snapshot: prior.Metadata.Clone(),
		existing: existing,
		start:    s.clock.Now(),
		logger: s.logger.With(
			zap.String("source_id", prior.ID),
			zap.String("agent_id", prior.AgentID),
			zap.String("type", string(prior.Type)),
		),
	}, nil
}

// abort restores the snapshot after a run that never touched stored chunks.
// The source returns to ready when it still has chunks, otherwise error.
func (s *Service) abort(ctx context.Context, r *run, reason string) {
	ctx = context.WithoutCancel(ctx)
	now := s.clock.Now()
	restored := r.prior
	restored.Metadata = r.snapshot.Clone()
	restored.Metadata.Progress = nil
	restored.Metadata.Error = reason
	restored.Metadata.ErrorAt = &now
	restored.Status = knowledge.SourceStatusError
	if r.existing > 0 {
		restored.Status = knowledge.SourceStatusReady
	}
	if err := s.finish(ctx, restored); err != nil {
		r.logger.Error("restore source failed", zap.Error(err))
	}
	telemetry.ObserveSourceStatus(string(restored.Status))
	r.logger.Warn("run aborted, previous state restored",
		zap.String("reason", reason),
		zap.String("status", string(restored.Status)),
		zap.Int("chunks_kept", r.existing),
	)
	s.progress.Emit(progress.Event{
		SourceID: r.prior.ID,
		AgentID:  r.prior.AgentID,
		TS:       now,
		Status:   progress.StatusError,
		Message:  reason,
		Dur:      now.Sub(r.start),
	})
}

// replace swaps the stored chunks for chunks. A delete failure leaves the old
// chunks and restores the snapshot; an insert failure after a successful delete
// moves the source to critical.
func (s *Service) replace(ctx context.Context, r *run, chunks []knowledge.Chunk) error {
	deleted, err := s.store.DeleteChunks(ctx, r.prior.ID)
	if err != nil {
		s.abort(ctx, r, "failed to remove previous chunks: "+err.Error())
		return fmt.Errorf("delete chunks: %w", err)
	}
	if err := s.store.InsertChunks(ctx, chunks); err != nil {
		s.markCritical(ctx, r, deleted, err)
		return jobs.Permanent(fmt.Errorf("insert chunks: %w: %v", knowledge.ErrDataLoss, err))
	}
	return nil
}

func (s *Service) markCritical(ctx context.Context, r *run, deleted int, cause error) {
	ctx = context.WithoutCancel(ctx)
	now := s.clock.Now()
	critical := r.prior
	critical.Metadata = r.snapshot.Clone()
	critical.Metadata.Progress = nil
	critical.Metadata.Error = fmt.Sprintf("%d chunks were deleted but the replacement failed to persist: %v", deleted, cause)
	critical.Metadata.ErrorAt = &now
	critical.Metadata.RequiresIntervention = true
	critical.Status = knowledge.SourceStatusCritical
	if err := s.finish(ctx, critical); err != nil {
		r.logger.Error("mark source critical failed", zap.Error(err))
	}
	telemetry.ObserveSourceStatus(string(knowledge.SourceStatusCritical))
	r.logger.Error("source requires intervention", zap.Int("chunks_deleted", deleted), zap.Error(cause))
	s.progress.Emit(progress.Event{
		SourceID: r.prior.ID,
		AgentID:  r.prior.AgentID,
		TS:       now,
		Status:   progress.StatusError,
		Critical: true,
		Message:  critical.Metadata.Error,
		Dur:      now.Sub(r.start),
	})
}

// finish moves a source this run holds out of processing. Usage added while
// the run was in flight is kept by the store.
func (s *Service) finish(ctx context.Context, src knowledge.Source) error {
	_, err := s.store.TransitionSource(ctx, src.ID, knowledge.Transition{
		From:     knowledge.SourceStatusProcessing,
		To:       src.Status,
		Size:     src.Size,
		Metadata: src.Metadata,
	})
	return err
}

// complete stores the final ready state and emits the terminal event.
func (s *Service) complete(ctx context.Context, r *run, final knowledge.Source, chunks int) error {
	ctx = context.WithoutCancel(ctx)
	now := s.clock.Now()
	final.Status = knowledge.SourceStatusReady
	final.Metadata.Error = ""
	final.Metadata.ErrorAt = nil
	final.Metadata.RequiresIntervention = false
	final.Metadata.TrainedAt = nil
	if err := s.finish(ctx, final); err != nil {
		return fmt.Errorf("store ready source: %w", err)
	}
	telemetry.ObserveSourceStatus(string(knowledge.SourceStatusReady))
	r.logger.Info("source ready",
		zap.Int("chunks", chunks),
		zap.Int("previous_chunks", r.existing),
		zap.Int64("size", final.Size),
		zap.Duration("duration", now.Sub(r.start)),
	)
	s.progress.Emit(progress.Event{
		SourceID: final.ID,
		AgentID:  final.AgentID,
		TS:       now,
		Status:   progress.StatusReady,
		Current:  chunks,
		Total:    chunks,
		Dur:      now.Sub(r.start),
	})
	if s.cfg.EmbedOnIngest && s.embedder != nil {
		if _, err := s.Embed(ctx, final.AgentID); err != nil {
			r.logger.Warn("embedding after ingest failed", zap.Error(err))
		}
	}
	return nil
}
