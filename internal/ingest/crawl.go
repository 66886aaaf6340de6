package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/chunker"
	"github.com/JakeFAU/rag-pipeline/internal/crawler"
	"github.com/JakeFAU/rag-pipeline/internal/jobs"
	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
	"github.com/JakeFAU/rag-pipeline/internal/progress"
	"github.com/JakeFAU/rag-pipeline/internal/telemetry"
	"github.com/JakeFAU/rag-pipeline/internal/weburl"
)

// CrawlSource runs the first crawl of a website source.
func (s *Service) CrawlSource(ctx context.Context, sourceID string) error {
	return s.crawl(ctx, sourceID, false)
}

// RecrawlSource refreshes a website source without losing its chunks on
// failure. Old chunks are only deleted once the replacement is chunked.
func (s *Service) RecrawlSource(ctx context.Context, sourceID string) error {
	return s.crawl(ctx, sourceID, true)
}

func (s *Service) crawl(ctx context.Context, sourceID string, recrawl bool) error {
	ctx, span := telemetry.StartSpan(ctx, "ingest.Crawl")
	defer span.End()

	prior, release, err := s.begin(ctx, sourceID)
	if err != nil {
		return err
	}
	defer release()

	r, err := s.newRun(ctx, prior)
	if err != nil {
		s.restoreStatus(ctx, prior)
		return err
	}
	site := prior.Metadata.Website
	if prior.Type != knowledge.SourceTypeWebsite || site == nil {
		s.abort(ctx, r, "source is not a website")
		return jobs.Permanent(fmt.Errorf("crawl source %s: not a website: %w", sourceID, knowledge.ErrInvalidInput))
	}

	r.logger.Info("crawl run started", zap.Bool("recrawl", recrawl), zap.Int("existing_chunks", r.existing))
	if recrawl && s.cache != nil {
		dropped := s.cache.InvalidateHost(weburl.Host(site.URL))
		r.logger.Debug("cache invalidated", zap.Int("entries", dropped))
	}

	result, err := s.crawler.Crawl(ctx, crawler.Request{
		SourceID: sourceID,
		URL:      site.URL,
		Policy:   site.Policy,
	}, func(p knowledge.CrawlProgress) {
		s.progress.Emit(progress.FromCrawl(sourceID, prior.AgentID, p))
	})
	s.stats.Record(result, err)
	switch {
	case err != nil && ctx.Err() != nil:
		s.abort(ctx, r, "crawl canceled")
		return fmt.Errorf("crawl source %s: %w", sourceID, err)
	case err != nil:
		s.abort(ctx, r, err.Error())
		if errors.Is(err, knowledge.ErrInvalidInput) {
			return jobs.Permanent(fmt.Errorf("crawl source %s: %w", sourceID, err))
		}
		return fmt.Errorf("crawl source %s: %w", sourceID, err)
	case len(result.Pages) == 0:
		s.abort(ctx, r, emptyCrawlReason(result))
		return jobs.Permanent(fmt.Errorf("crawl source %s: no pages crawled", sourceID))
	}

	pages := make([]chunker.Page, 0, len(result.Pages))
	var size int64
	for _, p := range result.Pages {
		pages = append(pages, chunker.Page{URL: p.URL, Title: p.Title, Content: p.Content})
		size += int64(len(p.Content))
	}
	chunks, err := s.chunker.ChunkPages(sourceID, prior.AgentID, pages)
	if err != nil {
		s.abort(ctx, r, "chunking failed: "+err.Error())
		return jobs.Permanent(fmt.Errorf("chunk pages: %w", err))
	}
	if len(chunks) == 0 {
		s.abort(ctx, r, "crawled pages contained no text")
		return jobs.Permanent(fmt.Errorf("crawl source %s: no content", sourceID))
	}

	if err := s.replace(ctx, r, chunks); err != nil {
		return err
	}

	now := s.clock.Now()
	final := prior
	final.Metadata = r.snapshot.Clone()
	final.Metadata.Progress = &knowledge.CrawlProgress{
		Phase:           knowledge.PhaseCompleted,
		Current:         result.Visited,
		Total:           result.Visited,
		DiscoveredLinks: len(result.Discovered),
		UpdatedAt:       now,
	}
	web := *final.Metadata.Website
	web.URL = result.SeedURL
	web.PagesCrawled = len(result.Pages)
	web.DiscoveredLinks = capStrings(result.Discovered, s.cfg.MaxDiscoveredLinks)
	web.PageErrors = capPageErrors(result.Errors, s.cfg.MaxPageErrors)
	web.LastCrawlAt = &now
	web.PreviousChunkCount = r.existing
	final.Metadata.Website = &web
	final.Size = size
	return s.complete(ctx, r, final, len(chunks))
}

// restoreStatus puts the prior status back when the run could not start.
func (s *Service) restoreStatus(ctx context.Context, prior knowledge.Source) {
	if err := s.finish(context.WithoutCancel(ctx), prior); err != nil {
		s.logger.Error("restore source status failed", zap.String("source_id", prior.ID), zap.Error(err))
	}
}

func emptyCrawlReason(result crawler.Result) string {
	if len(result.Errors) == 0 {
		return "crawl returned no pages"
	}
	first := result.Errors[0]
	return fmt.Sprintf("crawl returned no pages (%d errors, first %s: %s)", len(result.Errors), first.URL, first.Error)
}

func capStrings(in []string, limit int) []string {
	if len(in) > limit {
		in = in[:limit]
	}
	return append([]string(nil), in...)
}

func capPageErrors(in []knowledge.PageError, limit int) []knowledge.PageError {
	if len(in) > limit {
		in = in[:limit]
	}
	return append([]knowledge.PageError(nil), in...)
}
