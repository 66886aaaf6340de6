package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
	"github.com/JakeFAU/rag-pipeline/internal/progress"
)

// ProgressWriter is the slice of the source store the sink needs.
type ProgressWriter interface {
	UpdateProgress(ctx context.Context, id string, progress knowledge.CrawlProgress) error
}

// StoreSink persists the latest crawl snapshot per source. It collapses each
// batch to one write per source to reduce write amplification.
type StoreSink struct {
	repo   ProgressWriter
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo ProgressWriter, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger.Named("progress_store")}
}

// Consume writes the newest progress snapshot for every source in the batch.
// Sources that finished within the batch are skipped; the run already stored
// its final state. Sources deleted mid-run are ignored.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	latest := make(map[string]progress.Event)
	order := make([]string, 0)
	finished := make(map[string]bool)

	for _, evt := range batch {
		if evt.Terminal() {
			finished[evt.SourceID] = true
			continue
		}
		prev, seen := latest[evt.SourceID]
		if !seen {
			order = append(order, evt.SourceID)
		}
		if !seen || !evt.TS.Before(prev.TS) {
			latest[evt.SourceID] = evt
		}
	}

	for _, id := range order {
		if finished[id] {
			continue
		}
		if err := s.repo.UpdateProgress(ctx, id, latest[id].CrawlProgress()); err != nil {
			if errors.Is(err, knowledge.ErrNotFound) {
				s.logger.Debug("progress for missing source", zap.String("source_id", id))
				continue
			}
			return fmt.Errorf("update progress: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
