package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
	"github.com/JakeFAU/rag-pipeline/internal/progress"
	"github.com/JakeFAU/rag-pipeline/internal/telemetry"
)

// WatchdogConfig controls stuck-processing detection.
type WatchdogConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

// Watchdog fails sources left in processing by a crashed or stalled run.
type Watchdog struct {
	svc    *Service
	cfg    WatchdogConfig
	logger *zap.Logger
}

// NewWatchdog builds a Watchdog over the service's store.
func NewWatchdog(svc *Service, cfg WatchdogConfig) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	return &Watchdog{svc: svc, cfg: cfg, logger: svc.logger.Named("watchdog")}
}

// Run sweeps on every interval until ctx ends.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.logger.Warn("watchdog sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep moves sources stuck in processing longer than StaleAfter to error.
// Sources this process is still working on are left alone.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	now := w.svc.clock.Now()
	stale, err := w.svc.store.ListStale(ctx, knowledge.SourceStatusProcessing, now.Add(-w.cfg.StaleAfter))
	if err != nil {
		return 0, fmt.Errorf("list stale sources: %w", err)
	}
	failed := 0
	for _, src := range stale {
		if w.svc.InFlight(src.ID) {
			continue
		}
		reason := fmt.Sprintf("processing stalled for more than %s", w.cfg.StaleAfter)
		meta := src.Metadata
		meta.Progress = nil
		meta.Error = reason
		meta.ErrorAt = &now
		lastUpdate := src.UpdatedAt
		_, err := w.svc.store.TransitionSource(ctx, src.ID, knowledge.Transition{
			From:          knowledge.SourceStatusProcessing,
			To:            knowledge.SourceStatusError,
			Size:          src.Size,
			Metadata:      meta,
			UpdatedAtMost: &lastUpdate,
		})
		if errors.Is(err, knowledge.ErrStateChanged) || errors.Is(err, knowledge.ErrNotFound) {
			// Finished or touched by another worker since the listing.
			continue
		}
		if err != nil {
			return failed, fmt.Errorf("fail stale source %s: %w", src.ID, err)
		}
		failed++
		telemetry.ObserveSourceStatus(string(knowledge.SourceStatusError))
		w.logger.Warn("stale source failed",
			zap.String("source_id", src.ID),
			zap.Time("last_update", src.UpdatedAt),
		)
		w.svc.progress.Emit(progress.Event{
			SourceID: src.ID,
			AgentID:  src.AgentID,
			TS:       now,
			Status:   progress.StatusError,
			Message:  reason,
		})
	}
	return failed, nil
}
