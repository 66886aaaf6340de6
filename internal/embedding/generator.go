package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
	"github.com/JakeFAU/rag-pipeline/internal/retry"
	"github.com/JakeFAU/rag-pipeline/internal/telemetry"
)

// Config controls batching, retries and pricing.
type Config struct {
	BatchSize        int
	BatchDelay       time.Duration
	Retry            retry.Policy
	PricePer1KTokens float64
}

// Summary reports one EmbedPending run.
type Summary struct {
	Success        bool    `json:"success"`
	TotalProcessed int     `json:"totalProcessed"`
	TotalFailed    int     `json:"totalFailed"`
	TotalCost      float64 `json:"totalCost"`
	TotalTokens    int     `json:"totalTokens"`
	Model          string  `json:"model"`
}

// Progress is reported after every batch.
type Progress struct {
	Processed int
	Failed    int
	Total     int
}

// ProgressFunc receives batch progress.
type ProgressFunc func(Progress)

// Generator embeds pending chunks for an agent.
type Generator struct {
	cfg      Config
	provider Provider
	store    knowledge.Store
	logger   *zap.Logger
	wait     func(ctx context.Context, d time.Duration) error
}

// NewGenerator builds a Generator.
func NewGenerator(cfg Config, provider Provider, store knowledge.Store, logger *zap.Logger) (*Generator, error) {
	if provider == nil || store == nil {
		return nil, fmt.Errorf("embedding generator requires a provider and store")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		cfg:      cfg,
		provider: provider,
		store:    store,
		logger:   logger.Named("embedding"),
		wait:     sleepCtx,
	}, nil
}

// Model returns the embedding model identity stamped on every vector.
func (g *Generator) Model() string { return g.provider.Model() }

// EmbedPending embeds every unembedded chunk of agentID in (source, position) order.
// A batch that exhausts its retries is counted as failed and the run continues.
// The error return is reserved for listing failures and cancellation.
func (g *Generator) EmbedPending(ctx context.Context, agentID string, onProgress ProgressFunc) (Summary, error) {
	ctx, span := telemetry.StartSpan(ctx, "embedding.EmbedPending")
	defer span.End()

	model := g.provider.Model()
	summary := Summary{Model: model}
	pending, err := g.store.PendingChunks(ctx, agentID)
	if err != nil {
		return summary, fmt.Errorf("list pending chunks: %w", err)
	}
	logger := g.logger.With(zap.String("agent_id", agentID), zap.String("model", model))
	if len(pending) == 0 {
		summary.Success = true
		return summary, nil
	}
	logger.Info("Embedding pending chunks", zap.Int("chunks", len(pending)), zap.Int("batch_size", g.cfg.BatchSize))

	for start := 0; start < len(pending); start += g.cfg.BatchSize {
		if start > 0 && g.cfg.BatchDelay > 0 {
			if err := g.wait(ctx, g.cfg.BatchDelay); err != nil {
				return g.finish(summary), fmt.Errorf("embedding canceled: %w", err)
			}
		}
		batch := pending[start:min(start+g.cfg.BatchSize, len(pending))]

		tokens, cost, err := g.embedBatch(ctx, model, batch)
		if err != nil {
			if ctx.Err() != nil {
				return g.finish(summary), fmt.Errorf("embedding canceled: %w", ctx.Err())
			}
			summary.TotalFailed += len(batch)
			telemetry.ObserveEmbeddingBatch("failed")
			logger.Warn("Embedding batch failed",
				zap.Int("offset", start),
				zap.Int("size", len(batch)),
				zap.Error(err),
			)
		} else {
			summary.TotalProcessed += len(batch)
			summary.TotalTokens += tokens
			summary.TotalCost += cost
			telemetry.ObserveEmbeddingBatch("succeeded")
		}
		if onProgress != nil {
			onProgress(Progress{Processed: summary.TotalProcessed, Failed: summary.TotalFailed, Total: len(pending)})
		}
	}

	summary = g.finish(summary)
	logger.Info("Embedding finished",
		zap.Int("processed", summary.TotalProcessed),
		zap.Int("failed", summary.TotalFailed),
		zap.Int("tokens", summary.TotalTokens),
		zap.Float64("cost", summary.TotalCost),
	)
	return summary, nil
}

func (g *Generator) finish(summary Summary) Summary {
	summary.Success = summary.TotalFailed == 0
	telemetry.ObserveEmbeddingUsage(summary.Model, summary.TotalTokens, summary.TotalCost)
	return summary
}

func (g *Generator) embedBatch(ctx context.Context, model string, batch []knowledge.Chunk) (int, float64, error) {
	texts := make([]string, len(batch))
	for i, ch := range batch {
		texts[i] = ch.Content
	}

	var (
		vectors [][]float32
		usage   Usage
	)
	_, err := g.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		var err error
		vectors, usage, err = g.provider.Embed(ctx, texts)
		if err != nil {
			g.logger.Debug("Embedding attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("provider returned %d vectors for %d chunks", len(vectors), len(batch))
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	updates := make([]knowledge.ChunkEmbedding, len(batch))
	for i, ch := range batch {
		updates[i] = knowledge.ChunkEmbedding{ChunkID: ch.ID, Embedding: vectors[i]}
	}
	if err := g.store.SetEmbeddings(ctx, model, updates); err != nil {
		return 0, 0, fmt.Errorf("store embeddings: %w", err)
	}

	cost := g.cost(usage.Tokens)
	for sourceID, share := range apportion(batch, usage.Tokens) {
		if err := g.store.AddUsage(ctx, sourceID, share, g.cost(share)); err != nil {
			g.logger.Warn("Recording usage failed", zap.String("source_id", sourceID), zap.Error(err))
		}
	}
	return usage.Tokens, cost, nil
}

func (g *Generator) cost(tokens int) float64 {
	return float64(tokens) / 1000 * g.cfg.PricePer1KTokens
}

// EmbedQuery embeds a single search query with the same model as the chunks.
func (g *Generator) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("query text is required: %w", knowledge.ErrInvalidInput)
	}
	var vectors [][]float32
	_, err := g.cfg.Retry.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		vectors, _, err = g.provider.Embed(ctx, []string{text})
		if err == nil && len(vectors) != 1 {
			err = fmt.Errorf("provider returned %d vectors for 1 query", len(vectors))
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return vectors[0], nil
}

// apportion splits tokens across the batch's sources by content length.
// The remainder lands on the last source so the shares sum to tokens.
func apportion(batch []knowledge.Chunk, tokens int) map[string]int {
	lengths := make(map[string]int)
	var order []string
	total := 0
	for _, ch := range batch {
		if _, ok := lengths[ch.SourceID]; !ok {
			order = append(order, ch.SourceID)
		}
		lengths[ch.SourceID] += len(ch.Content)
		total += len(ch.Content)
	}
	shares := make(map[string]int, len(order))
	assigned := 0
	for i, id := range order {
		if i == len(order)-1 {
			shares[id] = tokens - assigned
			break
		}
		share := 0
		if total > 0 {
			share = tokens * lengths[id] / total
		}
		shares[id] = share
		assigned += share
	}
	return shares
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
