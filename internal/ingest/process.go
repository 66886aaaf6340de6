package ingest

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/extract"
	"github.com/JakeFAU/rag-pipeline/internal/jobs"
	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
	"github.com/JakeFAU/rag-pipeline/internal/progress"
	"github.com/JakeFAU/rag-pipeline/internal/telemetry"
)

// ProcessSource chunks a text, Q&A or file source and replaces its chunks.
func (s *Service) ProcessSource(ctx context.Context, sourceID string) error {
	ctx, span := telemetry.StartSpan(ctx, "ingest.Process")
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
	s.progress.Emit(progress.Event{
		SourceID: sourceID,
		AgentID:  prior.AgentID,
		TS:       s.clock.Now(),
		Status:   progress.StatusProgress,
		Phase:    knowledge.PhaseProcessing,
	})

	chunks, size, err := s.chunkSource(ctx, prior)
	if err != nil {
		s.abort(ctx, r, err.Error())
		if ctx.Err() != nil {
			return fmt.Errorf("process source %s: %w", sourceID, err)
		}
		return jobs.Permanent(fmt.Errorf("process source %s: %w", sourceID, err))
	}
	if len(chunks) == 0 {
		s.abort(ctx, r, "source has no content")
		return jobs.Permanent(fmt.Errorf("process source %s: no content: %w", sourceID, knowledge.ErrInvalidInput))
	}

	if err := s.replace(ctx, r, chunks); err != nil {
		return err
	}
	final := prior
	final.Metadata = r.snapshot.Clone()
	final.Metadata.Progress = nil
	final.Size = size
	return s.complete(ctx, r, final, len(chunks))
}

func (s *Service) chunkSource(ctx context.Context, src knowledge.Source) ([]knowledge.Chunk, int64, error) {
	meta := src.Metadata
	switch src.Type {
	case knowledge.SourceTypeText:
		if meta.Text == nil {
			return nil, 0, fmt.Errorf("text metadata missing: %w", knowledge.ErrInvalidInput)
		}
		content := strings.TrimSpace(meta.Text.Content)
		if title := strings.TrimSpace(meta.Text.Title); title != "" {
			content = title + "\n\n" + content
		}
		chunks, err := s.chunker.Chunk(src.ID, src.AgentID, content, knowledge.ChunkMetadata{Title: meta.Text.Title})
		return chunks, int64(len(meta.Text.Content)), err

	case knowledge.SourceTypeQA:
		if meta.QA == nil {
			return nil, 0, fmt.Errorf("qa metadata missing: %w", knowledge.ErrInvalidInput)
		}
		var size int64
		for _, p := range meta.QA.Pairs {
			size += int64(len(p.Question) + len(p.Answer))
		}
		chunks, err := s.chunker.ChunkQA(src.ID, src.AgentID, meta.QA.Pairs)
		return chunks, size, err

	case knowledge.SourceTypeFile:
		if meta.File == nil {
			return nil, 0, fmt.Errorf("file metadata missing: %w", knowledge.ErrInvalidInput)
		}
		if s.blobs == nil {
			return nil, 0, fmt.Errorf("blob store is not configured")
		}
		body, err := s.blobs.GetObject(ctx, meta.File.BlobURI)
		if err != nil {
			return nil, 0, fmt.Errorf("load upload: %w", err)
		}
		doc, err := extract.Document(meta.File.Filename, meta.File.ContentType, body)
		if err != nil {
			return nil, 0, fmt.Errorf("extract upload: %v: %w", err, knowledge.ErrInvalidInput)
		}
		s.logger.Debug("upload extracted",
			zap.String("source_id", src.ID),
			zap.String("filename", meta.File.Filename),
			zap.Int("chars", len(doc.Text)),
		)
		chunks, err := s.chunker.Chunk(src.ID, src.AgentID, doc.Text, knowledge.ChunkMetadata{
			Title:    doc.Title,
			Filename: meta.File.Filename,
		})
		return chunks, int64(len(doc.Text)), err

	default:
		return nil, 0, fmt.Errorf("source type %q is not processed here: %w", src.Type, knowledge.ErrInvalidInput)
	}
}
