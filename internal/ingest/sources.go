package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/crawler"
	"github.com/JakeFAU/rag-pipeline/internal/embedding"
	"github.com/JakeFAU/rag-pipeline/internal/extract"
	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
	"github.com/JakeFAU/rag-pipeline/internal/weburl"
)

// Registration is a request to add a source to an agent's knowledge base.
type Registration struct {
	Type   knowledge.SourceType
	Name   string
	URL    string
	Policy knowledge.CrawlPolicy
	Title  string
	Text   string
	Pairs  []knowledge.QAPair
}

// Upload is a file submitted for a file source.
type Upload struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// Register validates and stores a new pending source.
func (s *Service) Register(ctx context.Context, agentID string, reg Registration) (knowledge.Source, error) {
	if strings.TrimSpace(agentID) == "" {
		return knowledge.Source{}, fmt.Errorf("agent id is required: %w", knowledge.ErrInvalidInput)
	}
	var meta knowledge.SourceMetadata
	name := strings.TrimSpace(reg.Name)
	switch reg.Type {
	case knowledge.SourceTypeWebsite:
		if err := crawler.ValidatePolicy(reg.Policy); err != nil {
			return knowledge.Source{}, err
		}
		seed, err := s.checkSeed(ctx, reg.URL)
		if err != nil {
			return knowledge.Source{}, err
		}
		meta.Website = &knowledge.WebsiteMetadata{URL: seed, Policy: reg.Policy}
		if name == "" {
			name = weburl.Host(seed)
		}
	case knowledge.SourceTypeText:
		if strings.TrimSpace(reg.Text) == "" {
			return knowledge.Source{}, fmt.Errorf("text is required: %w", knowledge.ErrInvalidInput)
		}
		meta.Text = &knowledge.TextMetadata{Title: strings.TrimSpace(reg.Title), Content: reg.Text}
		if name == "" {
			name = meta.Text.Title
		}
	case knowledge.SourceTypeQA:
		pairs := make([]knowledge.QAPair, 0, len(reg.Pairs))
		for _, p := range reg.Pairs {
			q, a := strings.TrimSpace(p.Question), strings.TrimSpace(p.Answer)
			if q == "" || a == "" {
				return knowledge.Source{}, fmt.Errorf("every pair needs a question and an answer: %w", knowledge.ErrInvalidInput)
			}
			pairs = append(pairs, knowledge.QAPair{Question: q, Answer: a})
		}
		if len(pairs) == 0 {
			return knowledge.Source{}, fmt.Errorf("at least one pair is required: %w", knowledge.ErrInvalidInput)
		}
		meta.QA = &knowledge.QAMetadata{Pairs: pairs}
	case knowledge.SourceTypeFile:
		return knowledge.Source{}, fmt.Errorf("file sources are registered by upload: %w", knowledge.ErrInvalidInput)
	default:
		return knowledge.Source{}, fmt.Errorf("unknown source type %q: %w", reg.Type, knowledge.ErrInvalidInput)
	}
	return s.create(ctx, agentID, reg.Type, name, meta)
}

// RegisterUpload stores the file in the blob store and creates a pending file source.
func (s *Service) RegisterUpload(ctx context.Context, agentID string, up Upload) (knowledge.Source, error) {
	if strings.TrimSpace(agentID) == "" {
		return knowledge.Source{}, fmt.Errorf("agent id is required: %w", knowledge.ErrInvalidInput)
	}
	if s.blobs == nil {
		return knowledge.Source{}, errors.New("file uploads require a blob store")
	}
	filename := path.Base(strings.ReplaceAll(strings.TrimSpace(up.Filename), "\\", "/"))
	if filename == "" || filename == "." || filename == "/" {
		return knowledge.Source{}, fmt.Errorf("filename is required: %w", knowledge.ErrInvalidInput)
	}
	body, err := io.ReadAll(io.LimitReader(up.Body, s.cfg.MaxUploadBytes+1))
	if err != nil {
		return knowledge.Source{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(body)) > s.cfg.MaxUploadBytes {
		return knowledge.Source{}, fmt.Errorf("file exceeds %d bytes: %w", s.cfg.MaxUploadBytes, knowledge.ErrInvalidInput)
	}
	if len(body) == 0 {
		return knowledge.Source{}, fmt.Errorf("file is empty: %w", knowledge.ErrInvalidInput)
	}
	if _, err := extract.Document(filename, up.ContentType, body); err != nil {
		return knowledge.Source{}, fmt.Errorf("%v: %w", err, knowledge.ErrInvalidInput)
	}

	id, err := s.ids.NewID()
	if err != nil {
		return knowledge.Source{}, fmt.Errorf("generate source id: %w", err)
	}
	uri, err := s.blobs.PutObject(ctx, path.Join("uploads", agentID, id, filename), up.ContentType, bytes.NewReader(body))
	if err != nil {
		return knowledge.Source{}, fmt.Errorf("store upload: %w", err)
	}
	meta := knowledge.SourceMetadata{File: &knowledge.FileMetadata{
		Filename:    filename,
		ContentType: up.ContentType,
		BlobURI:     uri,
		Bytes:       int64(len(body)),
	}}
	return s.createWithID(ctx, id, agentID, knowledge.SourceTypeFile, filename, meta)
}

// SetCrawlTarget points a website source at a new seed and policy before a crawl.
// The store applies the change only while no crawl holds the source.
func (s *Service) SetCrawlTarget(ctx context.Context, sourceID, rawURL string, policy *knowledge.CrawlPolicy) (knowledge.Source, error) {
	if policy != nil {
		if err := crawler.ValidatePolicy(*policy); err != nil {
			return knowledge.Source{}, err
		}
	}
	if rawURL == "" && policy == nil {
		return s.CheckCrawlable(ctx, sourceID)
	}
	seed := ""
	if rawURL != "" {
		var err error
		if seed, err = s.checkSeed(ctx, rawURL); err != nil {
			return knowledge.Source{}, err
		}
	}
	src, err := s.store.SetCrawlTarget(ctx, sourceID, seed, policy)
	if err != nil {
		return knowledge.Source{}, fmt.Errorf("update crawl target: %w", err)
	}
	return src, nil
}

// CheckCrawlable loads the source and reports whether a crawl may be queued.
func (s *Service) CheckCrawlable(ctx context.Context, sourceID string) (knowledge.Source, error) {
	src, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		return knowledge.Source{}, fmt.Errorf("load source: %w", err)
	}
	if err := knowledge.CheckCrawlable(src); err != nil {
		return knowledge.Source{}, err
	}
	return src, nil
}

// Remove soft-deletes a source. Its chunks leave search immediately and are
// purged on the next training cycle.
func (s *Service) Remove(ctx context.Context, sourceID string) (knowledge.Source, error) {
	src, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		return knowledge.Source{}, fmt.Errorf("load source: %w", err)
	}
	switch src.Status {
	case knowledge.SourceStatusRemoved:
		return src, nil
	case knowledge.SourceStatusProcessing:
		return knowledge.Source{}, fmt.Errorf("source %s: %w", sourceID, knowledge.ErrSourceBusy)
	}
	meta := src.Metadata
	meta.Progress = nil
	src, err = s.store.TransitionSource(ctx, sourceID, knowledge.Transition{
		From:     src.Status,
		To:       knowledge.SourceStatusRemoved,
		Size:     src.Size,
		Metadata: meta,
	})
	if err != nil {
		return knowledge.Source{}, fmt.Errorf("remove source: %w", err)
	}
	s.logger.Info("source removed", zap.String("source_id", sourceID))
	return src, nil
}

// Resolve acknowledges a critical source and moves it to error so it can be re-crawled.
func (s *Service) Resolve(ctx context.Context, sourceID string) (knowledge.Source, error) {
	src, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		return knowledge.Source{}, fmt.Errorf("load source: %w", err)
	}
	if src.Status != knowledge.SourceStatusCritical {
		return knowledge.Source{}, fmt.Errorf("source %s is %s, not critical: %w", sourceID, src.Status, knowledge.ErrInvalidInput)
	}
	now := s.clock.Now()
	meta := src.Metadata
	meta.RequiresIntervention = false
	meta.ErrorAt = &now
	if !strings.HasPrefix(meta.Error, "resolved: ") {
		meta.Error = "resolved: " + meta.Error
	}
	src, err = s.store.TransitionSource(ctx, sourceID, knowledge.Transition{
		From:     knowledge.SourceStatusCritical,
		To:       knowledge.SourceStatusError,
		Size:     src.Size,
		Metadata: meta,
	})
	if err != nil {
		return knowledge.Source{}, fmt.Errorf("resolve source: %w", err)
	}
	s.logger.Info("critical source resolved", zap.String("source_id", sourceID))
	return src, nil
}

// TrainResult reports one training cycle.
type TrainResult struct {
	SourcesUpdated int                `json:"sourcesUpdated"`
	SourcesPurged  int                `json:"sourcesPurged"`
	Embeddings     *embedding.Summary `json:"embeddings,omitempty"`
}

// Train purges removed sources, optionally embeds pending chunks, and stamps
// TrainedAt on every ready source whose chunks are all embedded.
func (s *Service) Train(ctx context.Context, agentID string, generateEmbeddings bool) (TrainResult, error) {
	var result TrainResult
	removed, err := s.store.ListSources(ctx, agentID, knowledge.SourceFilter{Status: knowledge.SourceStatusRemoved})
	if err != nil {
		return result, fmt.Errorf("list removed sources: %w", err)
	}
	for _, src := range removed {
		if err := s.store.DeleteSource(ctx, src.ID); err != nil && !errors.Is(err, knowledge.ErrNotFound) {
			return result, fmt.Errorf("purge source %s: %w", src.ID, err)
		}
		result.SourcesPurged++
	}

	if generateEmbeddings {
		summary, err := s.Embed(ctx, agentID)
		if err != nil {
			return result, err
		}
		result.Embeddings = &summary
	}

	ready, err := s.store.ListSources(ctx, agentID, knowledge.SourceFilter{Status: knowledge.SourceStatusReady})
	if err != nil {
		return result, fmt.Errorf("list ready sources: %w", err)
	}
	now := s.clock.Now()
	for _, src := range ready {
		total, err := s.store.CountChunks(ctx, src.ID)
		if err != nil {
			return result, fmt.Errorf("count chunks: %w", err)
		}
		pending, err := s.store.CountUnembedded(ctx, src.ID)
		if err != nil {
			return result, fmt.Errorf("count unembedded: %w", err)
		}
		if total == 0 || pending > 0 {
			continue
		}
		current, err := s.store.GetSource(ctx, src.ID)
		if err != nil || current.Status != knowledge.SourceStatusReady {
			continue
		}
		meta := current.Metadata
		meta.TrainedAt = &now
		_, err = s.store.TransitionSource(ctx, src.ID, knowledge.Transition{
			From:          knowledge.SourceStatusReady,
			To:            knowledge.SourceStatusReady,
			Size:          current.Size,
			Metadata:      meta,
			UpdatedAtMost: &current.UpdatedAt,
		})
		if errors.Is(err, knowledge.ErrStateChanged) || errors.Is(err, knowledge.ErrNotFound) {
			continue
		}
		if err != nil {
			return result, fmt.Errorf("mark trained: %w", err)
		}
		result.SourcesUpdated++
	}
	s.logger.Info("training cycle finished",
		zap.String("agent_id", agentID),
		zap.Int("updated", result.SourcesUpdated),
		zap.Int("purged", result.SourcesPurged),
	)
	return result, nil
}

func (s *Service) checkSeed(ctx context.Context, rawURL string) (string, error) {
	seed, err := weburl.NormalizeSeed(rawURL)
	if err != nil {
		return "", err
	}
	if s.guard != nil {
		if err := s.guard.Check(ctx, seed); err != nil {
			return "", fmt.Errorf("check url: %w", err)
		}
	}
	return seed, nil
}

func (s *Service) create(ctx context.Context, agentID string, typ knowledge.SourceType, name string, meta knowledge.SourceMetadata) (knowledge.Source, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return knowledge.Source{}, fmt.Errorf("generate source id: %w", err)
	}
	return s.createWithID(ctx, id, agentID, typ, name, meta)
}

func (s *Service) createWithID(ctx context.Context, id, agentID string, typ knowledge.SourceType, name string, meta knowledge.SourceMetadata) (knowledge.Source, error) {
	now := s.clock.Now()
	src := knowledge.Source{
		ID:        id,
		AgentID:   agentID,
		Name:      name,
		Type:      typ,
		Status:    knowledge.SourceStatusPending,
		Metadata:  meta,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSource(ctx, src); err != nil {
		return knowledge.Source{}, fmt.Errorf("create source: %w", err)
	}
	s.logger.Info("source registered",
		zap.String("source_id", id),
		zap.String("agent_id", agentID),
		zap.String("type", string(typ)),
	)
	return src, nil
}
