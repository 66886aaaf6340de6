package embedding

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangChain embeds through langchaingo against any OpenAI-compatible host.
// The library does not surface billed tokens, so usage is estimated.
type LangChain struct {
	embedder embeddings.Embedder
	model    string
}

// NewLangChain builds the embedder. An empty token is sent as "none" for local hosts.
func NewLangChain(baseURL, token, model string) (*LangChain, error) {
	if model == "" {
		return nil, fmt.Errorf("langchain embeddings require a model")
	}
	if token == "" {
		token = "none"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create langchain client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("create langchain embedder: %w", err)
	}
	return &LangChain{embedder: embedder, model: model}, nil
}

// Model implements Provider.
func (l *LangChain) Model() string { return l.model }

// Embed implements Provider.
func (l *LangChain) Embed(ctx context.Context, texts []string) ([][]float32, Usage, error) {
	vectors, err := l.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, Usage{}, fmt.Errorf("embed documents: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, Usage{}, fmt.Errorf("embedder returned %d vectors for %d inputs", len(vectors), len(texts))
	}
	return vectors, Usage{Tokens: estimateTokens(texts)}, nil
}
