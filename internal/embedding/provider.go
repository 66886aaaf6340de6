// Package embedding turns chunk text into vectors and records what it cost.
package embedding

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/JakeFAU/rag-pipeline/internal/config"
)

// Usage is the token count a provider billed for one call.
type Usage struct {
	Tokens int
}

// Provider embeds a batch of texts, returning one vector per input in order.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, Usage, error)
	Model() string
}

// Provider names accepted in configuration.
const (
	ProviderOpenAI    = "openai"
	ProviderLangChain = "langchain"
	ProviderHash      = "hash"
)

// NewProvider builds the provider named in cfg.
func NewProvider(cfg config.EmbeddingConfig) (Provider, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		return NewOpenAI(OpenAIConfig{
			BaseURL:    cfg.BaseURL,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Client:     &http.Client{Timeout: 60 * time.Second},
		})
	case ProviderLangChain:
		return NewLangChain(cfg.BaseURL, cfg.APIKey, cfg.Model)
	case ProviderHash, "":
		return NewHash(cfg.Model, cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// estimateTokens approximates provider tokenization at four bytes per token.
func estimateTokens(texts []string) int {
	total := 0
	for _, t := range texts {
		total += (len(t) + 3) / 4
	}
	return total
}
