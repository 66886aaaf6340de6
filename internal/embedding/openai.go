package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/JakeFAU/rag-pipeline/internal/retry"
)

// OpenAIConfig configures the /embeddings HTTP client.
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	Client     *http.Client
}

// OpenAI calls an OpenAI-compatible /embeddings endpoint and reports billed tokens.
type OpenAI struct {
	cfg      OpenAIConfig
	endpoint string
}

type openAIRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewOpenAI validates cfg and builds the client.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai embeddings require an api key")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai embeddings require a model")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	return &OpenAI{cfg: cfg, endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/embeddings"}, nil
}

// Model implements Provider.
func (o *OpenAI) Model() string { return o.cfg.Model }

// Embed implements Provider. Client errors other than 429 are permanent.
func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, Usage, error) {
	payload, err := json.Marshal(openAIRequest{Input: texts, Model: o.cfg.Model, Dimensions: o.cfg.Dimensions})
	if err != nil {
		return nil, Usage{}, retry.Permanent(fmt.Errorf("marshal embeddings request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, Usage{}, retry.Permanent(fmt.Errorf("new embeddings request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	resp, err := o.cfg.Client.Do(req)
	if err != nil {
		return nil, Usage{}, fmt.Errorf("call embeddings endpoint: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, Usage{}, fmt.Errorf("read embeddings response: %w", err)
	}

	var decoded openAIResponse
	decodeErr := json.Unmarshal(body, &decoded)
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if decodeErr == nil && decoded.Error != nil {
			msg = decoded.Error.Message
		}
		err := fmt.Errorf("embeddings endpoint returned %d: %s", resp.StatusCode, msg)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, Usage{}, retry.Permanent(err)
		}
		return nil, Usage{}, err
	}
	if decodeErr != nil {
		return nil, Usage{}, fmt.Errorf("decode embeddings response: %w", decodeErr)
	}
	if len(decoded.Data) != len(texts) {
		return nil, Usage{}, fmt.Errorf("embeddings endpoint returned %d vectors for %d inputs", len(decoded.Data), len(texts))
	}

	sort.Slice(decoded.Data, func(i, j int) bool { return decoded.Data[i].Index < decoded.Data[j].Index })
	vectors := make([][]float32, len(decoded.Data))
	for i, d := range decoded.Data {
		vectors[i] = d.Embedding
	}
	tokens := decoded.Usage.TotalTokens
	if tokens == 0 {
		tokens = decoded.Usage.PromptTokens
	}
	return vectors, Usage{Tokens: tokens}, nil
}
