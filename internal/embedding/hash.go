package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Hash produces deterministic bag-of-words vectors without a network call.
// Texts sharing vocabulary score high cosine similarity, which is enough for
// local development and tests.
type Hash struct {
	model string
	dims  int
}

// NewHash builds a Hash provider.
func NewHash(model string, dims int) *Hash {
	if dims <= 0 {
		dims = 256
	}
	if model == "" {
		model = "hash"
	}
	return &Hash{model: model, dims: dims}
}

// Model implements Provider.
func (h *Hash) Model() string { return h.model }

// Embed implements Provider.
func (h *Hash) Embed(ctx context.Context, texts []string) ([][]float32, Usage, error) {
	if err := ctx.Err(); err != nil {
		return nil, Usage{}, err
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = h.vector(text)
	}
	return vectors, Usage{Tokens: estimateTokens(texts)}, nil
}

func (h *Hash) vector(text string) []float32 {
	vec := make([]float32, h.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		f := fnv.New64a()
		_, _ = f.Write([]byte(w))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dims))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
