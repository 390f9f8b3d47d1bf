package knowledge

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder turns text into a vector. Concrete model providers live outside
// this module and are plugged in through this interface.
type Embedder interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// EmbeddingRequest contains parameters for an embedding request.
type EmbeddingRequest struct {
	Input string
	Model string
}

// EmbeddingResponse contains the embedding vector.
type EmbeddingResponse struct {
	Vector []float32
}

// HashEmbedder is a deterministic local embedder using signed feature hashing
// of lowercase word tokens. Vectors are L2-normalised.
type HashEmbedder struct {
	Dimension int
}

// NewHashEmbedder returns a HashEmbedder (default dimension 256).
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{Dimension: dim}
}

func (h *HashEmbedder) Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dim := h.Dimension
	if dim <= 0 {
		dim = 256
	}
	vec := make([]float32, dim)
	for _, tok := range tokenize(req.Input) {
		f := fnv.New64a()
		_, _ = f.Write([]byte(tok))
		sum := f.Sum64()
		idx := int(sum % uint64(dim))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	normalize(vec)
	return &EmbeddingResponse{Vector: vec}, nil
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
}
