// Package embedding provides the text embedders used to vectorize chunks
// and queries.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"

	mrerrors "github.com/John-Rood/MemoryRouter-sub003/pkg/errors"
)

// Embedder turns text into a fixed-length vector. Implementations return an
// error rather than a partial or zero vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimension returns the length of every vector Embed produces.
	Dimension() int
}

// BatchEmbedder is implemented by embedders that can vectorize several
// texts in one round trip.
type BatchEmbedder interface {
	Embedder
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ErrInvalidEmbedding is returned by Validate for zero or non-finite vectors.
var ErrInvalidEmbedding = errors.New("invalid embedding")

// Validate checks that vec has length dim, holds only finite values and is
// not all zeros.
func Validate(vec []float32, dim int) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty vector", ErrInvalidEmbedding)
	}
	if dim > 0 && len(vec) != dim {
		return mrerrors.NewDimensionMismatch(dim, len(vec))
	}
	nonZero := false
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite value at index %d", ErrInvalidEmbedding, i)
		}
		if v != 0 {
			nonZero = true
		}
	}
	if !nonZero {
		return fmt.Errorf("%w: zero vector", ErrInvalidEmbedding)
	}
	return nil
}

// EmbedAll embeds texts in order, batching when e supports it.
func EmbedAll(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if b, ok := e.(BatchEmbedder); ok {
		return b.EmbedBatch(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}
