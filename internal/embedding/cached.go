package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CachedEmbedder memoizes query embeddings. Repeated questions within a
// conversation skip the embedding round trip.
type CachedEmbedder struct {
	inner Embedder
	cache *ristretto.Cache
}

// NewCachedEmbedder wraps inner with a cache bounded to roughly maxBytes of
// vector data.
func NewCachedEmbedder(inner Embedder, maxBytes int64) (*CachedEmbedder, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	entries := maxBytes / int64(4*inner.Dimension()+1)
	if entries < 100 {
		entries = 100
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: entries * 10,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedEmbedder{inner: inner, cache: c}, nil
}

// Dimension returns the inner embedder's dimension.
func (e *CachedEmbedder) Dimension() int { return e.inner.Dimension() }

// Embed returns a cached vector or asks the inner embedder. Callers get
// their own copy of the vector.
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if v, ok := e.cache.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return clone(vec), nil
		}
	}

	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Set(key, clone(vec), int64(4*len(vec)))
	return vec, nil
}

// Unwrap returns the embedder behind the cache.
func (e *CachedEmbedder) Unwrap() Embedder { return e.inner }

// Wait blocks until pending cache writes are applied.
func (e *CachedEmbedder) Wait() { e.cache.Wait() }

// Close releases the cache.
func (e *CachedEmbedder) Close() { e.cache.Close() }

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func clone(vec []float32) []float32 {
	out := make([]float32, len(vec))
	copy(out, vec)
	return out
}
