package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode"
)

// HashEmbedder builds deterministic vectors by feature hashing the words of
// a text into dim buckets. Texts sharing words get similar vectors, which is
// enough for local development and tests without an embedding service.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a HashEmbedder producing dim-length vectors.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

// Dimension returns the vector length.
func (e *HashEmbedder) Dimension() int { return e.dim }

// Embed hashes every lower-cased word into a signed bucket and normalizes
// the result to unit length.
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(words) == 0 {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("hash embedder: empty text")
		}
		words = []string{text}
	}

	vec := make([]float32, e.dim)
	for _, w := range words {
		sum := sha256.Sum256([]byte(w))
		bucket := binary.LittleEndian.Uint32(sum[0:4]) % uint32(e.dim)
		if sum[4]&1 == 0 {
			vec[bucket]++
		} else {
			vec[bucket]--
		}
	}
	normalize(vec)
	if err := Validate(vec, e.dim); err != nil {
		// Every word landed in buckets that cancelled out; fall back to
		// the whole-text hash so the vector is never zero.
		sum := sha256.Sum256([]byte(text))
		vec[binary.LittleEndian.Uint32(sum[0:4])%uint32(e.dim)] = 1
	}
	return vec, nil
}
