// Package vectorindex implements a fixed-dimension, append-only vector store
// with exact cosine search and a byte-exact binary snapshot format.
//
// The index targets moderate per-key corpora: search is a full scan.
package vectorindex

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

const initialCapacity = 16

var (
	// ErrDimensionMismatch is returned when a vector length differs from the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrNonMonotonicID is returned when an id is not greater than every id already stored.
	ErrNonMonotonicID = errors.New("record id must increase monotonically")
	// ErrInvalidVector is returned for empty vectors or vectors holding NaN/Inf.
	ErrInvalidVector = errors.New("invalid vector")
)

// Record is a stored vector with its id and timestamp (epoch milliseconds).
type Record struct {
	ID        uint32
	Vector    []float32
	Timestamp float64
}

// Result is a search hit.
type Result struct {
	ID        uint32
	Score     float64
	Timestamp float64
}

// Index is a flat vector index. It is not safe for concurrent use; the owning
// memory actor serializes access.
type Index struct {
	dim      int
	capacity int

	ids        []uint32
	vectors    []float32
	timestamps []float64
	norms      []float64
}

// New creates an empty index. A dim of 0 fixes the dimension on first Add.
func New(dim int) *Index {
	if dim < 0 {
		dim = 0
	}
	return &Index{dim: dim}
}

// Dim returns the vector dimension, 0 while unset.
func (x *Index) Dim() int { return x.dim }

// Len returns the number of stored records.
func (x *Index) Len() int { return len(x.ids) }

// Cap returns the allocated record capacity.
func (x *Index) Cap() int { return x.capacity }

// LastID returns the largest stored id and false when the index is empty.
func (x *Index) LastID() (uint32, bool) {
	if len(x.ids) == 0 {
		return 0, false
	}
	return x.ids[len(x.ids)-1], true
}

// Add appends a record. The vector is copied.
func (x *Index) Add(id uint32, vector []float32, timestamp float64) error {
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty vector", ErrInvalidVector)
	}
	if x.dim == 0 {
		x.dim = len(vector)
	}
	if len(vector) != x.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), x.dim)
	}
	if last, ok := x.LastID(); ok && id <= last {
		return fmt.Errorf("%w: id %d after %d", ErrNonMonotonicID, id, last)
	}
	if math.IsNaN(timestamp) || math.IsInf(timestamp, 0) {
		return fmt.Errorf("%w: timestamp is not finite", ErrInvalidVector)
	}

	var sum float64
	for i, v := range vector {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite value at index %d", ErrInvalidVector, i)
		}
		sum += f * f
	}

	if len(x.ids) == x.capacity {
		x.grow()
	}
	x.ids = append(x.ids, id)
	x.vectors = append(x.vectors, vector...)
	x.timestamps = append(x.timestamps, timestamp)
	x.norms = append(x.norms, math.Sqrt(sum))
	return nil
}

// grow doubles the record capacity.
func (x *Index) grow() {
	newCap := x.capacity * 2
	if newCap < initialCapacity {
		newCap = initialCapacity
	}
	x.reserve(newCap)
}

func (x *Index) reserve(capacity int) {
	size := len(x.ids)

	ids := make([]uint32, size, capacity)
	copy(ids, x.ids)
	vectors := make([]float32, size*x.dim, capacity*x.dim)
	copy(vectors, x.vectors)
	timestamps := make([]float64, size, capacity)
	copy(timestamps, x.timestamps)
	norms := make([]float64, size, capacity)
	copy(norms, x.norms)

	x.ids, x.vectors, x.timestamps, x.norms = ids, vectors, timestamps, norms
	x.capacity = capacity
}

// Search returns up to k records ranked by cosine similarity to query.
func (x *Index) Search(query []float32, k int) ([]Result, error) {
	return x.search(query, k, math.Inf(-1))
}

// SearchSince is Search restricted to records with timestamp >= minTimestamp.
func (x *Index) SearchSince(query []float32, k int, minTimestamp float64) ([]Result, error) {
	return x.search(query, k, minTimestamp)
}

func (x *Index) search(query []float32, k int, minTimestamp float64) ([]Result, error) {
	if k <= 0 || len(x.ids) == 0 {
		return nil, nil
	}
	if len(query) != x.dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(query), x.dim)
	}

	var qsum float64
	for _, v := range query {
		qsum += float64(v) * float64(v)
	}
	qnorm := math.Sqrt(qsum)

	results := make([]Result, 0, len(x.ids))
	for i, id := range x.ids {
		ts := x.timestamps[i]
		if ts < minTimestamp {
			continue
		}
		results = append(results, Result{
			ID:        id,
			Score:     x.cosine(i, query, qnorm),
			Timestamp: ts,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// cosine scores record i against query. Zero-norm vectors score 0.
func (x *Index) cosine(i int, query []float32, qnorm float64) float64 {
	norm := x.norms[i]
	if norm == 0 || qnorm == 0 {
		return 0
	}
	vec := x.vectors[i*x.dim : (i+1)*x.dim]
	var dot float64
	for j, v := range vec {
		dot += float64(v) * float64(query[j])
	}
	score := dot / (norm * qnorm)
	if score > 1 {
		score = 1
	} else if score < -1 {
		score = -1
	}
	return score
}

// Records returns copies of all records ordered by id.
func (x *Index) Records() []Record {
	out := make([]Record, len(x.ids))
	for i, id := range x.ids {
		vec := make([]float32, x.dim)
		copy(vec, x.vectors[i*x.dim:(i+1)*x.dim])
		out[i] = Record{ID: id, Vector: vec, Timestamp: x.timestamps[i]}
	}
	return out
}
