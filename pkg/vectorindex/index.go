// Package vectorindex is an in-process vector index: brute-force cosine
// search over float32 vectors with per-entry payloads that can be filtered
// with the shared filter language.
package vectorindex

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/fademem/fademem/pkg/filter"
)

var (
	// ErrDimensionMismatch is returned when a vector does not match the
	// index dimension.
	ErrDimensionMismatch = errors.New("vectorindex: dimension mismatch")
	// ErrNotFound is returned by Get for unknown ids.
	ErrNotFound = errors.New("vectorindex: not found")
)

// Hit is one search result.
type Hit struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Entry is a stored vector with its payload.
type Entry struct {
	ID      string
	Vector  []float64
	Payload map[string]any
}

// Index is the contract the engine consumes.
type Index interface {
	Dimension() int
	Insert(ids []string, vectors [][]float64, payloads []map[string]any) error
	Update(id string, vector []float64, payload map[string]any) error
	Delete(id string)
	Get(id string) (Entry, error)
	Search(query []float64, limit int, f filter.Filter) ([]Hit, error)
	Reset()
	Len() int
}

// Flat is a brute-force Index. For large collections it can be replaced with
// an HNSW implementation behind the same interface.
type Flat struct {
	mu        sync.RWMutex
	dimension int
	vectors   map[string][]float32
	payloads  map[string]map[string]any
}

// New creates an empty index with the given dimension.
func New(dimension int) *Flat {
	return &Flat{
		dimension: dimension,
		vectors:   make(map[string][]float32),
		payloads:  make(map[string]map[string]any),
	}
}

// Dimension returns the vector length the index accepts.
func (v *Flat) Dimension() int {
	return v.dimension
}

// Insert adds vectors. Payloads may be nil or shorter than ids.
func (v *Flat) Insert(ids []string, vectors [][]float64, payloads []map[string]any) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("vectorindex: %d ids for %d vectors", len(ids), len(vectors))
	}
	converted := make([][]float32, len(vectors))
	for i, vec := range vectors {
		if len(vec) != v.dimension {
			return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, v.dimension, len(vec))
		}
		converted[i] = toFloat32(vec)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for i, id := range ids {
		v.vectors[id] = converted[i]
		var p map[string]any
		if i < len(payloads) {
			p = clonePayload(payloads[i])
		}
		v.payloads[id] = p
	}
	return nil
}

// Update replaces the vector and payload of id. A nil vector keeps the stored
// one and only replaces the payload.
func (v *Flat) Update(id string, vector []float64, payload map[string]any) error {
	if vector != nil && len(vector) != v.dimension {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, v.dimension, len(vector))
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if vector == nil {
		if _, ok := v.vectors[id]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
	} else {
		v.vectors[id] = toFloat32(vector)
	}
	v.payloads[id] = clonePayload(payload)
	return nil
}

// Delete removes id. Unknown ids are ignored.
func (v *Flat) Delete(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.vectors, id)
	delete(v.payloads, id)
}

// Get returns a copy of the stored entry.
func (v *Flat) Get(id string) (Entry, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	vec, ok := v.vectors[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return Entry{ID: id, Vector: toFloat64(vec), Payload: clonePayload(v.payloads[id])}, nil
}

// Search returns up to limit entries matching f, most similar first. Ties are
// ordered by id.
func (v *Flat) Search(query []float64, limit int, f filter.Filter) ([]Hit, error) {
	if len(query) != v.dimension {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, v.dimension, len(query))
	}
	q := toFloat32(query)

	v.mu.RLock()
	defer v.mu.RUnlock()

	results := make([]Hit, 0, len(v.vectors))
	for id, vec := range v.vectors {
		payload := v.payloads[id]
		if len(f) > 0 && !f.Match(payload) {
			continue
		}
		results = append(results, Hit{ID: id, Score: cosine32(q, vec), Payload: payload})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if limit > 0 && limit < len(results) {
		results = results[:limit]
	}
	for i := range results {
		results[i].Payload = clonePayload(results[i].Payload)
	}
	return results, nil
}

// Reset drops every entry.
func (v *Flat) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vectors = make(map[string][]float32)
	v.payloads = make(map[string]map[string]any)
}

// Len returns the number of vectors in the index.
func (v *Flat) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.vectors)
}

// Cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector is zero.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

func cosine32(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
