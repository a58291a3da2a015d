// Package vecstore implements the per-document vector index: a flat store
// of (chunk text, key, embedding) rows searched by inner product. Persisted
// form is a directory holding chunk metadata as JSON and the raw vectors as
// a flat float32 file that is memory-mapped on load.
package vecstore

import (
	"fmt"
	"os"
	"sort"

	"github.com/edsrzf/mmap-go"
)

// Chunk is one embedded unit: the body text of a markdown block plus the
// key map key naming the tree node it came from.
type Chunk struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// Result is one similarity hit. Scores are inner products of L2-normalized
// vectors, so they live on a bounded [-1, 1] scale.
type Result struct {
	Key   string  `json:"key"`
	Text  string  `json:"text"`
	Score float32 `json:"score"`
}

// Store holds one document's index. A store built in memory owns its vector
// rows; a store loaded from disk reads rows out of a memory-mapped file and
// must be Closed to release the mapping.
type Store struct {
	chunks  []Chunk
	vectors [][]float32 // heap-backed rows (built stores)
	dim     int

	mapped mmap.MMap // non-nil for loaded stores
	raw    []float32 // float32 view over mapped
	file   *os.File
}

// New builds an in-memory store. Chunks and vectors correspond by index.
func New(chunks []Chunk, vectors [][]float32) (*Store, error) {
	if len(chunks) != len(vectors) {
		return nil, fmt.Errorf("chunk/vector length mismatch: %d vs %d", len(chunks), len(vectors))
	}
	s := &Store{chunks: chunks, vectors: vectors}
	for i, v := range vectors {
		if s.dim == 0 {
			s.dim = len(v)
		}
		if len(v) != s.dim {
			return nil, fmt.Errorf("vector %d: dimension %d, want %d", i, len(v), s.dim)
		}
	}
	return s, nil
}

// Len returns the number of indexed chunks.
func (s *Store) Len() int { return len(s.chunks) }

// Dim returns the embedding dimension (0 for an empty store).
func (s *Store) Dim() int { return s.dim }

func (s *Store) row(i int) []float32 {
	if s.raw != nil {
		return s.raw[i*s.dim : (i+1)*s.dim]
	}
	return s.vectors[i]
}

// Search scores every row against the query vector and returns the topK
// best hits in descending score order. topK <= 0 selects a default of 5.
func (s *Store) Search(query []float32, topK int) []Result {
	if topK <= 0 {
		topK = 5
	}
	if len(s.chunks) == 0 || len(query) != s.dim {
		return nil
	}

	results := make([]Result, 0, len(s.chunks))
	for i := range s.chunks {
		results = append(results, Result{
			Key:   s.chunks[i].Key,
			Text:  s.chunks[i].Text,
			Score: dot(query, s.row(i)),
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if topK < len(results) {
		results = results[:topK]
	}
	return results
}

// Merge appends another store's rows. Rows are copied, so the other store
// may be closed afterwards.
func (s *Store) Merge(other *Store) error {
	if other.Len() == 0 {
		return nil
	}
	if s.dim == 0 {
		s.dim = other.dim
	}
	if other.dim != s.dim {
		return fmt.Errorf("merge dimension mismatch: %d vs %d", other.dim, s.dim)
	}
	if s.raw != nil {
		return fmt.Errorf("cannot merge into a memory-mapped store")
	}
	for i := range other.chunks {
		v := make([]float32, s.dim)
		copy(v, other.row(i))
		s.chunks = append(s.chunks, other.chunks[i])
		s.vectors = append(s.vectors, v)
	}
	return nil
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
