// Package mock provides a deterministic embedder for tests. No model
// files are needed: each token is feature-hashed into the vector, so
// texts sharing tokens land near each other, which is enough signal for
// retrieval and memoization tests.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Embedder generates deterministic hash-based embeddings.
type Embedder struct {
	dimensions int
}

// New creates a mock embedder with the default 384 dimensions, matching
// all-MiniLM-L6-v2 so it can stand in for the real model.
func New() *Embedder {
	return &Embedder{dimensions: 384}
}

// NewWithDimensions creates a mock embedder with a custom vector size.
func NewWithDimensions(dims int) *Embedder {
	return &Embedder{dimensions: dims}
}

// Embed hashes each lowercased token into one vector component with a
// hash-derived sign, then normalizes. Same text, same vector, always.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimensions)

	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, `.,!?;:"'()[]{}`)
		if token == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(token))
		sum := h.Sum32()

		idx := int(sum % uint32(e.dimensions))
		if sum&1 == 0 {
			vec[idx]++
		} else {
			vec[idx]--
		}
	}

	return normalize(vec), nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// normalize converts the vector to unit length. An all-zero vector (no
// tokens) gets a fixed direction so similarity stays defined.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		if len(vec) > 0 {
			vec[0] = 1
		}
		return vec
	}

	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}
