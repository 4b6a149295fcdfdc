// Package embed turns titles into fixed-length, L2-normalized vectors using a
// sentence-embedding model.
package embed

import (
	"context"
	"math"

	"github.com/rotisserie/eris"
)

// Embedder computes sentence embeddings. Implementations return one vector
// per input text, each of length Dimensions() and unit L2 norm.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelID() string
}

// Normalize scales v to unit L2 norm in place and returns it. Zero vectors
// are returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		v[i] = float32(float64(x) * inv)
	}
	return v
}

// Dot returns the inner product of two equal-length vectors. For unit
// vectors it equals cosine similarity.
func Dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// Similarity is the cosine similarity of two unit vectors clamped to [0,1].
// Negative correlation carries no title evidence.
func Similarity(a, b []float32) float64 {
	s := Dot(a, b)
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

// CheckVectors verifies count and dimensionality of an embedding response.
func CheckVectors(vecs [][]float32, n, dims int) error {
	if len(vecs) != n {
		return eris.Errorf("embed: got %d vectors for %d texts", len(vecs), n)
	}
	for i, v := range vecs {
		if len(v) != dims {
			return eris.Errorf("embed: vector %d has %d dimensions, want %d", i, len(v), dims)
		}
		for _, x := range v {
			if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
				return eris.Errorf("embed: vector %d has non-finite values", i)
			}
		}
	}
	return nil
}
