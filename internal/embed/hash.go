package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
)

// HashEmbedder is a deterministic, offline embedder that hashes character
// trigrams and whole words into a fixed number of signed buckets. Titles that
// share most of their spelling land close together; it has no notion of
// translation or synonymy.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hash embedder with dims buckets.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &HashEmbedder{dims: dims}
}

// Dimensions implements Embedder.
func (h *HashEmbedder) Dimensions() int { return h.dims }

// ModelID implements Embedder.
func (h *HashEmbedder) ModelID() string { return fmt.Sprintf("hash-trigram-%d", h.dims) }

// Embed implements Embedder.
func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if i%256 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	v := make([]float32, h.dims)
	for _, word := range strings.Fields(text) {
		h.add(v, "w:"+word, 1)
		padded := []rune(" " + word + " ")
		for i := 0; i+3 <= len(padded); i++ {
			h.add(v, string(padded[i:i+3]), 1)
		}
	}
	return Normalize(v)
}

func (h *HashEmbedder) add(v []float32, feature string, w float32) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dims))
	if sum>>63 == 1 {
		w = -w
	}
	v[idx] += w
}
