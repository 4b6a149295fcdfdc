package embed

import (
	"context"
	"crypto/sha1" //nolint:gosec // cache key, not a security boundary
	"encoding/hex"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// VectorStore persists embeddings keyed by model and text hash.
type VectorStore interface {
	GetEmbeddings(ctx context.Context, model string, keys []string) (map[string][]float32, error)
	PutEmbeddings(ctx context.Context, model string, vecs map[string][]float32) error
}

// Cached wraps an Embedder with an in-memory map and an optional persistent
// store so each distinct text is embedded once per model.
type Cached struct {
	inner Embedder
	store VectorStore

	mu  sync.RWMutex
	mem map[string][]float32

	hits, misses int
}

// NewCached wraps inner. store may be nil.
func NewCached(inner Embedder, store VectorStore) *Cached {
	return &Cached{inner: inner, store: store, mem: make(map[string][]float32)}
}

// Key returns the cache key for a text.
func Key(text string) string {
	sum := sha1.Sum([]byte(text)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// Dimensions implements Embedder.
func (c *Cached) Dimensions() int { return c.inner.Dimensions() }

// ModelID implements Embedder.
func (c *Cached) ModelID() string { return c.inner.ModelID() }

// Stats returns cache hits and misses so far.
func (c *Cached) Stats() (hits, misses int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}

// Embed implements Embedder.
func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	var missing []string

	c.mu.RLock()
	for i, t := range texts {
		keys[i] = Key(t)
		if v, ok := c.mem[keys[i]]; ok {
			out[i] = v
		} else {
			missing = append(missing, keys[i])
		}
	}
	c.mu.RUnlock()

	if len(missing) > 0 && c.store != nil {
		stored, err := c.store.GetEmbeddings(ctx, c.ModelID(), missing)
		if err != nil {
			zap.L().Warn("embedding cache read failed", zap.Error(err))
		} else if len(stored) > 0 {
			c.remember(stored)
		}
	}

	var (
		todo    []string
		todoIdx []int
		seen    = make(map[string]int)
	)
	c.mu.RLock()
	for i := range texts {
		if out[i] != nil {
			continue
		}
		if v, ok := c.mem[keys[i]]; ok && len(v) == c.Dimensions() {
			out[i] = v
			continue
		}
		if _, dup := seen[keys[i]]; !dup {
			seen[keys[i]] = len(todo)
			todo = append(todo, texts[i])
		}
		todoIdx = append(todoIdx, i)
	}
	c.mu.RUnlock()

	c.mu.Lock()
	c.hits += len(texts) - len(todo)
	c.misses += len(todo)
	c.mu.Unlock()

	if len(todo) == 0 {
		return out, nil
	}

	vecs, err := c.inner.Embed(ctx, todo)
	if err != nil {
		return nil, err
	}
	if err := CheckVectors(vecs, len(todo), c.Dimensions()); err != nil {
		return nil, err
	}

	fresh := make(map[string][]float32, len(todo))
	for j, t := range todo {
		fresh[Key(t)] = vecs[j]
	}
	for _, i := range todoIdx {
		out[i] = vecs[seen[keys[i]]]
	}
	c.remember(fresh)

	if c.store != nil {
		if err := c.store.PutEmbeddings(ctx, c.ModelID(), fresh); err != nil {
			return nil, eris.Wrap(err, "embed: write cache")
		}
	}
	return out, nil
}

func (c *Cached) remember(vecs map[string][]float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range vecs {
		c.mem[k] = v
	}
}
