package embed

import (
	"context"
	"encoding/json"
	"math"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/catalog-match/internal/resilience"
)

func norm2(v []float32) float64 {
	return math.Sqrt(Dot(v, v))
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := Normalize([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}

func TestSimilaritySymmetric(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for range 200 {
		a := make([]float32, 32)
		b := make([]float32, 32)
		for i := range a {
			a[i] = float32(rng.NormFloat64())
			b[i] = float32(rng.NormFloat64())
		}
		Normalize(a)
		Normalize(b)
		assert.InDelta(t, Similarity(a, b), Similarity(b, a), 1e-12)
		s := Similarity(a, b)
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	h := NewHashEmbedder(128)
	assert.Equal(t, 128, h.Dimensions())
	assert.Equal(t, "hash-trigram-128", h.ModelID())

	v1, err := h.Embed(context.Background(), []string{"de revolutionibus orbium coelestium"})
	require.NoError(t, err)
	v2, err := h.Embed(context.Background(), []string{"de revolutionibus orbium coelestium"})
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.InDelta(t, 1.0, norm2(v1[0]), 1e-5)
}

func TestHashEmbedder_SimilarTitlesCloser(t *testing.T) {
	h := NewHashEmbedder(384)
	vecs, err := h.Embed(context.Background(), []string{
		"theologia platonica de immortalitate animorum",
		"theologia platonica de immortalitate animae",
		"sidereus nuncius",
	})
	require.NoError(t, err)

	near := Similarity(vecs[0], vecs[1])
	far := Similarity(vecs[0], vecs[2])
	assert.Greater(t, near, far)
	assert.Greater(t, near, 0.75)
}

func TestHashEmbedder_SymmetricUnderSwap(t *testing.T) {
	h := NewHashEmbedder(256)
	titles := []string{"opera omnia", "opera", "elementa geometriae", "euclidis elementorum libri xv"}
	vecs, err := h.Embed(context.Background(), titles)
	require.NoError(t, err)
	for i := range vecs {
		for j := range vecs {
			assert.InDelta(t, Similarity(vecs[i], vecs[j]), Similarity(vecs[j], vecs[i]), 1e-9)
		}
	}
}

func newEmbedServer(t *testing.T, dims int, handler func(w http.ResponseWriter, r *http.Request) bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if handler != nil && !handler(w, r) {
			return
		}
		resp := map[string]any{}
		data := make([]map[string]any, len(req.Input))
		// Respond in reverse order to exercise the index field.
		for i := range req.Input {
			j := len(req.Input) - 1 - i
			vec := make([]float32, dims)
			vec[j%dims] = 2
			data[i] = map[string]any{"embedding": vec, "index": j}
		}
		resp["data"] = data
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClient_Embed(t *testing.T) {
	authCh := make(chan string, 1)
	srv := newEmbedServer(t, 4, func(_ http.ResponseWriter, r *http.Request) bool {
		authCh <- r.Header.Get("Authorization")
		return true
	})

	c := NewHTTPClient(HTTPOptions{URL: srv.URL, Model: "mini", APIKey: "secret", Dimensions: 4, RequestsPerSecond: 100})
	vecs, err := c.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	assert.Equal(t, "Bearer secret", <-authCh)
	// Vectors are normalized and placed by index.
	assert.Equal(t, []float32{1, 0, 0, 0}, vecs[0])
	assert.Equal(t, []float32{0, 1, 0, 0}, vecs[1])
	assert.Equal(t, []float32{0, 0, 1, 0}, vecs[2])
	assert.Equal(t, "mini", c.ModelID())
}

func TestHTTPClient_TransientStatus(t *testing.T) {
	srv := newEmbedServer(t, 4, func(w http.ResponseWriter, _ *http.Request) bool {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
		return false
	})

	c := NewHTTPClient(HTTPOptions{URL: srv.URL, Dimensions: 4, RequestsPerSecond: 100})
	_, err := c.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestHTTPClient_PermanentStatus(t *testing.T) {
	srv := newEmbedServer(t, 4, func(w http.ResponseWriter, _ *http.Request) bool {
		http.Error(w, "bad model", http.StatusBadRequest)
		return false
	})

	c := NewHTTPClient(HTTPOptions{URL: srv.URL, Dimensions: 4, RequestsPerSecond: 100})
	_, err := c.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
	assert.Contains(t, err.Error(), "bad model")
}

func TestHTTPClient_DimensionMismatch(t *testing.T) {
	srv := newEmbedServer(t, 3, nil)

	c := NewHTTPClient(HTTPOptions{URL: srv.URL, Dimensions: 4, RequestsPerSecond: 100})
	_, err := c.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimensions")
}

func TestHTTPClient_RateLimitedSlowsDown(t *testing.T) {
	var calls atomic.Int32
	srv := newEmbedServer(t, 4, func(w http.ResponseWriter, _ *http.Request) bool {
		if calls.Add(1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return false
		}
		return true
	})

	c := NewHTTPClient(HTTPOptions{URL: srv.URL, Dimensions: 4, RequestsPerSecond: 100})
	_, err := c.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Less(t, float64(c.limiter.Limit()), 100.0)

	_, err = c.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
}

func TestAdaptiveLimiter(t *testing.T) {
	a := NewAdaptiveLimiter(rate.Limit(10), 10)
	a.OnRateLimit()
	assert.InDelta(t, 5.0, float64(a.Limit()), 0.001)
	a.OnSuccess()
	assert.InDelta(t, 6.0, float64(a.Limit()), 0.001)
	for range 20 {
		a.OnSuccess()
	}
	assert.InDelta(t, 10.0, float64(a.Limit()), 0.001)
	for range 20 {
		a.OnRateLimit()
	}
	assert.InDelta(t, 1.25, float64(a.Limit()), 0.001)
}

type countingEmbedder struct {
	*HashEmbedder
	mu    sync.Mutex
	texts []string
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	c.texts = append(c.texts, texts...)
	c.mu.Unlock()
	return c.HashEmbedder.Embed(ctx, texts)
}

type memVectorStore struct {
	mu   sync.Mutex
	data map[string][]float32
}

func (m *memVectorStore) GetEmbeddings(_ context.Context, model string, keys []string) (map[string][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string][]float32{}
	for _, k := range keys {
		if v, ok := m.data[model+"/"+k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *memVectorStore) PutEmbeddings(_ context.Context, model string, vecs map[string][]float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range vecs {
		m.data[model+"/"+k] = v
	}
	return nil
}

func TestCached_EmbedsEachTextOnce(t *testing.T) {
	inner := &countingEmbedder{HashEmbedder: NewHashEmbedder(64)}
	store := &memVectorStore{data: map[string][]float32{}}
	c := NewCached(inner, store)

	v1, err := c.Embed(context.Background(), []string{"opera", "opera", "elementa"})
	require.NoError(t, err)
	require.Len(t, v1, 3)
	assert.Equal(t, v1[0], v1[1])
	assert.Equal(t, []string{"opera", "elementa"}, inner.texts)

	v2, err := c.Embed(context.Background(), []string{"elementa", "nuncius"})
	require.NoError(t, err)
	assert.Equal(t, v1[2], v2[0])
	assert.Equal(t, []string{"opera", "elementa", "nuncius"}, inner.texts)

	hits, misses := c.Stats()
	assert.Equal(t, 2, hits)
	assert.Equal(t, 3, misses)

	// A fresh cache over the same store reads persisted vectors.
	inner2 := &countingEmbedder{HashEmbedder: NewHashEmbedder(64)}
	c2 := NewCached(inner2, store)
	v3, err := c2.Embed(context.Background(), []string{"opera", "nuncius"})
	require.NoError(t, err)
	assert.Empty(t, inner2.texts)
	assert.Equal(t, v1[0], v3[0])
}
