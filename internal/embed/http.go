package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/catalog-match/internal/resilience"
)

// HTTPOptions configures HTTPClient.
type HTTPOptions struct {
	URL               string
	Model             string
	APIKey            string
	Dimensions        int
	Timeout           time.Duration
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// HTTPClient calls an OpenAI-style embeddings endpoint:
// POST {"model": ..., "input": [...]} -> {"data": [{"embedding": [...], "index": n}]}.
// It does not retry; callers wrap Embed with resilience.DoVal.
type HTTPClient struct {
	opts    HTTPOptions
	client  *http.Client
	limiter *AdaptiveLimiter
	breaker *resilience.CircuitBreaker
}

// NewHTTPClient creates an embedding client.
func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 10
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	burst := max(int(opts.RequestsPerSecond), 1)
	return &HTTPClient{
		opts:    opts,
		client:  client,
		limiter: NewAdaptiveLimiter(rate.Limit(opts.RequestsPerSecond), burst),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "embedding",
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		}),
	}
}

// Dimensions implements Embedder.
func (c *HTTPClient) Dimensions() int { return c.opts.Dimensions }

// ModelID implements Embedder.
func (c *HTTPClient) ModelID() string { return c.opts.Model }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     *int      `json:"index"`
	} `json:"data"`
}

// Embed implements Embedder. Retryable failures come back as
// *resilience.TransientError.
func (c *HTTPClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) ([][]float32, error) {
		return c.do(ctx, texts)
	})
}

func (c *HTTPClient) do(ctx context.Context, texts []string) ([][]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "embed: rate limiter wait")
	}

	body, err := json.Marshal(embedRequest{Model: c.opts.Model, Input: texts})
	if err != nil {
		return nil, eris.Wrap(err, "embed: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "embed: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "embed: post"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusTooManyRequests {
		c.limiter.OnRateLimit()
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, resilience.StatusError("embed", resp.StatusCode, string(msg))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "embed: decode response"), resp.StatusCode)
	}

	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		pos := i
		if d.Index != nil {
			pos = *d.Index
		}
		if pos < 0 || pos >= len(vecs) {
			return nil, eris.Errorf("embed: response index %d out of range", pos)
		}
		vecs[pos] = Normalize(d.Embedding)
	}
	if err := CheckVectors(vecs, len(texts), c.opts.Dimensions); err != nil {
		return nil, err
	}

	c.limiter.OnSuccess()
	return vecs, nil
}

// AdaptiveLimiter wraps a rate.Limiter that slows down after 429 responses
// and recovers gradually on success, never exceeding its initial rate.
type AdaptiveLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	initial rate.Limit
	min     rate.Limit
	current rate.Limit
}

// NewAdaptiveLimiter creates an adaptive limiter at the given rate.
func NewAdaptiveLimiter(r rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter: rate.NewLimiter(r, burst),
		initial: r,
		min:     r / 8,
		current: r,
	}
}

// Wait blocks until the limiter allows a request.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%, up to the initial rate.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current >= a.initial {
		return
	}
	a.current = min(a.current*1.2, a.initial)
	a.limiter.SetLimit(a.current)
}

// OnRateLimit halves the rate.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = max(a.current*0.5, a.min)
	a.limiter.SetLimit(a.current)
	zap.L().Warn("embedding rate limited, slowing down",
		zap.Float64("new_rate", float64(a.current)),
	)
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}
