package normalize

import (
	"context"
	"errors"
	"runtime"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/catalog-match/internal/embed"
	"github.com/sells-group/catalog-match/internal/model"
	"github.com/sells-group/catalog-match/internal/resilience"
)

// BatchResult is the outcome of normalizing one batch.
type BatchResult struct {
	Records []model.NormalizedRecord
	Skipped []model.SkippedRecord
}

// Options configures a Normalizer.
type Options struct {
	// Workers bounds parallel field cleaning and embedding calls.
	// Zero means GOMAXPROCS.
	Workers int
	// EmbedBatchSize is the number of titles per embedding call.
	EmbedBatchSize int
	// Retry wraps every embedding call.
	Retry resilience.RetryConfig
}

// Normalizer turns SourceRecords into NormalizedRecords with embeddings.
type Normalizer struct {
	embedder embed.Embedder
	opts     Options
	log      *zap.Logger
}

// New creates a Normalizer around an embedder.
func New(embedder embed.Embedder, opts Options) *Normalizer {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.EmbedBatchSize <= 0 {
		opts.EmbedBatchSize = 64
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger("embedding", "embed")
	}
	opts.Retry.ShouldRetry = embeddingRetryable(opts.Retry.ShouldRetry)
	return &Normalizer{
		embedder: embedder,
		opts:     opts,
		log:      zap.L().With(zap.String("component", "normalizer")),
	}
}

// Dimensions is the embedding length shared by every record.
func (n *Normalizer) Dimensions() int { return n.embedder.Dimensions() }

// ModelID names the embedding model.
func (n *Normalizer) ModelID() string { return n.embedder.ModelID() }

// Clean normalizes the text fields of one record without embedding it. It
// fails with model.ErrMalformedRecord when a required field is missing.
func Clean(rec model.SourceRecord) (model.NormalizedRecord, error) {
	if rec.NativeID == "" {
		return model.NormalizedRecord{}, eris.Wrapf(model.ErrMalformedRecord, "row %d: missing native_id", rec.Row)
	}
	if rec.RawTitle == "" {
		return model.NormalizedRecord{}, eris.Wrapf(model.ErrMalformedRecord, "%s: missing raw_title", rec.NativeID)
	}
	title := Title(rec.RawTitle)
	if title == "" {
		return model.NormalizedRecord{}, eris.Wrapf(model.ErrMalformedRecord, "%s: title %q is empty after normalization", rec.NativeID, rec.RawTitle)
	}

	out := model.NormalizedRecord{
		CatalogID:       rec.CatalogID,
		NativeID:        rec.NativeID,
		RawTitle:        rec.RawTitle,
		TitleNormalized: title,
	}
	if s, ok := Surname(rec.RawAuthor); ok {
		out.AuthorSurname = &s
	}
	if y, ok := Year(rec.RawYear); ok {
		out.YearPoint = &y
	}
	return out, nil
}

// NormalizeBatch cleans and embeds a batch. Malformed records are skipped and
// reported; the batch continues. If the embedding service stays unavailable
// after retries the whole batch fails with model.ErrEmbeddingUnavailable and
// no records are returned.
func (n *Normalizer) NormalizeBatch(ctx context.Context, recs []model.SourceRecord) (*BatchResult, error) {
	start := time.Now()

	cleaned := make([]model.NormalizedRecord, len(recs))
	errs := make([]error, len(recs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.opts.Workers)
	chunk := max(len(recs)/n.opts.Workers, 64)
	for lo := 0; lo < len(recs); lo += chunk {
		hi := min(lo+chunk, len(recs))
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			for i := lo; i < hi; i++ {
				cleaned[i], errs[i] = Clean(recs[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "normalize: clean")
	}

	res := &BatchResult{Records: make([]model.NormalizedRecord, 0, len(recs))}
	for i, err := range errs {
		if err != nil {
			skip := model.SkippedRecord{CatalogID: recs[i].CatalogID, NativeID: recs[i].NativeID, Row: recs[i].Row, Reason: err.Error()}
			res.Skipped = append(res.Skipped, skip)
			n.log.Warn("skipping malformed record",
				zap.String("catalog_id", string(skip.CatalogID)),
				zap.String("native_id", skip.NativeID),
				zap.Int("row", skip.Row),
				zap.Error(err),
			)
			continue
		}
		res.Records = append(res.Records, cleaned[i])
	}

	if err := n.embedAll(ctx, res.Records); err != nil {
		return nil, err
	}

	n.log.Debug("batch normalized",
		zap.Int("records", len(res.Records)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return res, nil
}

// embedAll fills Embedding for every record, embedding each distinct title
// once.
func (n *Normalizer) embedAll(ctx context.Context, recs []model.NormalizedRecord) error {
	var titles []string
	pos := make(map[string]int)
	for _, r := range recs {
		if _, ok := pos[r.TitleNormalized]; !ok {
			pos[r.TitleNormalized] = len(titles)
			titles = append(titles, r.TitleNormalized)
		}
	}

	vecs := make([][]float32, len(titles))
	dims := n.embedder.Dimensions()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.opts.Workers)
	for lo := 0; lo < len(titles); lo += n.opts.EmbedBatchSize {
		hi := min(lo+n.opts.EmbedBatchSize, len(titles))
		g.Go(func() error {
			out, err := resilience.DoVal(gctx, n.opts.Retry, func(ctx context.Context) ([][]float32, error) {
				return n.embedder.Embed(ctx, titles[lo:hi])
			})
			if err != nil {
				return classifyEmbedError(err)
			}
			if err := embed.CheckVectors(out, hi-lo, dims); err != nil {
				return err
			}
			for i, v := range out {
				vecs[lo+i] = embed.Normalize(slices.Clone(v))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i := range recs {
		recs[i].Embedding = vecs[pos[recs[i].TitleNormalized]]
	}
	return nil
}

// embeddingRetryable also retries while the circuit breaker is open.
func embeddingRetryable(base func(error) bool) func(error) bool {
	if base == nil {
		base = resilience.IsTransient
	}
	return func(err error) bool {
		return errors.Is(err, resilience.ErrCircuitOpen) || base(err)
	}
}

func classifyEmbedError(err error) error {
	var ex *resilience.ExhaustedError
	if errors.As(err, &ex) || errors.Is(err, resilience.ErrCircuitOpen) {
		return eris.Wrapf(model.ErrEmbeddingUnavailable, "normalize: %v", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return eris.Wrap(err, "normalize: embed titles")
}
