// Package candidate proposes A/B record pairs by nearest-neighbor search over
// title embeddings.
package candidate

import (
	"context"
	"runtime"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/catalog-match/internal/index"
	"github.com/sells-group/catalog-match/internal/model"
)

// Options configures candidate generation.
type Options struct {
	K             int
	MinSimilarity float64
	IndexKind     string
	Workers       int
}

// Generator builds an index over catalog B and queries it for every A-record.
type Generator struct {
	opts Options
	log  *zap.Logger
}

// New creates a Generator. K defaults to 5 and Workers to GOMAXPROCS.
func New(opts Options) *Generator {
	if opts.K <= 0 {
		opts.K = 5
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.IndexKind == "" {
		opts.IndexKind = index.KindVPTree
	}
	return &Generator{opts: opts, log: zap.L().With(zap.String("component", "candidate"))}
}

// Generate returns, for each A-record in input order, at most K candidates
// with similarity >= MinSimilarity, sorted by descending similarity. The
// index build completes before any query starts. Index failures wrap
// model.ErrIndexBuild.
func (g *Generator) Generate(ctx context.Context, a, b []model.NormalizedRecord) ([]model.Candidate, error) {
	start := time.Now()

	vecs := make([][]float32, len(b))
	for i := range b {
		vecs[i] = b[i].Embedding
	}
	idx, err := index.Build(g.opts.IndexKind, vecs)
	if err != nil {
		return nil, eris.Wrapf(err, "candidate: build %s index over %d records", g.opts.IndexKind, len(b))
	}
	g.log.Info("index built",
		zap.String("kind", g.opts.IndexKind),
		zap.Int("records", idx.Len()),
		zap.Int("dimensions", idx.Dimensions()),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	if len(b) > 0 {
		for i := range a {
			if len(a[i].Embedding) != idx.Dimensions() {
				return nil, eris.Wrapf(model.ErrIndexBuild,
					"candidate: record %s has %d dimensions, index has %d",
					a[i].NativeID, len(a[i].Embedding), idx.Dimensions())
			}
		}
	}

	perA := make([][]model.Candidate, len(a))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.opts.Workers)
	chunk := max(len(a)/(g.opts.Workers*4), 32)
	for lo := 0; lo < len(a); lo += chunk {
		hi := min(lo+chunk, len(a))
		eg.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for i := lo; i < hi; i++ {
				perA[i] = g.query(idx, &a[i], b)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, eris.Wrap(err, "candidate: query")
	}

	var out []model.Candidate
	for _, cs := range perA {
		out = append(out, cs...)
	}

	g.log.Info("candidates generated",
		zap.Int("a_records", len(a)),
		zap.Int("candidates", len(out)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return out, nil
}

func (g *Generator) query(idx index.Index, rec *model.NormalizedRecord, b []model.NormalizedRecord) []model.Candidate {
	hits := idx.Search(rec.Embedding, g.opts.K, g.opts.MinSimilarity)
	if len(hits) == 0 {
		return nil
	}
	out := make([]model.Candidate, len(hits))
	for i, h := range hits {
		out[i] = model.Candidate{
			ANativeID:       rec.NativeID,
			BNativeID:       b[h.ID].NativeID,
			TitleSimilarity: h.Score,
			Rank:            i + 1,
		}
	}
	return out
}
