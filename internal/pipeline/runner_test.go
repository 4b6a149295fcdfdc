package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-match/internal/config"
	"github.com/sells-group/catalog-match/internal/embed"
	"github.com/sells-group/catalog-match/internal/model"
	"github.com/sells-group/catalog-match/internal/normalize"
	"github.com/sells-group/catalog-match/internal/resilience"
	"github.com/sells-group/catalog-match/internal/store"
)

const catalogA = `id,title,author,year
a5,Zzyzx qwerty vvv,Smith,1700
a1,De Revolutionibus Orbium Coelestium,"Copernicus, Nicolaus",1543
a2,Theologia Platonica,"Ficino, Marsilio",
a3,Sidereus Nuncius,Galilei,1610
a4,,Nobody,1600
a1,Duplicate Entry,Someone,1500
`

const catalogB = `id,title,author,year
b1,De revolutionibus orbium coelestium,Copernicus,1566
b2,Theologia platonica,Ficinus,
b3,Sidereus nuncius,Galileo,1610
b4,Historia animalium,Gesner,1551
`

// flakyEmbedder fails with a transient error for any batch containing
// trigger while broken is set, and records every text it embeds.
type flakyEmbedder struct {
	*embed.HashEmbedder
	trigger string

	mu     sync.Mutex
	broken bool
	texts  []string
	onCall func()
}

func (f *flakyEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	if f.onCall != nil {
		f.onCall()
	}
	if f.broken {
		for _, t := range texts {
			if strings.Contains(t, f.trigger) {
				f.mu.Unlock()
				return nil, resilience.NewTransientError(errors.New("model server unavailable"), 503)
			}
		}
	}
	f.texts = append(f.texts, texts...)
	f.mu.Unlock()
	return f.HashEmbedder.Embed(ctx, texts)
}

func (f *flakyEmbedder) setBroken(b bool) {
	f.mu.Lock()
	f.broken = b
	f.mu.Unlock()
}

func (f *flakyEmbedder) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func writeCatalog(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestRunner(t *testing.T, emb embed.Embedder) (*Runner, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	retry := resilience.DefaultRetryConfig()
	retry.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	norm := normalize.New(emb, normalize.Options{Workers: 2, EmbedBatchSize: 8, Retry: retry})
	return New(st, norm, Options{BatchSize: 2, Workers: 2}), st
}

func testParams(t *testing.T) model.RunParams {
	t.Helper()
	return model.RunParams{
		CatalogA:             "bnf",
		CatalogB:             "estc",
		PathA:                writeCatalog(t, "a.csv", catalogA),
		PathB:                writeCatalog(t, "b.csv", catalogB),
		KNeighbors:           5,
		MinTitleSimilarity:   0.75,
		WeakTitleThreshold:   0.85,
		StrongTitleThreshold: 0.90,
		AuthorFuzzyThreshold: 80,
		YearToleranceYears:   30,
		MinAcceptedTier:      model.TierWeak,
		IndexKind:            "vptree",
		SampleSize:           50,
		UnmatchedSampleSize:  50,
		RandomSeed:           7,
	}
}

func bestTier(js []model.MatchJudgement, a, b string) model.Tier {
	for _, j := range js {
		if j.ANativeID == a && j.BNativeID == b {
			return j.Tier
		}
	}
	return model.TierRejected
}

func TestRunner_FullRun(t *testing.T) {
	runner, st := newTestRunner(t, embed.NewHashEmbedder(256))
	ctx := context.Background()

	params := testParams(t)
	params.Validate = true
	run, err := runner.Start(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusReported, run.Status)
	assert.Equal(t, "hash-trigram-256", run.Params.EmbeddingModel)

	stored, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusReported, stored.Status)
	require.NotNil(t, stored.Summary)

	sum := stored.Summary
	assert.Equal(t, model.CatalogCounts{Read: 6, Normalized: 4, Skipped: 2}, sum.CatalogA)
	assert.Equal(t, model.CatalogCounts{Read: 4, Normalized: 4, Skipped: 0}, sum.CatalogB)
	assert.Zero(t, sum.FailedBatches)
	assert.Empty(t, sum.FailedStage)
	assert.Equal(t, sum.Judgements, sum.Candidates)
	assert.GreaterOrEqual(t, sum.MatchedA, 3)
	assert.Equal(t, sum.CatalogA.Normalized-sum.MatchedA, sum.UnmatchedA)

	skipped, err := st.LoadSkipped(ctx, run.ID, "bnf")
	require.NoError(t, err)
	require.Len(t, skipped, 2)
	reasons := skipped[0].Reason + " " + skipped[1].Reason
	assert.Contains(t, reasons, "missing raw_title")
	assert.Contains(t, reasons, "duplicate native_id")

	js, err := st.ListJudgements(ctx, run.ID, store.JudgementFilter{})
	require.NoError(t, err)
	assert.Equal(t, model.TierHigh, bestTier(js, "a1", "b1"))
	assert.Equal(t, model.TierMediumHigh, bestTier(js, "a2", "b2"))
	assert.Equal(t, model.TierHigh, bestTier(js, "a3", "b3"))
	for _, j := range js {
		assert.GreaterOrEqual(t, j.TitleScore, params.MinTitleSimilarity)
	}

	stages, err := st.ListStages(ctx, run.ID)
	require.NoError(t, err)
	var names []model.Stage
	for _, s := range stages {
		assert.Equal(t, model.StageStatusComplete, s.Status)
		names = append(names, s.Stage)
	}
	assert.Equal(t, model.Stages, names)

	draw, err := st.LoadSample(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), draw.Sample.Seed)
	assert.NotEmpty(t, draw.Sample.Items)
	for _, s := range draw.Strata {
		assert.True(t, s.Reduced, s.Name)
	}
}

func TestRunner_SkipsValidationByDefault(t *testing.T) {
	runner, st := newTestRunner(t, embed.NewHashEmbedder(64))
	ctx := context.Background()

	run, err := runner.Start(ctx, testParams(t))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusReported, run.Status)

	stages, err := st.ListStages(ctx, run.ID)
	require.NoError(t, err)
	for _, s := range stages {
		assert.NotEqual(t, model.RunStatusValidating, s.Stage)
	}
	_, err = st.LoadSample(ctx, run.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestRunner_EmbeddingOutageThenResume(t *testing.T) {
	emb := &flakyEmbedder{HashEmbedder: embed.NewHashEmbedder(64), trigger: "sidereus", broken: true}
	runner, st := newTestRunner(t, emb)
	ctx := context.Background()

	run, err := runner.Start(ctx, testParams(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrEmbeddingUnavailable), "got %v", err)

	var stageErr *model.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, model.RunStatusNormalizing, stageErr.Stage)
	assert.Equal(t, 2, stageErr.Processed)

	failed, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, failed.Status)
	require.NotNil(t, failed.Summary)
	assert.Equal(t, 1, failed.Summary.FailedBatches)
	assert.Equal(t, model.RunStatusNormalizing, failed.Summary.FailedStage)
	assert.Equal(t, 2, failed.Summary.Processed)

	// The first batch was committed before the outage.
	done, err := st.CompletedBatches(ctx, run.ID, "bnf")
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{0: true}, done)
	require.Contains(t, emb.seen(), "zzyzx qwerty vvv")

	emb.setBroken(false)
	before := len(emb.seen())
	resumed, err := runner.Resume(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusReported, resumed.Status)
	assert.NotContains(t, emb.seen()[before:], "zzyzx qwerty vvv")

	final, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, final.Summary.FailedStage)
	assert.Equal(t, 1, final.Summary.FailedBatches)
	assert.Equal(t, 4, final.Summary.CatalogA.Normalized)

	_, err = runner.Resume(ctx, run.ID)
	assert.True(t, errors.Is(err, model.ErrRunNotResumable))
}

func TestRunner_CancelledRunResumes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	emb := &flakyEmbedder{HashEmbedder: embed.NewHashEmbedder(64), onCall: cancel}
	runner, st := newTestRunner(t, emb)

	run, err := runner.Start(ctx, testParams(t))
	require.Error(t, err)
	var stageErr *model.StageError
	require.True(t, errors.As(err, &stageErr))

	failed, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, failed.Status)

	emb.mu.Lock()
	emb.onCall = nil
	emb.mu.Unlock()
	resumed, err := runner.Resume(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusReported, resumed.Status)
}

func TestRunner_ResumeRejectsOtherModel(t *testing.T) {
	runner, st := newTestRunner(t, embed.NewHashEmbedder(64))
	ctx := context.Background()

	run, err := st.CreateRun(ctx, model.RunParams{EmbeddingModel: "other-model"})
	require.NoError(t, err)

	_, err = runner.Resume(ctx, run.ID)
	assert.True(t, errors.Is(err, model.ErrRunNotResumable))
}

func TestRunner_IndexBuildFailureIsFatal(t *testing.T) {
	runner, st := newTestRunner(t, embed.NewHashEmbedder(16))
	ctx := context.Background()

	params := testParams(t)
	params.IndexKind = "lsh"
	run, err := runner.Start(ctx, params)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrIndexBuild), "got %v", err)

	var stageErr *model.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, model.RunStatusCandidateGeneration, stageErr.Stage)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)

	// Normalized output survives for a retried run.
	recs, err := st.LoadNormalized(ctx, run.ID, "bnf")
	require.NoError(t, err)
	assert.Len(t, recs, 4)
}

func TestValidateParams(t *testing.T) {
	good := model.RunParams{
		CatalogA: "a", CatalogB: "b", PathA: "a.csv", PathB: "b.csv", KNeighbors: 5,
		MinTitleSimilarity: 0.75, WeakTitleThreshold: 0.85, StrongTitleThreshold: 0.9,
		AuthorFuzzyThreshold: 80, YearToleranceYears: 30, MinAcceptedTier: model.TierWeak,
	}
	require.NoError(t, ValidateParams(good))

	for name, mutate := range map[string]func(p *model.RunParams){
		"same names":      func(p *model.RunParams) { p.CatalogB = "a" },
		"missing path":    func(p *model.RunParams) { p.PathB = "" },
		"zero k":          func(p *model.RunParams) { p.KNeighbors = 0 },
		"rejected tier":   func(p *model.RunParams) { p.MinAcceptedTier = model.TierRejected },
		"inverted titles": func(p *model.RunParams) { p.WeakTitleThreshold = 0.95 },
	} {
		t.Run(name, func(t *testing.T) {
			p := good
			mutate(&p)
			assert.Error(t, ValidateParams(p))
		})
	}
}

func TestParams_FromConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := config.Load()
	require.NoError(t, err)

	p, err := Params(cfg, Inputs{CatalogA: "bnf", PathA: "a.csv", CatalogB: "estc", PathB: "b.csv"}, "m1")
	require.NoError(t, err)
	assert.Equal(t, 5, p.KNeighbors)
	assert.Equal(t, model.TierWeak, p.MinAcceptedTier)
	assert.Equal(t, "m1", p.EmbeddingModel)
	assert.InDelta(t, 0.90, Thresholds(p).StrongTitle, 1e-9)
}
