// Package pipeline drives a matching run through its stages: normalizing,
// candidate generation, signaling, tiering, optional validation sampling and
// reporting. Every stage persists its output before the run advances, so a
// failed run resumes from the first incomplete stage.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-match/internal/candidate"
	"github.com/sells-group/catalog-match/internal/catalog"
	"github.com/sells-group/catalog-match/internal/model"
	"github.com/sells-group/catalog-match/internal/normalize"
	"github.com/sells-group/catalog-match/internal/report"
	"github.com/sells-group/catalog-match/internal/store"
	"github.com/sells-group/catalog-match/internal/tier"
)

// Options configures a Runner.
type Options struct {
	// BatchSize is the number of source records normalized and committed
	// together. Default: 1000.
	BatchSize int
	// Workers bounds the candidate query pool. Zero means GOMAXPROCS.
	Workers int
}

// Runner executes and resumes matching runs.
type Runner struct {
	store store.Store
	norm  *normalize.Normalizer
	opts  Options
	log   *zap.Logger
}

// New creates a Runner.
func New(st store.Store, norm *normalize.Normalizer, opts Options) *Runner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	return &Runner{
		store: st,
		norm:  norm,
		opts:  opts,
		log:   zap.L().With(zap.String("component", "pipeline")),
	}
}

// Start creates a run for params and executes it. On failure the returned
// run is in the failed state and the error is a *model.StageError.
func (r *Runner) Start(ctx context.Context, params model.RunParams) (*model.Run, error) {
	if params.EmbeddingModel == "" {
		params.EmbeddingModel = r.norm.ModelID()
	}
	if err := ValidateParams(params); err != nil {
		return nil, err
	}
	run, err := r.store.CreateRun(ctx, params)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	r.log.Info("run created",
		zap.String("run_id", run.ID),
		zap.String("catalog_a", params.CatalogA),
		zap.String("catalog_b", params.CatalogB),
	)
	return r.execute(ctx, run)
}

// Resume continues a run from its first incomplete stage. Completed stages
// and completed normalization batches are not redone.
func (r *Runner) Resume(ctx context.Context, runID string) (*model.Run, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load run %s", runID)
	}
	if run.Status == model.RunStatusReported {
		return run, eris.Wrapf(model.ErrRunNotResumable, "pipeline: run %s is already reported", runID)
	}
	if run.Params.EmbeddingModel != r.norm.ModelID() {
		return run, eris.Wrapf(model.ErrRunNotResumable, "pipeline: run %s was embedded with %q, not %q",
			runID, run.Params.EmbeddingModel, r.norm.ModelID())
	}
	r.log.Info("resuming run", zap.String("run_id", runID), zap.String("status", string(run.Status)))
	return r.execute(ctx, run)
}

// execution carries one run through its stages.
type execution struct {
	*Runner
	run     *model.Run
	summary *model.RunSummary
	log     *zap.Logger
	// bg outlives cancellation so failures can still be recorded.
	bg context.Context
}

func (r *Runner) execute(ctx context.Context, run *model.Run) (*model.Run, error) {
	ex := &execution{
		Runner:  r,
		run:     run,
		summary: run.Summary,
		log:     r.log.With(zap.String("run_id", run.ID)),
		bg:      context.WithoutCancel(ctx),
	}
	if ex.summary == nil {
		ex.summary = &model.RunSummary{}
	}
	ex.summary.FailedStage, ex.summary.Processed, ex.summary.Error = "", 0, ""

	stages, err := r.store.ListStages(ctx, run.ID)
	if err != nil {
		return run, eris.Wrap(err, "pipeline: list stages")
	}
	done := make(map[model.Stage]bool, len(stages))
	for _, st := range stages {
		if st.Status == model.StageStatusComplete {
			done[st.Stage] = true
		}
	}

	for _, stage := range model.Stages {
		if done[stage] {
			ex.log.Info("stage already complete", zap.String("stage", string(stage)))
			continue
		}
		if stage == model.RunStatusValidating && !run.Params.Validate {
			continue
		}
		if err := ctx.Err(); err != nil {
			return run, ex.fail(stage, 0, err)
		}
		if err := ex.runStage(ctx, stage); err != nil {
			return run, err
		}
	}
	return run, nil
}

// runStage records a stage row around fn and advances the run status. The
// Reported status is entered only after the final summary is written.
func (ex *execution) runStage(ctx context.Context, stage model.Stage) error {
	if stage != model.RunStatusReported {
		if err := ex.transition(ctx, stage); err != nil {
			return err
		}
	}

	row, err := ex.store.CreateStage(ctx, ex.run.ID, stage)
	if err != nil {
		return ex.fail(stage, 0, eris.Wrap(err, "pipeline: create stage"))
	}

	start := time.Now()
	processed, meta, fnErr := ex.stageFunc(stage)(ctx)
	duration := time.Since(start).Milliseconds()

	result := &model.StageResult{
		Stage:     stage,
		Status:    model.StageStatusComplete,
		Duration:  duration,
		Processed: processed,
		Metadata:  meta,
	}
	if fnErr != nil {
		result.Status = model.StageStatusFailed
		result.Error = fnErr.Error()
	}
	if err := ex.store.CompleteStage(ex.bg, row.ID, result); err != nil {
		ex.log.Warn("pipeline: failed to record stage result", zap.String("stage", string(stage)), zap.Error(err))
	}

	if fnErr != nil {
		return ex.fail(stage, processed, fnErr)
	}

	ex.log.Info("stage complete",
		zap.String("stage", string(stage)),
		zap.Int64("duration_ms", duration),
		zap.Int("processed", processed),
	)
	if stage == model.RunStatusReported {
		return ex.transition(ctx, stage)
	}
	if err := ex.store.UpdateRunSummary(ctx, ex.run.ID, ex.summary); err != nil {
		ex.log.Warn("pipeline: failed to update summary", zap.Error(err))
	}
	return nil
}

func (ex *execution) stageFunc(stage model.Stage) func(context.Context) (int, map[string]any, error) {
	switch stage {
	case model.RunStatusNormalizing:
		return ex.normalize
	case model.RunStatusCandidateGeneration:
		return ex.candidates
	case model.RunStatusSignaling:
		return ex.signals
	case model.RunStatusTiering:
		return ex.tiers
	case model.RunStatusValidating:
		return ex.sample
	default:
		return ex.finish
	}
}

func (ex *execution) transition(ctx context.Context, to model.RunStatus) error {
	from := ex.run.Status
	if from == to {
		return nil
	}
	if !model.CanTransition(from, to) {
		return eris.Errorf("pipeline: run %s cannot move from %s to %s", ex.run.ID, from, to)
	}
	if err := ex.store.UpdateRunStatus(ctx, ex.run.ID, to); err != nil {
		return eris.Wrapf(err, "pipeline: set status %s", to)
	}
	ex.run.Status = to
	ex.log.Debug("run status", zap.String("from", string(from)), zap.String("to", string(to)))
	return nil
}

// fail marks the run failed and records which stage broke and how far it
// got. Completed stage outputs are left in place for a resume.
func (ex *execution) fail(stage model.Stage, processed int, err error) error {
	ex.summary.FailedStage = stage
	ex.summary.Processed = processed
	ex.summary.Error = err.Error()

	ex.log.Error("stage failed",
		zap.String("stage", string(stage)),
		zap.Int("processed", processed),
		zap.Error(err),
	)
	if uerr := ex.store.UpdateRunSummary(ex.bg, ex.run.ID, ex.summary); uerr != nil {
		ex.log.Warn("pipeline: failed to record failure summary", zap.Error(uerr))
	}
	if model.CanTransition(ex.run.Status, model.RunStatusFailed) {
		if uerr := ex.store.UpdateRunStatus(ex.bg, ex.run.ID, model.RunStatusFailed); uerr != nil {
			ex.log.Warn("pipeline: failed to mark run failed", zap.Error(uerr))
		} else {
			ex.run.Status = model.RunStatusFailed
		}
	}
	ex.run.Summary = ex.summary
	return &model.StageError{Stage: stage, Processed: processed, Err: err}
}

// --- Stages ---

type side struct {
	id     model.CatalogID
	path   string
	counts *model.CatalogCounts
}

func (ex *execution) sides() []side {
	p := ex.run.Params
	return []side{
		{model.CatalogID(p.CatalogA), p.PathA, &ex.summary.CatalogA},
		{model.CatalogID(p.CatalogB), p.PathB, &ex.summary.CatalogB},
	}
}

func (ex *execution) normalize(ctx context.Context) (int, map[string]any, error) {
	processed := 0
	meta := map[string]any{}
	for _, c := range ex.sides() {
		runErr := ex.normalizeCatalog(ctx, c.id, c.path)

		stats, err := ex.store.BatchStats(ex.bg, ex.run.ID, c.id)
		if err != nil {
			return processed, meta, eris.Wrap(err, "pipeline: batch stats")
		}
		*c.counts = model.CatalogCounts{Read: stats.Read, Normalized: stats.Normalized, Skipped: stats.Skipped}
		processed += stats.Normalized
		meta[string(c.id)+"_batches"] = stats.Batches

		if runErr != nil {
			return processed, meta, runErr
		}
	}
	return processed, meta, nil
}

// normalizeCatalog reads one catalog and normalizes every batch not yet
// committed. A native ID seen earlier in the file is skipped as malformed;
// duplicates are tracked across committed batches so resumed runs skip the
// same rows.
func (ex *execution) normalizeCatalog(ctx context.Context, id model.CatalogID, path string) error {
	recs, err := catalog.ReadFile(ctx, path, catalog.Options{CatalogID: id})
	if err != nil {
		return eris.Wrapf(err, "pipeline: read catalog %s", id)
	}
	done, err := ex.store.CompletedBatches(ctx, ex.run.ID, id)
	if err != nil {
		return eris.Wrap(err, "pipeline: completed batches")
	}

	seen := make(map[string]bool, len(recs))
	size := ex.opts.BatchSize
	for num, lo := 0, 0; lo < len(recs); num, lo = num+1, lo+size {
		batch := recs[lo:min(lo+size, len(recs))]

		keep := make([]model.SourceRecord, 0, len(batch))
		var dups []model.SkippedRecord
		for _, rec := range batch {
			if rec.NativeID != "" && seen[rec.NativeID] {
				dups = append(dups, model.SkippedRecord{
					CatalogID: id,
					NativeID:  rec.NativeID,
					Row:       rec.Row,
					Reason:    eris.Wrapf(model.ErrMalformedRecord, "%s: duplicate native_id", rec.NativeID).Error(),
				})
				continue
			}
			seen[rec.NativeID] = true
			keep = append(keep, rec)
		}
		if done[num] {
			continue
		}

		for _, d := range dups {
			ex.log.Warn("skipping duplicate record",
				zap.String("catalog_id", string(id)),
				zap.String("native_id", d.NativeID),
				zap.Int("row", d.Row),
			)
		}

		res, err := ex.norm.NormalizeBatch(ctx, keep)
		if err != nil {
			ex.summary.FailedBatches++
			return eris.Wrapf(err, "pipeline: catalog %s batch %d", id, num)
		}
		if err := ex.store.SaveBatch(ctx, ex.run.ID, store.Batch{
			CatalogID: id,
			Number:    num,
			Read:      len(batch),
			Records:   res.Records,
			Skipped:   append(res.Skipped, dups...),
		}); err != nil {
			ex.summary.FailedBatches++
			return eris.Wrapf(err, "pipeline: save catalog %s batch %d", id, num)
		}
	}
	return nil
}

func (ex *execution) load(ctx context.Context) (a, b []model.NormalizedRecord, err error) {
	p := ex.run.Params
	if a, err = ex.store.LoadNormalized(ctx, ex.run.ID, model.CatalogID(p.CatalogA)); err != nil {
		return nil, nil, eris.Wrap(err, "pipeline: load catalog A")
	}
	if b, err = ex.store.LoadNormalized(ctx, ex.run.ID, model.CatalogID(p.CatalogB)); err != nil {
		return nil, nil, eris.Wrap(err, "pipeline: load catalog B")
	}
	return a, b, nil
}

func (ex *execution) candidates(ctx context.Context) (int, map[string]any, error) {
	a, b, err := ex.load(ctx)
	if err != nil {
		return 0, nil, err
	}
	p := ex.run.Params
	gen := candidate.New(candidate.Options{
		K:             p.KNeighbors,
		MinSimilarity: p.MinTitleSimilarity,
		IndexKind:     p.IndexKind,
		Workers:       ex.opts.Workers,
	})
	cands, err := gen.Generate(ctx, a, b)
	if err != nil {
		return 0, nil, err
	}
	if err := ex.store.SaveCandidates(ctx, ex.run.ID, cands); err != nil {
		return 0, nil, eris.Wrap(err, "pipeline: save candidates")
	}
	ex.summary.Candidates = len(cands)
	return len(a), map[string]any{"candidates": len(cands), "index": p.IndexKind}, nil
}

func (ex *execution) signals(ctx context.Context) (int, map[string]any, error) {
	a, b, err := ex.load(ctx)
	if err != nil {
		return 0, nil, err
	}
	cands, err := ex.store.LoadCandidates(ctx, ex.run.ID)
	if err != nil {
		return 0, nil, eris.Wrap(err, "pipeline: load candidates")
	}
	js, err := tier.Annotate(ctx, Thresholds(ex.run.Params), cands, a, b)
	if err != nil {
		return 0, nil, err
	}
	if err := ex.store.SaveJudgements(ctx, ex.run.ID, js); err != nil {
		return 0, nil, eris.Wrap(err, "pipeline: save signals")
	}
	return len(js), nil, nil
}

func (ex *execution) tiers(ctx context.Context) (int, map[string]any, error) {
	js, err := ex.store.ListJudgements(ctx, ex.run.ID, store.JudgementFilter{})
	if err != nil {
		return 0, nil, eris.Wrap(err, "pipeline: load signals")
	}
	tier.Assign(js)
	if err := ex.store.SaveJudgements(ctx, ex.run.ID, js); err != nil {
		return 0, nil, eris.Wrap(err, "pipeline: save judgements")
	}

	tally := report.Count(js, ex.run.Params.MinAcceptedTier)
	ex.summary.Judgements = len(js)
	ex.summary.TierCounts = tally.TierCounts
	ex.summary.MatchedA = tally.MatchedA
	ex.summary.AmbiguousA = tally.AmbiguousA
	ex.summary.UnmatchedA = max(ex.summary.CatalogA.Normalized-tally.MatchedA, 0)

	meta := make(map[string]any, len(tally.TierCounts))
	for k, v := range tally.TierCounts {
		meta[k] = v
	}
	return len(js), meta, nil
}

func (ex *execution) sample(ctx context.Context) (int, map[string]any, error) {
	draw, err := DrawSample(ctx, ex.store, ex.run)
	if err != nil {
		return 0, nil, err
	}
	meta := make(map[string]any, len(draw.Strata))
	for _, s := range draw.Strata {
		meta[s.Name] = s.N
	}
	return len(draw.Sample.Items), meta, nil
}

func (ex *execution) finish(ctx context.Context) (int, map[string]any, error) {
	if err := ex.store.UpdateRunSummary(ctx, ex.run.ID, ex.summary); err != nil {
		return 0, nil, eris.Wrap(err, "pipeline: write summary")
	}
	ex.run.Summary = ex.summary
	return ex.summary.Judgements, nil, nil
}
