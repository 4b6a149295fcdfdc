package pipeline

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-match/internal/model"
	"github.com/sells-group/catalog-match/internal/store"
	"github.com/sells-group/catalog-match/internal/validate"
)

// DrawSample draws the stratified review sample of a tiered run and
// persists it, replacing any earlier draw.
func DrawSample(ctx context.Context, st store.Store, run *model.Run) (*validate.Draw, error) {
	p := run.Params
	js, err := st.ListJudgements(ctx, run.ID, store.JudgementFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load judgements")
	}
	a, err := st.LoadNormalized(ctx, run.ID, model.CatalogID(p.CatalogA))
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load catalog A")
	}
	aIDs := make([]string, len(a))
	for i := range a {
		aIDs[i] = a[i].NativeID
	}

	draw := validate.Sample(run.ID, js, aIDs, validate.Options{
		SampleSize:          p.SampleSize,
		UnmatchedSampleSize: p.UnmatchedSampleSize,
		Seed:                p.RandomSeed,
		MinAcceptedTier:     p.MinAcceptedTier,
	})
	if err := st.SaveSample(ctx, draw); err != nil {
		return nil, eris.Wrap(err, "pipeline: save sample")
	}
	return draw, nil
}

// EnsureSample returns the persisted sample of a run, drawing one first when
// the run was matched without --validate.
func EnsureSample(ctx context.Context, st store.Store, run *model.Run) (*validate.Draw, error) {
	ok, err := tiered(ctx, st, run.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, eris.Errorf("pipeline: run %s has not finished tiering", run.ID)
	}
	draw, err := st.LoadSample(ctx, run.ID)
	if err == nil {
		return draw, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	zap.L().Info("drawing validation sample", zap.String("run_id", run.ID))
	return DrawSample(ctx, st, run)
}

// SheetRecords loads both catalogs so a review sheet can show each record's
// title, author and year.
func SheetRecords(ctx context.Context, st store.Store, run *model.Run) (validate.Records, error) {
	recs := validate.Records{}
	for _, c := range []struct {
		id  string
		dst *map[string]model.NormalizedRecord
	}{
		{run.Params.CatalogA, &recs.A},
		{run.Params.CatalogB, &recs.B},
	} {
		rs, err := st.LoadNormalized(ctx, run.ID, model.CatalogID(c.id))
		if err != nil {
			return recs, eris.Wrapf(err, "pipeline: load catalog %s", c.id)
		}
		m := make(map[string]model.NormalizedRecord, len(rs))
		for _, r := range rs {
			m[r.NativeID] = r
		}
		*c.dst = m
	}
	return recs, nil
}

// ScoreLabels applies reviewer labels to the run's sample, persists them
// and the resulting report, and marks the run summary as validated.
func ScoreLabels(ctx context.Context, st store.Store, runID string, labels []validate.SheetLabel) (*validate.Report, error) {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load run %s", runID)
	}
	draw, err := st.LoadSample(ctx, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load sample for run %s", runID)
	}

	applied, err := validate.ApplyLabels(draw.Sample, labels)
	if err != nil {
		return nil, err
	}
	if err := st.SaveLabels(ctx, runID, draw.Sample.Items); err != nil {
		return nil, eris.Wrap(err, "pipeline: save labels")
	}

	rep := validate.Score(draw.Sample, draw.Strata)
	if err := st.SaveValidationReport(ctx, rep); err != nil {
		return nil, eris.Wrap(err, "pipeline: save validation report")
	}

	summary := run.Summary
	if summary == nil {
		summary = &model.RunSummary{}
	}
	summary.ValidationDone = true
	if err := st.UpdateRunSummary(ctx, runID, summary); err != nil {
		return nil, eris.Wrap(err, "pipeline: update summary")
	}

	zap.L().Info("validation scored",
		zap.String("run_id", runID),
		zap.Int("labels", applied),
		zap.Int("unlabeled", rep.Unlabeled),
		zap.Float64("recall", rep.Recall),
	)
	return rep, nil
}

func tiered(ctx context.Context, st store.Store, runID string) (bool, error) {
	stages, err := st.ListStages(ctx, runID)
	if err != nil {
		return false, eris.Wrap(err, "pipeline: list stages")
	}
	for _, s := range stages {
		if s.Stage == model.RunStatusTiering && s.Status == model.StageStatusComplete {
			return true, nil
		}
	}
	return false, nil
}
