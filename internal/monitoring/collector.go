// Package monitoring watches recent matching runs and raises alerts when runs
// fail, lose batches to embedding outages, or validate below a precision
// floor.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-match/internal/model"
	"github.com/sells-group/catalog-match/internal/store"
	"github.com/sells-group/catalog-match/internal/validate"
)

// MetricsSnapshot holds a point-in-time view of run health.
type MetricsSnapshot struct {
	// Runs created within the lookback window.
	RunsTotal      int     `json:"runs_total"`
	RunsReported   int     `json:"runs_reported"`
	RunsFailed     int     `json:"runs_failed"`
	RunsInProgress int     `json:"runs_in_progress"`
	FailRate       float64 `json:"fail_rate"`

	// FailedStages counts failed runs by the stage they stopped in.
	FailedStages map[string]int `json:"failed_stages,omitempty"`
	// FailedBatches sums normalization batches lost to embedding outages.
	FailedBatches int `json:"failed_batches"`

	// Match volume over reported runs.
	Judgements int     `json:"judgements"`
	MatchedA   int     `json:"matched_a"`
	UnmatchedA int     `json:"unmatched_a"`
	AmbiguousA int     `json:"ambiguous_a"`
	MatchRate  float64 `json:"match_rate"`

	// Validated counts reported runs with a scored sample. Precisions lists
	// every scored tier of those runs.
	Validated  int             `json:"validated"`
	Precisions []TierPrecision `json:"precisions,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// TierPrecision is the estimated precision of one tier of one run.
type TierPrecision struct {
	RunID     string  `json:"run_id"`
	Tier      string  `json:"tier"`
	Precision float64 `json:"precision"`
	Labeled   int     `json:"labeled"`
}

// RunSource is the part of store.Store the collector reads.
type RunSource interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	GetValidationReport(ctx context.Context, runID string) (*validate.Report, error)
}

// Collector gathers metrics from the run store.
type Collector struct {
	store RunSource
}

// NewCollector creates a new metrics collector.
func NewCollector(st RunSource) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of run metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		FailedStages:  make(map[string]int),
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)
	runs, err := c.store.ListRuns(ctx, store.RunFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	for _, r := range runs {
		switch r.Status {
		case model.RunStatusReported:
			snap.RunsReported++
		case model.RunStatusFailed:
			snap.RunsFailed++
		default:
			snap.RunsInProgress++
		}

		s := r.Summary
		if s == nil {
			continue
		}
		snap.FailedBatches += s.FailedBatches
		if r.Status == model.RunStatusFailed && s.FailedStage != "" {
			snap.FailedStages[string(s.FailedStage)]++
		}
		if r.Status != model.RunStatusReported {
			continue
		}
		snap.Judgements += s.Judgements
		snap.MatchedA += s.MatchedA
		snap.UnmatchedA += s.UnmatchedA
		snap.AmbiguousA += s.AmbiguousA

		if !s.ValidationDone {
			continue
		}
		rep, err := c.store.GetValidationReport(ctx, r.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: validation report for run %s", r.ID)
		}
		if rep == nil {
			continue
		}
		snap.Validated++
		for _, ts := range rep.Tiers {
			if ts.Labeled == 0 {
				continue
			}
			snap.Precisions = append(snap.Precisions, TierPrecision{
				RunID:     r.ID,
				Tier:      ts.Name,
				Precision: ts.Precision,
				Labeled:   ts.Labeled,
			})
		}
	}

	if finished := snap.RunsReported + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if total := snap.MatchedA + snap.UnmatchedA; total > 0 {
		snap.MatchRate = float64(snap.MatchedA) / float64(total)
	}
	return snap, nil
}
