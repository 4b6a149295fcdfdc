// Package report aggregates match judgements into run summaries and writes
// judgements and summaries for downstream consumers.
package report

import (
	"github.com/sells-group/catalog-match/internal/model"
	"github.com/sells-group/catalog-match/internal/validate"
)

// Tally counts judgements per tier and per A-record.
type Tally struct {
	TierCounts map[string]int
	// MatchedA counts A-records with a judgement at or above the accepted tier.
	MatchedA int
	// AmbiguousA counts matched A-records whose best tier holds more than one
	// judgement.
	AmbiguousA int
}

// Count tallies judgements against the accepted tier.
func Count(js []model.MatchJudgement, accepted model.Tier) Tally {
	t := Tally{TierCounts: make(map[string]int, len(model.Tiers))}
	for _, tier := range model.Tiers {
		t.TierCounts[tier.String()] = 0
	}

	best := make(map[string]model.Tier)
	ambiguous := make(map[string]bool)
	for _, j := range js {
		if j.Tier == model.TierRejected {
			continue
		}
		t.TierCounts[j.Tier.String()]++
		if j.Tier < accepted {
			continue
		}
		cur, seen := best[j.ANativeID]
		switch {
		case !seen || j.Tier > cur:
			best[j.ANativeID] = j.Tier
			ambiguous[j.ANativeID] = j.Ambiguous
		case j.Tier == cur && j.Ambiguous:
			ambiguous[j.ANativeID] = true
		}
	}

	t.MatchedA = len(best)
	for _, amb := range ambiguous {
		if amb {
			t.AmbiguousA++
		}
	}
	return t
}

// TierLine is one row of the summary's tier table.
type TierLine struct {
	Tier  string `json:"tier" yaml:"tier"`
	Count int    `json:"count" yaml:"count"`
	// Precision and SampleN are set once the run has been validated.
	Precision        *float64 `json:"precision,omitempty" yaml:"precision,omitempty"`
	EditionPrecision *float64 `json:"edition_precision,omitempty" yaml:"edition_precision,omitempty"`
	SampleN          string   `json:"sample_n,omitempty" yaml:"sample_n,omitempty"`
}

// Summary is the reporter's view of a run.
type Summary struct {
	RunID       string              `json:"run_id" yaml:"run_id"`
	Status      model.RunStatus     `json:"status" yaml:"status"`
	CatalogA    string              `json:"catalog_a" yaml:"catalog_a"`
	CatalogB    string              `json:"catalog_b" yaml:"catalog_b"`
	Accepted    string              `json:"min_accepted_tier" yaml:"min_accepted_tier"`
	Counts      *model.RunSummary   `json:"counts,omitempty" yaml:"counts,omitempty"`
	Tiers       []TierLine          `json:"tiers" yaml:"tiers"`
	Recall      *float64            `json:"recall,omitempty" yaml:"recall,omitempty"`
	FNRate      *float64            `json:"false_negative_rate,omitempty" yaml:"false_negative_rate,omitempty"`
	UnmatchedN  string              `json:"unmatched_sample_n,omitempty" yaml:"unmatched_sample_n,omitempty"`
	Validation  *validate.Report    `json:"-" yaml:"-"`
	StageErrors []model.StageResult `json:"failed_stages,omitempty" yaml:"failed_stages,omitempty"`
}

// Build assembles a Summary from a run and, when present, its validation
// report. stages may be nil.
func Build(run *model.Run, v *validate.Report, stages []model.RunStage) *Summary {
	s := &Summary{
		RunID:      run.ID,
		Status:     run.Status,
		CatalogA:   run.Params.CatalogA,
		CatalogB:   run.Params.CatalogB,
		Accepted:   run.Params.MinAcceptedTier.String(),
		Counts:     run.Summary,
		Validation: v,
	}

	for _, tier := range model.Tiers {
		line := TierLine{Tier: tier.String()}
		if run.Summary != nil {
			line.Count = run.Summary.TierCounts[line.Tier]
		}
		if v != nil {
			for _, st := range v.Tiers {
				if st.Name != line.Tier {
					continue
				}
				line.SampleN = st.NLabel()
				if st.Labeled > 0 {
					p, ep := st.Precision, st.EditionPrecision
					line.Precision, line.EditionPrecision = &p, &ep
				}
			}
		}
		s.Tiers = append(s.Tiers, line)
	}

	if v != nil {
		recall, fn := v.Recall, v.Unmatched.FalseNegativeRate
		s.Recall, s.FNRate = &recall, &fn
		s.UnmatchedN = v.Unmatched.NLabel()
	}

	for _, st := range stages {
		if st.Status == model.StageStatusFailed && st.Result != nil {
			s.StageErrors = append(s.StageErrors, *st.Result)
		}
	}
	return s
}
