package validate

import (
	"fmt"
	"time"

	"github.com/sells-group/catalog-match/internal/model"
)

// StratumScore aggregates the labels of one stratum.
type StratumScore struct {
	Stratum
	Labeled     int `json:"labeled" yaml:"labeled"`
	SameWork    int `json:"same_work" yaml:"same_work"`
	SameEdition int `json:"same_edition" yaml:"same_edition"`
	// Precision is SameWork/Labeled; EditionPrecision is SameEdition/Labeled.
	Precision        float64 `json:"precision" yaml:"precision"`
	EditionPrecision float64 `json:"edition_precision" yaml:"edition_precision"`
	// EstimatedTP extrapolates Precision to the A-records of the stratum.
	EstimatedTP float64 `json:"estimated_true_positives" yaml:"estimated_true_positives"`
	// FoundElsewhere and FalseNegativeRate apply to the unmatched stratum.
	FoundElsewhere    int     `json:"found_elsewhere,omitempty" yaml:"found_elsewhere,omitempty"`
	FalseNegativeRate float64 `json:"false_negative_rate,omitempty" yaml:"false_negative_rate,omitempty"`
}

// NLabel renders the sample size, flagging reduced strata: "n=12 (reduced)".
func (s StratumScore) NLabel() string {
	if s.Reduced {
		return fmt.Sprintf("n=%d (reduced)", s.N)
	}
	return fmt.Sprintf("n=%d", s.N)
}

// Report is the quality estimate for one run.
type Report struct {
	RunID     string         `json:"run_id" yaml:"run_id"`
	Seed      int64          `json:"seed" yaml:"seed"`
	Tiers     []StratumScore `json:"tiers" yaml:"tiers"`
	Unmatched StratumScore   `json:"unmatched" yaml:"unmatched"`
	// EstimatedTP sums the per-tier estimates; EstimatedFN extrapolates the
	// false-negative rate to the unmatched population. Both count A-records.
	EstimatedTP float64   `json:"estimated_true_positives" yaml:"estimated_true_positives"`
	EstimatedFN float64   `json:"estimated_false_negatives" yaml:"estimated_false_negatives"`
	Recall      float64   `json:"recall" yaml:"recall"`
	Unlabeled   int       `json:"unlabeled" yaml:"unlabeled"`
	ScoredAt    time.Time `json:"scored_at" yaml:"scored_at"`
}

// Score aggregates labels per stratum. Unlabeled items are counted but
// excluded from every rate, so a partly reviewed sheet gives rates over what
// was reviewed. A stratum with no labels has zero rates.
func Score(sample *model.ValidationSample, strata []Stratum) *Report {
	r := &Report{RunID: sample.RunID, Seed: sample.Seed, ScoredAt: time.Now().UTC()}

	scores := make(map[string]*StratumScore, len(strata))
	var order []string
	for _, s := range strata {
		scores[s.Name] = &StratumScore{Stratum: s}
		order = append(order, s.Name)
	}

	for _, it := range sample.Items {
		s, ok := scores[it.Stratum]
		if !ok {
			s = &StratumScore{Stratum: Stratum{Name: it.Stratum}}
			scores[it.Stratum] = s
			order = append(order, it.Stratum)
		}
		if it.Label == nil {
			r.Unlabeled++
			continue
		}
		s.Labeled++
		if it.Stratum == model.UnmatchedStratum {
			if it.Label.FoundElsewhere {
				s.FoundElsewhere++
			}
			continue
		}
		if it.Label.IsSameWork {
			s.SameWork++
		}
		if it.Label.IsSameEdition {
			s.SameEdition++
		}
	}

	for _, name := range order {
		s := scores[name]
		if s.Labeled > 0 {
			n := float64(s.Labeled)
			s.Precision = float64(s.SameWork) / n
			s.EditionPrecision = float64(s.SameEdition) / n
			s.FalseNegativeRate = float64(s.FoundElsewhere) / n
		}
		if name == model.UnmatchedStratum {
			s.Precision, s.EditionPrecision = 0, 0
			r.Unmatched = *s
			r.EstimatedFN = s.FalseNegativeRate * float64(s.Population)
			continue
		}
		s.FalseNegativeRate = 0
		// Samples saved without Records fall back to judgement counts.
		units := s.Records
		if units == 0 {
			units = s.Population
		}
		s.EstimatedTP = s.Precision * float64(units)
		r.EstimatedTP += s.EstimatedTP
		r.Tiers = append(r.Tiers, *s)
	}

	if denom := r.EstimatedTP + r.EstimatedFN; denom > 0 {
		r.Recall = r.EstimatedTP / denom
	}
	return r
}

// Precision returns the precision estimate for a tier, if it was scored.
func (r *Report) Precision(tier model.Tier) (float64, bool) {
	for _, s := range r.Tiers {
		if s.Name == tier.String() && s.Labeled > 0 {
			return s.Precision, true
		}
	}
	return 0, false
}
