// Package validate draws stratified review samples from a run's judgements
// and turns reviewer labels into precision and recall estimates.
package validate

import (
	"hash/fnv"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/sells-group/catalog-match/internal/model"
)

// Options configures a draw.
type Options struct {
	SampleSize          int
	UnmatchedSampleSize int
	Seed                int64
	// MinAcceptedTier bounds the tier strata; A-records with no judgement at
	// or above it form the unmatched pool.
	MinAcceptedTier model.Tier
}

// Stratum describes one partition of the draw. When the population is
// smaller than requested the whole population is taken and Reduced is set.
type Stratum struct {
	Name       string `json:"name" yaml:"name"`
	Population int    `json:"population" yaml:"population"`
	// Records counts the A-records whose best accepted judgement falls in
	// this tier, so each matched A-record is counted in exactly one tier.
	// For the unmatched stratum it equals Population.
	Records    int    `json:"records" yaml:"records"`
	Requested  int    `json:"requested" yaml:"requested"`
	N          int    `json:"n" yaml:"n"`
	Reduced    bool   `json:"reduced" yaml:"reduced"`
}

// Draw is a sample plus the strata it was drawn from.
type Draw struct {
	Sample *model.ValidationSample `json:"sample" yaml:"sample"`
	Strata []Stratum               `json:"strata" yaml:"strata"`
}

// Sample draws up to SampleSize judgements from every accepted tier and up to
// UnmatchedSampleSize A-records from the unmatched pool. aIDs lists every
// normalized A-record. The same seed and input ordering always produce the
// same draw; each stratum has its own generator, so strata do not influence
// each other.
func Sample(runID string, js []model.MatchJudgement, aIDs []string, opts Options) *Draw {
	if opts.MinAcceptedTier <= model.TierRejected {
		opts.MinAcceptedTier = model.TierWeak
	}
	d := &Draw{Sample: &model.ValidationSample{
		RunID:     runID,
		Seed:      opts.Seed,
		CreatedAt: time.Now().UTC(),
	}}

	byTier := make(map[model.Tier][]int)
	best := make(map[string]model.Tier)
	for i, j := range js {
		if j.Tier < opts.MinAcceptedTier {
			continue
		}
		byTier[j.Tier] = append(byTier[j.Tier], i)
		if j.Tier > best[j.ANativeID] {
			best[j.ANativeID] = j.Tier
		}
	}
	records := make(map[model.Tier]int)
	for _, tier := range best {
		records[tier]++
	}

	for _, tier := range model.Tiers {
		if tier < opts.MinAcceptedTier {
			continue
		}
		name := tier.String()
		pop := byTier[tier]
		picked := pick(len(pop), opts.SampleSize, opts.Seed, name)
		d.Strata = append(d.Strata, stratum(name, len(pop), records[tier], opts.SampleSize, len(picked)))
		for pos, p := range picked {
			j := js[pop[p]]
			d.Sample.Items = append(d.Sample.Items, model.SampleItem{
				RunID:      runID,
				Stratum:    name,
				Position:   pos + 1,
				ANativeID:  j.ANativeID,
				BNativeID:  j.BNativeID,
				TitleScore: j.TitleScore,
			})
		}
	}

	var unmatched []string
	for _, id := range aIDs {
		if _, ok := best[id]; !ok {
			unmatched = append(unmatched, id)
		}
	}
	picked := pick(len(unmatched), opts.UnmatchedSampleSize, opts.Seed, model.UnmatchedStratum)
	d.Strata = append(d.Strata, stratum(model.UnmatchedStratum, len(unmatched), len(unmatched), opts.UnmatchedSampleSize, len(picked)))
	for pos, p := range picked {
		d.Sample.Items = append(d.Sample.Items, model.SampleItem{
			RunID:     runID,
			Stratum:   model.UnmatchedStratum,
			Position:  pos + 1,
			ANativeID: unmatched[p],
		})
	}
	return d
}

func stratum(name string, population, records, requested, n int) Stratum {
	return Stratum{
		Name:       name,
		Population: population,
		Records:    records,
		Requested:  requested,
		N:          n,
		Reduced:    n < requested,
	}
}

// pick returns min(n, k) distinct indices in [0, n), ascending. It runs a
// partial Fisher-Yates shuffle seeded by seed and the stratum name.
func pick(n, k int, seed int64, name string) []int {
	if k <= 0 || n == 0 {
		return nil
	}
	if k >= n {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	rng := rand.New(rand.NewPCG(uint64(seed), h.Sum64()))

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	for i := 0; i < k; i++ {
		j := i + rng.IntN(n-i)
		idx[i], idx[j] = idx[j], idx[i]
	}
	out := idx[:k]
	slices.Sort(out)
	return out
}
