// Package tier maps signal combinations to ordinal confidence tiers and turns
// candidates into match judgements.
package tier

import (
	"context"
	"runtime"
	"sort"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/catalog-match/internal/model"
	"github.com/sells-group/catalog-match/internal/signal"
)

// Combine is the rule table, checked most specific first:
//
//	High        strong title, author true, year true
//	MediumHigh  strong title, author true
//	Medium      strong title, year true
//	LowMedium   strong title, author and year each unknown or false
//	            (but not both false)
//	Weak        weak title, or a retained candidate below the weak
//	            threshold, or strong title contradicted by both author
//	            and year
//	Rejected    title below the candidate floor
//
// Unknown is never read as false: only two explicit contradictions demote a
// strong title. This departs from the plain matching table, which groups
// "author and year both unknown or false" into LowMedium; here both false
// is Weak while both unknown stays LowMedium.
func Combine(title model.TitleBucket, author, year model.Ternary) model.Tier {
	switch title {
	case model.TitleStrong:
		switch {
		case author == model.True && year == model.True:
			return model.TierHigh
		case author == model.True:
			return model.TierMediumHigh
		case year == model.True:
			return model.TierMedium
		case author == model.False && year == model.False:
			return model.TierWeak
		default:
			return model.TierLowMedium
		}
	case model.TitleWeak, model.TitleNone:
		return model.TierWeak
	default:
		return model.TierRejected
	}
}

// Judge evaluates every candidate. Output order follows the candidates. It
// fails if a candidate references a record not present in a or b.
func Judge(ctx context.Context, th signal.Thresholds, cands []model.Candidate, a, b []model.NormalizedRecord) ([]model.MatchJudgement, error) {
	js, err := Annotate(ctx, th, cands, a, b)
	if err != nil {
		return nil, err
	}
	Assign(js)
	return js, nil
}

// Annotate extracts the three signals for every candidate without assigning
// a tier. Output order follows the candidates.
func Annotate(ctx context.Context, th signal.Thresholds, cands []model.Candidate, a, b []model.NormalizedRecord) ([]model.MatchJudgement, error) {
	byA := indexByID(a)
	byB := indexByID(b)

	out := make([]model.MatchJudgement, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	chunk := max(len(cands)/(runtime.GOMAXPROCS(0)*4), 256)
	for lo := 0; lo < len(cands); lo += chunk {
		hi := min(lo+chunk, len(cands))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for i := lo; i < hi; i++ {
				c := cands[i]
				ra, ok := byA[c.ANativeID]
				if !ok {
					return eris.Errorf("tier: candidate references unknown A-record %q", c.ANativeID)
				}
				rb, ok := byB[c.BNativeID]
				if !ok {
					return eris.Errorf("tier: candidate references unknown B-record %q", c.BNativeID)
				}
				s := th.Extract(c, ra, rb)
				out[i] = model.MatchJudgement{
					ANativeID:   c.ANativeID,
					BNativeID:   c.BNativeID,
					TitleScore:  c.TitleSimilarity,
					TitleBucket: s.Title,
					AuthorMatch: s.Author,
					YearMatch:   s.Year,
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Assign sets the tier of every annotated judgement and flags ambiguity.
func Assign(js []model.MatchJudgement) {
	for i := range js {
		js[i].Tier = Combine(js[i].TitleBucket, js[i].AuthorMatch, js[i].YearMatch)
	}
	FlagAmbiguous(js)
}

func indexByID(recs []model.NormalizedRecord) map[string]*model.NormalizedRecord {
	m := make(map[string]*model.NormalizedRecord, len(recs))
	for i := range recs {
		m[recs[i].NativeID] = &recs[i]
	}
	return m
}

// FlagAmbiguous marks every judgement whose A-record has more than one
// judgement in the same accepted tier. All of them are kept.
func FlagAmbiguous(js []model.MatchJudgement) {
	type key struct {
		a    string
		tier model.Tier
	}
	counts := make(map[key]int)
	for _, j := range js {
		if j.Tier > model.TierRejected {
			counts[key{j.ANativeID, j.Tier}]++
		}
	}
	for i := range js {
		js[i].Ambiguous = counts[key{js[i].ANativeID, js[i].Tier}] > 1
	}
}

// Best returns, per A-record, its judgement with the highest tier and then
// the highest title score, considering only tiers at or above accepted. Ties
// keep the earlier judgement. Results are ordered by A native ID.
func Best(js []model.MatchJudgement, accepted model.Tier) []model.MatchJudgement {
	best := make(map[string]model.MatchJudgement)
	for _, j := range js {
		if j.Tier < accepted || j.Tier == model.TierRejected {
			continue
		}
		cur, ok := best[j.ANativeID]
		if !ok || j.Tier > cur.Tier || (j.Tier == cur.Tier && j.TitleScore > cur.TitleScore) {
			best[j.ANativeID] = j
		}
	}
	out := make([]model.MatchJudgement, 0, len(best))
	for _, j := range best {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ANativeID < out[k].ANativeID })
	return out
}
