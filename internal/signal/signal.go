// Package signal computes the independent title, author and year evidence
// for a candidate pair.
package signal

import (
	"math"
	"unicode/utf8"

	"github.com/agext/levenshtein"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-match/internal/model"
)

// Thresholds configures every signal.
type Thresholds struct {
	// MinTitle is the candidate floor; scores below it are rejected.
	MinTitle float64
	// WeakTitle and StrongTitle bound the weak and strong title buckets.
	WeakTitle   float64
	StrongTitle float64
	// AuthorFuzzy is the minimum surname ratio, in percent.
	AuthorFuzzy int
	// YearTolerance is the largest year gap still counted as a match.
	YearTolerance int
}

// DefaultThresholds returns the stock matching thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinTitle:      0.75,
		WeakTitle:     0.85,
		StrongTitle:   0.90,
		AuthorFuzzy:   80,
		YearTolerance: 30,
	}
}

// Validate checks that the thresholds are ordered and in range.
func (t Thresholds) Validate() error {
	if t.MinTitle < 0 || t.StrongTitle > 1 || t.MinTitle > t.WeakTitle || t.WeakTitle > t.StrongTitle {
		return eris.Errorf("signal: title thresholds must satisfy 0 <= min (%.2f) <= weak (%.2f) <= strong (%.2f) <= 1",
			t.MinTitle, t.WeakTitle, t.StrongTitle)
	}
	if t.AuthorFuzzy < 0 || t.AuthorFuzzy > 100 {
		return eris.Errorf("signal: author fuzzy threshold %d outside 0..100", t.AuthorFuzzy)
	}
	if t.YearTolerance < 0 {
		return eris.Errorf("signal: negative year tolerance %d", t.YearTolerance)
	}
	return nil
}

// Signals is the evidence for one candidate pair.
type Signals struct {
	Title  model.TitleBucket
	Author model.Ternary
	Year   model.Ternary
}

// Extract computes all three signals for a candidate.
func (t Thresholds) Extract(c model.Candidate, a, b *model.NormalizedRecord) Signals {
	return Signals{
		Title:  t.Title(c.TitleSimilarity),
		Author: t.Author(a, b),
		Year:   t.Year(a, b),
	}
}

// Title buckets a title similarity score.
func (t Thresholds) Title(sim float64) model.TitleBucket {
	switch {
	case sim >= t.StrongTitle:
		return model.TitleStrong
	case sim >= t.WeakTitle:
		return model.TitleWeak
	case sim >= t.MinTitle:
		return model.TitleNone
	default:
		return model.TitleRejected
	}
}

// Author compares surnames. Unknown when either side has none.
func (t Thresholds) Author(a, b *model.NormalizedRecord) model.Ternary {
	sa, okA := a.Surname()
	sb, okB := b.Surname()
	if !okA || !okB {
		return model.Unknown
	}
	return model.TernaryOf(AuthorRatio(sa, sb) >= t.AuthorFuzzy)
}

// Year compares representative years. Unknown when either side has none.
func (t Thresholds) Year(a, b *model.NormalizedRecord) model.Ternary {
	ya, okA := a.Year()
	yb, okB := b.Year()
	if !okA || !okB {
		return model.Unknown
	}
	gap := ya - yb
	if gap < 0 {
		gap = -gap
	}
	return model.TernaryOf(gap <= t.YearTolerance)
}

var indel = levenshtein.NewParams().SubCost(2)

// maxEndingSlack is the largest length difference the window alignment
// accepts. Latinized endings add one or two letters ("-us", "-ius"); a wider
// gap means the shorter name is only embedded in a different surname
// ("Mann" in "Hermann").
const maxEndingSlack = 2

// AuthorRatio is the fuzzy similarity of two surnames in percent (0..100).
// It is the whole-string indel ratio, or, when the lengths differ by at most
// maxEndingSlack, the better of that and the best ratio of the shorter name
// against an equal-length window of the longer one. Ficino against Ficinus
// scores 83.
func AuthorRatio(a, b string) int {
	if a == b {
		return 100
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	if la == 0 || lb == 0 {
		return 0
	}

	best := ratio(a, b, la, lb)
	if la != lb && abs(la-lb) <= maxEndingSlack {
		short, long := []rune(a), []rune(b)
		if la > lb {
			short, long = long, short
		}
		s := string(short)
		for i := 0; i+len(short) <= len(long); i++ {
			if r := ratio(s, string(long[i:i+len(short)]), len(short), len(short)); r > best {
				best = r
			}
		}
	}
	return int(math.Round(best * 100))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func ratio(a, b string, la, lb int) float64 {
	d := levenshtein.Distance(a, b, indel)
	return 1 - float64(d)/float64(la+lb)
}
