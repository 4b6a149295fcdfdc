package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Ternary is a three-valued signal. The zero value is Unknown so an unset
// signal never reads as false.
type Ternary int8

const (
	Unknown Ternary = iota
	False
	True
)

// TernaryOf converts a known boolean.
func TernaryOf(b bool) Ternary {
	if b {
		return True
	}
	return False
}

func (t Ternary) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Ternary) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Ternary) UnmarshalText(b []byte) error {
	v, err := ParseTernary(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseTernary parses "true", "false" or "unknown" (empty means unknown).
func ParseTernary(s string) (Ternary, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		return True, nil
	case "false":
		return False, nil
	case "unknown", "", "null":
		return Unknown, nil
	}
	return Unknown, eris.Errorf("model: invalid ternary %q", s)
}

// TitleBucket classifies a title similarity score.
type TitleBucket string

const (
	TitleStrong   TitleBucket = "strong"
	TitleWeak     TitleBucket = "weak"
	TitleNone     TitleBucket = "none"
	TitleRejected TitleBucket = "rejected"
)

// Tier is an ordinal confidence bucket. Higher values mean more confidence.
type Tier int

const (
	TierRejected Tier = iota
	TierWeak
	TierLowMedium
	TierMedium
	TierMediumHigh
	TierHigh
)

// Tiers lists every accepted tier from most to least confident.
var Tiers = []Tier{TierHigh, TierMediumHigh, TierMedium, TierLowMedium, TierWeak}

var tierNames = map[Tier]string{
	TierRejected:   "rejected",
	TierWeak:       "weak",
	TierLowMedium:  "low_medium",
	TierMedium:     "medium",
	TierMediumHigh: "medium_high",
	TierHigh:       "high",
}

func (t Tier) String() string {
	if s, ok := tierNames[t]; ok {
		return s
	}
	return "rejected"
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseTier accepts tier names with '_', '-' or ' ' separators.
func ParseTier(s string) (Tier, error) {
	key := strings.NewReplacer("-", "_", " ", "_").Replace(strings.ToLower(strings.TrimSpace(s)))
	for t, name := range tierNames {
		if name == key {
			return t, nil
		}
	}
	return TierRejected, eris.Errorf("model: unknown tier %q", s)
}

// Candidate pairs an A-record with a B-record proposed for comparison.
type Candidate struct {
	ANativeID       string  `json:"a_native_id"`
	BNativeID       string  `json:"b_native_id"`
	TitleSimilarity float64 `json:"title_similarity"`
	Rank            int     `json:"rank"`
}

// MatchJudgement is a Candidate annotated with its signals and tier.
type MatchJudgement struct {
	ANativeID   string      `json:"a_native_id" yaml:"a_native_id"`
	BNativeID   string      `json:"b_native_id" yaml:"b_native_id"`
	TitleScore  float64     `json:"title_score" yaml:"title_score"`
	TitleBucket TitleBucket `json:"title_bucket" yaml:"title_bucket"`
	AuthorMatch Ternary     `json:"author_match" yaml:"author_match"`
	YearMatch   Ternary     `json:"year_match" yaml:"year_match"`
	Tier        Tier        `json:"tier" yaml:"tier"`
	Ambiguous   bool        `json:"ambiguous" yaml:"ambiguous"`
}
