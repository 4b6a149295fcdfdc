// Package normalize cleans raw catalog fields into the common schema used for
// matching: folded titles, author surnames, representative years, and title
// embeddings.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// punctuation is replaced by a space before whitespace is collapsed.
const punctuation = ".,;:!?¿¡'\"`´‘’‚“”„«»‹›()[]{}<>/\\|-‐‑–—_*&^%$#@~+=·•…§¶"

// Fold lowercases s and removes combining diacritics after NFKD
// decomposition. Ligatures and compatibility forms are expanded.
func Fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	out, _, err := transform.String(t, strings.ToLower(s))
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Title normalizes a raw title: fold case and diacritics, replace the
// punctuation set with spaces, and collapse whitespace. Title is idempotent.
func Title(raw string) string {
	folded := Fold(raw)
	cleaned := strings.Map(func(r rune) rune {
		if strings.ContainsRune(punctuation, r) {
			return ' '
		}
		return r
	}, folded)
	return strings.Join(strings.Fields(cleaned), " ")
}
