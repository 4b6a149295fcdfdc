package normalize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// parenDates matches a parenthesized group containing a digit, e.g.
// "(1473-1543)" or "(fl. 1560)".
var parenDates = regexp.MustCompile(`\([^()]*\d[^()]*\)`)

// Surname extracts a single surname token from a free-text author field.
//
// Heuristic: drop parenthesized date ranges, keep only the text before the
// first comma, then take the first token longer than three letters that
// starts with an uppercase letter. The token is returned folded (lowercase,
// no diacritics). ok is false when no token qualifies.
//
// Known failure modes:
//   - Particles written in capitals are taken as the surname
//     ("Della Porta, Giambattista" gives "della").
//   - Forename-first names without a comma give the forename
//     ("Marsilio Ficino" gives "marsilio").
//   - Surnames of three letters or fewer are never found ("Lee", "Ray").
//   - All-lowercase entries yield nothing.
//   - Compound surnames keep only their first qualifying part
//     ("Garcilaso de la Vega, Inca" gives "garcilaso").
func Surname(raw string) (string, bool) {
	s := parenDates.ReplaceAllString(raw, " ")
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[:i]
	}

	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\'' && r != '-'
	})
	for _, tok := range tokens {
		tok = strings.Trim(tok, "'-")
		if utf8.RuneCountInString(tok) <= 3 {
			continue
		}
		first, _ := utf8.DecodeRuneInString(tok)
		if !unicode.IsUpper(first) {
			continue
		}
		return Fold(tok), true
	}
	return "", false
}
