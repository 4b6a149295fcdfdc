package normalize

import (
	"regexp"
	"strconv"
)

// yearRe finds a three- or four-digit year, optionally followed by a range
// end written in full or abbreviated ("1580-1584", "1580-84", "1580/1584").
var yearRe = regexp.MustCompile(`(?:^|[^\d])(\d{3,4})(?:\s*[-–—/]\s*(\d{1,4}))?(?:[^\d]|$)`)

// isoDateRe matches a calendar date written year first ("1543-03-12").
var isoDateRe = regexp.MustCompile(`(?:^|[^\d])(\d{4})-(?:0[1-9]|1[0-2])-(?:0[1-9]|[12]\d|3[01])(?:[^\d]|$)`)

// Year resolves a raw date to a representative year. Ranges give their
// midpoint rounded down. A year-first calendar date, or an abbreviated end
// that would land before the start ("1543-03"), gives the start year. ok is
// false for absent or unparseable input and for full ranges that run
// backwards.
func Year(raw string) (int, bool) {
	if m := isoDateRe.FindStringSubmatch(raw); m != nil {
		y, err := strconv.Atoi(m[1])
		return y, err == nil
	}

	m := yearRe.FindStringSubmatch(raw)
	if m == nil {
		return 0, false
	}

	start, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	if m[2] == "" {
		return start, true
	}

	endDigits := m[2]
	abbreviated := len(endDigits) < len(m[1])
	if abbreviated {
		// "1580-84" borrows the century from the start year.
		endDigits = m[1][:len(m[1])-len(endDigits)] + endDigits
	}
	end, err := strconv.Atoi(endDigits)
	if err != nil {
		return 0, false
	}
	if end < start {
		if abbreviated {
			return start, true
		}
		return 0, false
	}
	return start + (end-start)/2, true
}
