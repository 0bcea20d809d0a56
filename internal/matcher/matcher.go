// Package matcher resolves free-text name input against the applicant roster.
package matcher

import (
	"strings"
	"unicode"

	"github.com/wfounders/clubwallet/internal/protocol"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize case-folds s, strips combining marks and collapses runs of
// whitespace, so "José" and "JOSE" both become "jose".
func Normalize(s string) string {
	t := transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		norm.NFC,
		cases.Fold(),
	)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = strings.ToLower(s)
	}
	return strings.Join(strings.Fields(out), " ")
}

// Result holds the candidates that matched one input.
type Result struct {
	Input   string
	Matches []protocol.Candidate
}

// Unique reports whether exactly one candidate matched.
func (r Result) Unique() bool {
	return len(r.Matches) == 1
}

// Selected returns the single match, if there is one.
func (r Result) Selected() (protocol.Candidate, bool) {
	if !r.Unique() {
		return protocol.Candidate{}, false
	}
	return r.Matches[0], true
}

// Match returns the roster entries whose normalized name contains the
// normalized input. Blank input matches nothing.
func Match(input string, roster []protocol.Candidate) Result {
	res := Result{Input: input}

	needle := Normalize(input)
	if needle == "" {
		return res
	}

	for _, c := range roster {
		if strings.Contains(Normalize(c.Name), needle) {
			res.Matches = append(res.Matches, c)
		}
	}
	return res
}
