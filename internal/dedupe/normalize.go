package dedupe

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// legalSuffixes are entity-form words stripped during normalization so
// "Acme S.L." and "ACME SL" compare on the name itself.
var legalSuffixes = map[string]bool{
	"ltd": true, "inc": true, "llc": true, "plc": true, "co": true,
	"corp": true, "sl": true, "sa": true, "sas": true, "srl": true,
	"gmbh": true, "ag": true, "bv": true, "oy": true, "ab": true,
	"as": true, "spa": true, "sarl": true, "llp": true,
}

// diacriticStripper decomposes to NFD, drops combining marks, and
// recomposes to NFC.
var diacriticStripper = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// Normalize reduces a counterparty name to its comparable form:
// lower-cased, diacritics stripped, anything outside [a-z0-9 ] dropped,
// legal-entity suffix words removed, whitespace collapsed.
func Normalize(name string) string {
	s := strings.ToLower(name)

	if stripped, _, err := transform.String(diacriticStripper, s); err == nil {
		s = stripped
	}

	// Characters outside [a-z0-9 ] are deleted, not blanked, so dotted
	// forms like "s.l." collapse to the bare suffix word.
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == ' ' {
			b.WriteRune(r)
		}
	}

	words := strings.Fields(b.String())
	kept := words[:0]
	for _, w := range words {
		if legalSuffixes[w] {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}
