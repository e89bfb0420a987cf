package linker

import (
	"regexp"
	"strings"
)

// orderCodePattern matches a short hex identifier. All-decimal tokens are
// still valid hex and therefore valid codes.
var orderCodePattern = regexp.MustCompile(`^[a-f0-9]{5,8}$`)

// ExtractOrderCode pulls an embedded order code out of a raw counterparty
// identifier. Precedence:
//
//  1. The whole identifier, lower-cased, when it matches 5 to 8 hex
//     characters.
//  2. Otherwise the prefix before the first "-" of a composite
//     identifier (so "a1b2c3d-998877" yields "a1b2c3d", and further
//     hyphens stay in the discarded remainder).
//
// Returns the empty string when neither form matches: identifiers
// shorter than 5 or longer than 8 hex characters carry no order code.
func ExtractOrderCode(raw string) string {
	token := strings.ToLower(strings.TrimSpace(raw))
	if token == "" {
		return ""
	}
	if orderCodePattern.MatchString(token) {
		return token
	}
	if i := strings.Index(token, "-"); i > 0 {
		prefix := token[:i]
		if orderCodePattern.MatchString(prefix) {
			return prefix
		}
	}
	return ""
}
