package screening

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// legalSuffixes are stripped from the tail of organization names before comparison.
var legalSuffixes = map[string]struct{}{
	"ltd": {}, "limited": {}, "llc": {}, "inc": {}, "incorporated": {}, "corp": {},
	"corporation": {}, "co": {}, "company": {}, "gmbh": {}, "ag": {}, "sa": {}, "sas": {},
	"plc": {}, "bv": {}, "nv": {}, "srl": {}, "spa": {}, "oy": {}, "ab": {}, "pte": {},
	"pty": {}, "lp": {}, "llp": {}, "jsc": {}, "ooo": {}, "fze": {}, "fzco": {},
}

// Normalize folds a name to lower case, strips diacritics and punctuation and
// collapses whitespace, so "José-María  O'Neil" becomes "jose maria o neil".
func Normalize(name string) string {
	// transform.Chain keeps internal buffers, so it is built per call.
	fold := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	pendingSpace := false
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
			continue
		}
		pendingSpace = true
	}
	return b.String()
}

// organizationCore drops trailing legal-form tokens ("acme aviation ltd" -> "acme aviation").
func organizationCore(normalized string) string {
	tokens := strings.Fields(normalized)
	for len(tokens) > 1 {
		if _, ok := legalSuffixes[tokens[len(tokens)-1]]; !ok {
			break
		}
		tokens = tokens[:len(tokens)-1]
	}
	return strings.Join(tokens, " ")
}

// containsPhrase reports whether the shorter name appears in the longer one on token boundaries.
func containsPhrase(a, b string) bool {
	shorter, longer := a, b
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if len([]rune(shorter)) < minContainmentRunes || shorter == longer {
		return false
	}
	return strings.Contains(" "+longer+" ", " "+shorter+" ")
}
