// Package transcript holds the pure text utilities of the trigger pipeline:
// phrase normalisation and rolling-transcript merging.
//
// Both are deterministic and allocation-light; they are called on every
// partial transcript, so neither performs I/O or logging.
package transcript

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// newFolder returns a transformer that folds width variants, strips
// combining marks and applies Unicode case folding. Transformers carry state,
// so a fresh chain is built per call.
func newFolder() transform.Transformer {
	return transform.Chain(
		width.Fold,
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		norm.NFC,
		cases.Fold(),
	)
}

// isApostrophe reports whether r is one of the apostrophe-like characters
// that are dropped without leaving a gap ("don't" -> "dont").
func isApostrophe(r rune) bool {
	return r == '\'' || r == '’' || r == '`'
}

// Normalize folds text into the canonical form used for phrase matching:
// lower-case ASCII letters and digits separated by single spaces, with no
// leading or trailing space. Normalize is idempotent.
func Normalize(text string) string {
	folded, _, err := transform.String(newFolder(), text)
	if err != nil {
		folded = strings.ToLower(text)
	}

	var b strings.Builder
	b.Grow(len(folded))
	pendingSpace := false
	for _, r := range folded {
		switch {
		case isApostrophe(r):
			continue
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
		default:
			// Whitespace and every other character collapse into one gap.
			pendingSpace = true
		}
	}
	return b.String()
}

// NormalizeAll normalises each phrase and drops the ones that normalise to
// the empty string.
func NormalizeAll(phrases []string) []string {
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if n := Normalize(p); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// ContainsAny reports whether any of the normalised phrases occurs as a
// substring of the normalised transcript. Matching is plain containment, so
// "cut" matches inside "cutting".
func ContainsAny(normalized string, phrases []string) bool {
	for _, p := range phrases {
		if p != "" && strings.Contains(normalized, p) {
			return true
		}
	}
	return false
}
