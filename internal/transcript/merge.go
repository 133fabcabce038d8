package transcript

import "strings"

// MaxRollingChars caps the length of the rolling transcript, counted in runes.
// A base letter plus combining mark counts as two.
const MaxRollingChars = 420

// Merge combines the accumulated transcript with a new partial hypothesis.
//
// A partial that extends existing replaces it, a partial already present at
// the end of existing is ignored, and anything else is appended after a
// single space. The result keeps only the last [MaxRollingChars] characters.
func Merge(existing, incoming string) string {
	next := strings.TrimSpace(incoming)
	if next == "" {
		return existing
	}
	if existing == "" {
		return truncateHead(next, MaxRollingChars)
	}
	if strings.HasPrefix(next, existing) {
		return truncateHead(next, MaxRollingChars)
	}
	if strings.HasSuffix(existing, next) {
		return existing
	}
	return truncateHead(existing+" "+next, MaxRollingChars)
}

// truncateHead returns the last max runes of s.
func truncateHead(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[len(r)-max:])
}
