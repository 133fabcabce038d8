package speech

import "strings"

// Pace rewrites text so synthesis speaks it a little slower: whitespace is
// collapsed, clause punctuation gets a following space, a comma is inserted
// before " and " and " but ", and a full stop is appended unless the text
// already ends a sentence. Blank text yields "".
func Pace(text string) string {
	compact := strings.Join(strings.Fields(text), " ")
	if compact == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(compact) + 8)
	for i := 0; i < len(compact); i++ {
		c := compact[i]
		b.WriteByte(c)
		if (c == ',' || c == ';') && i+1 < len(compact) && compact[i+1] != ' ' {
			b.WriteByte(' ')
		}
	}
	out := b.String()

	for _, conj := range []string{" and ", " but "} {
		out = pauseBefore(out, conj)
	}

	switch out[len(out)-1] {
	case '.', '!', '?':
		return out
	}
	return out + "."
}

// pauseBefore inserts a comma before every occurrence of conj that does not
// already follow punctuation.
func pauseBefore(s, conj string) string {
	var b strings.Builder
	for {
		i := strings.Index(s, conj)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		if i > 0 && !strings.ContainsRune(",;:.!?", rune(s[i-1])) {
			b.WriteByte(',')
		}
		b.WriteString(conj[:len(conj)-1])
		// Keep the trailing space in s so a following conjunction still
		// matches ("this and and that").
		s = s[i+len(conj)-1:]
	}
}
