// Package phonetic finds trigger phrases that were probably spoken but did not
// survive transcription verbatim, e.g. "pane" heard for "pain".
//
// It never decides whether a trigger fires; trigger matching is plain
// substring containment. Near misses are reported for diagnostics only.
//
// The algorithm proceeds in two stages for every phrase:
//
//  1. Phonetic candidate filtering: the transcript is scanned with a window of
//     as many words as the phrase has. Double Metaphone codes are computed for
//     the window and the phrase; windows sharing no code are discarded unless
//     their spelling alone is very close.
//
//  2. Jaro-Winkler ranking: the best-scoring window per phrase is kept when it
//     reaches the configured threshold.
package phonetic

import (
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.92
)

// Option is a functional option for configuring a [Detector].
type Option func(*Detector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a window that
// shares a Double Metaphone code with the phrase. Default: 0.80.
func WithPhoneticThreshold(threshold float64) Option {
	return func(d *Detector) {
		d.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a window with no
// phonetic overlap. Default: 0.92.
func WithFuzzyThreshold(threshold float64) Option {
	return func(d *Detector) {
		d.fuzzyThreshold = threshold
	}
}

// NearMiss describes a phrase that sounds like part of the transcript.
type NearMiss struct {
	// Phrase is the trigger phrase that was almost heard.
	Phrase string

	// Heard is the transcript window that resembles Phrase.
	Heard string

	// Score is the Jaro-Winkler similarity of Heard and Phrase (0.0–1.0).
	Score float64

	// Phonetic is true when Heard and Phrase share a Double Metaphone code.
	Phonetic bool
}

// Detector reports near misses. It is read-only after construction and safe
// for concurrent use.
type Detector struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Detector] configured with opts.
func New(opts ...Option) *Detector {
	d := &Detector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// NearMisses returns the phrases that resemble, but are not contained in, the
// normalised transcript. Both transcript and phrases must already be
// normalised. Results are sorted by descending score, then phrase.
func (d *Detector) NearMisses(transcript string, phrases []string) []NearMiss {
	words := strings.Fields(transcript)
	if len(words) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(phrases))
	var out []NearMiss
	for _, phrase := range phrases {
		if phrase == "" || strings.Contains(transcript, phrase) {
			continue
		}
		if _, dup := seen[phrase]; dup {
			continue
		}
		seen[phrase] = struct{}{}

		if nm, ok := d.best(words, phrase); ok {
			out = append(out, nm)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Phrase < out[j].Phrase
	})
	return out
}

// best scans words with a window as wide as phrase and returns the strongest
// candidate above threshold.
func (d *Detector) best(words []string, phrase string) (NearMiss, bool) {
	phraseTokens := strings.Fields(phrase)
	phraseCodes := codesForTokens(phraseTokens)
	n := len(phraseTokens)
	if n > len(words) {
		n = len(words)
	}

	var found NearMiss
	ok := false
	for i := 0; i+n <= len(words); i++ {
		window := words[i : i+n]
		heard := strings.Join(window, " ")
		score := bestJWScore(window, phraseTokens, heard, phrase)
		phonetic := codesOverlap(codesForTokens(window), phraseCodes)

		threshold := d.fuzzyThreshold
		if phonetic {
			threshold = d.phoneticThreshold
		}
		if score < threshold {
			continue
		}
		if !ok || score > found.Score {
			found = NearMiss{Phrase: phrase, Heard: heard, Score: score, Phonetic: phonetic}
			ok = true
		}
	}
	return found, ok
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore returns the highest Jaro-Winkler similarity of the full
// strings and of their space-stripped forms.
func bestJWScore(inputTokens, phraseTokens []string, inputFull, phraseFull string) float64 {
	score := matchr.JaroWinkler(inputFull, phraseFull, false)
	if len(inputTokens) > 1 || len(phraseTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(phraseTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}
	return score
}
