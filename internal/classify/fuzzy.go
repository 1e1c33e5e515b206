package classify

import "github.com/antzucaro/matchr"

// defaultSimilarityThreshold is the minimum Jaro-Winkler score for a
// phonetically-overlapping token pair to count as a match.
const defaultSimilarityThreshold = 0.85

// FuzzyMatcher widens word-list membership to phonetic spelling variants.
//
// STT engines routinely emit variant spellings of filler words — "yea" or
// "yeh" for "yeah", "mhm" for "mhmm", "k" for "okay" — and a list-based
// classifier that misses them would escalate a harmless backchannel into a
// barge-in. A token matches a configured word when their Double Metaphone
// codes overlap and the Jaro-Winkler similarity of the raw strings clears
// the threshold. Requiring both keeps the match tight: the phonetic stage
// filters to plausible homophones, the similarity stage rejects short
// accidental collisions.
//
// FuzzyMatcher is read-only after construction and safe for concurrent use.
type FuzzyMatcher struct {
	threshold float64
}

// FuzzyOption is a functional option for configuring a [FuzzyMatcher].
type FuzzyOption func(*FuzzyMatcher)

// WithSimilarityThreshold sets the minimum Jaro-Winkler score required in
// addition to phonetic-code overlap. Default: 0.85.
func WithSimilarityThreshold(threshold float64) FuzzyOption {
	return func(m *FuzzyMatcher) { m.threshold = threshold }
}

// NewFuzzyMatcher returns a FuzzyMatcher configured with the supplied options.
func NewFuzzyMatcher(opts ...FuzzyOption) *FuzzyMatcher {
	m := &FuzzyMatcher{threshold: defaultSimilarityThreshold}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Matches reports whether token is a phonetic variant of word. Both inputs
// are expected to be lowercased single tokens (the classifier's tokenizer
// guarantees this).
func (m *FuzzyMatcher) Matches(token, word string) bool {
	if token == word {
		return true
	}
	if !codesOverlap(token, word) {
		return false
	}
	return matchr.JaroWinkler(token, word, false) >= m.threshold
}

// codesOverlap reports whether any Double Metaphone code of a coincides with
// one of b. Empty codes (very short or vowel-only words) never overlap.
func codesOverlap(a, b string) bool {
	ap, as := matchr.DoubleMetaphone(a)
	bp, bs := matchr.DoubleMetaphone(b)
	for _, ca := range [2]string{ap, as} {
		if ca == "" {
			continue
		}
		if ca == bp || (bs != "" && ca == bs) {
			return true
		}
	}
	return false
}
