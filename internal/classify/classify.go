// Package classify implements the pure decision engine that turns a final
// transcript plus an agent-state snapshot into an interruption decision.
//
// The classifier has no hidden state and performs no I/O: given the same
// text, snapshot, and word lists it always produces the same result. All
// temporal and concurrency concerns (waiting for the transcript, timeout
// fallbacks, coalescing) live in the interrupt package — by the time Analyze
// runs, the race has already been settled.
//
// Decision rules, in priority order while the agent is speaking:
//
//  1. Any interrupt word present → Interrupt. Interrupt-word membership
//     dominates backchannel membership regardless of token order or count,
//     so "yeah but wait" interrupts.
//  2. Non-empty, at most MaxBackchannelTokens tokens, every token a
//     backchannel word → Ignore.
//  3. Any other non-empty token sequence → Interrupt. Substantive content is
//     never silently dropped just because no explicit interrupt word appears.
//  4. Empty token sequence → Ignore (nothing intelligible was transcribed).
//
// While the agent is silent, any non-empty token sequence is a Respond —
// even a lone backchannel word, which is conversationally meaningful when
// the agent asked a question and went quiet.
package classify

import (
	"strings"
	"unicode"

	"github.com/sonavox/turnguard/pkg/types"
)

// Reason strings attached to decisions for observability. They form a fixed
// set so they are safe to use as metric attributes.
const (
	ReasonInterruptWord = "interrupt word present"
	ReasonBackchannel   = "pure short backchannel"
	ReasonSubstantive   = "substantive content while agent speaking"
	ReasonEmpty         = "empty transcript"
	ReasonAgentSilent   = "reply while agent silent"
)

// Config holds the word lists and thresholds for a [Classifier]. It is
// loaded once by the surrounding application and never mutated by this
// package.
type Config struct {
	// BackchannelWords are short acknowledgements ("yeah", "ok", "mhm") that
	// should not interrupt the agent. Matching is case-insensitive and
	// exact-token.
	BackchannelWords []string

	// InterruptWords are explicit barge-in markers ("stop", "wait", "no")
	// that always interrupt, even mixed with backchannel words.
	InterruptWords []string

	// MaxBackchannelTokens is the maximum token count for an utterance to
	// still qualify as a pure backchannel. Must be positive.
	MaxBackchannelTokens int
}

// Classifier applies the decision rules. It is read-only after construction
// and therefore safe for concurrent use.
type Classifier struct {
	backchannel map[string]struct{}
	interrupt   map[string]struct{}
	maxTokens   int
	fuzzy       *FuzzyMatcher // nil = exact matching only
}

// Option configures a [Classifier] during construction.
type Option func(*Classifier)

// WithFuzzyMatcher enables phonetic word matching so that common STT
// spelling variants of configured words ("yea" for "yeah") still match.
// Exact membership is always checked first; the matcher only widens it.
func WithFuzzyMatcher(m *FuzzyMatcher) Option {
	return func(c *Classifier) { c.fuzzy = m }
}

// New creates a Classifier from cfg. Word-list entries are lowercased and
// tokenized the same way input text is, so a configured "uh-huh" matches the
// token "uh-huh".
func New(cfg Config, opts ...Option) *Classifier {
	c := &Classifier{
		backchannel: toSet(cfg.BackchannelWords),
		interrupt:   toSet(cfg.InterruptWords),
		maxTokens:   cfg.MaxBackchannelTokens,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Analyze classifies text against the agent-state snapshot captured when the
// interruption event was opened. It returns the decision and a fixed reason
// string for logging and metrics.
func (c *Classifier) Analyze(text string, state types.AgentState) (types.Decision, string) {
	tokens := Tokenize(text)

	if len(tokens) == 0 {
		// Nothing was actually said; holds for both speaking and silent.
		return types.DecisionIgnore, ReasonEmpty
	}

	if state != types.StateSpeaking {
		return types.DecisionRespond, ReasonAgentSilent
	}

	for _, tok := range tokens {
		if c.member(c.interrupt, tok) {
			return types.DecisionInterrupt, ReasonInterruptWord
		}
	}

	if len(tokens) <= c.maxTokens && c.allBackchannel(tokens) {
		return types.DecisionIgnore, ReasonBackchannel
	}

	return types.DecisionInterrupt, ReasonSubstantive
}

// allBackchannel reports whether every token is a backchannel word.
func (c *Classifier) allBackchannel(tokens []string) bool {
	for _, tok := range tokens {
		if !c.member(c.backchannel, tok) {
			return false
		}
	}
	return true
}

// member tests token membership in set, falling back to the fuzzy matcher
// when one is configured.
func (c *Classifier) member(set map[string]struct{}, token string) bool {
	if _, ok := set[token]; ok {
		return true
	}
	if c.fuzzy == nil {
		return false
	}
	for word := range set {
		if c.fuzzy.Matches(token, word) {
			return true
		}
	}
	return false
}

// Tokenize lowercases text and extracts maximal runs of word characters.
// Letters and digits are word characters; hyphens and apostrophes are kept
// only when internal to a run ("uh-huh", "don't"). Pure punctuation is
// discarded, so empty or whitespace-only input yields no tokens.
func Tokenize(text string) []string {
	text = strings.ToLower(text)

	var tokens []string
	var run strings.Builder
	flush := func() {
		if run.Len() == 0 {
			return
		}
		if tok := strings.Trim(run.String(), "-'’"); tok != "" {
			tokens = append(tokens, tok)
		}
		run.Reset()
	}

	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			run.WriteRune(r)
		case r == '-' || r == '\'' || r == '’':
			// Joiners are provisional; edge occurrences are trimmed on flush.
			run.WriteRune(r)
		default:
			flush()
		}
	}
	flush()

	return tokens
}

// toSet lowercase-normalises words into a membership set. Entries are run
// through the tokenizer so configured words match post-tokenization input;
// multi-token entries are dropped since they can never match a single token.
func toSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		toks := Tokenize(w)
		if len(toks) == 1 {
			set[toks[0]] = struct{}{}
		}
	}
	return set
}
