// Package config provides the configuration schema and loader for the
// turnguard gateway.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sonavox/turnguard/pkg/types"
)

// LogLevel controls log verbosity for the turnguard gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Fallback selects the decision emitted when the resolution timeout fires
// with no transcript attached. This is the single most consequential tuning
// knob in the system, which is why it is configuration rather than a
// constant.
type Fallback string

const (
	// FallbackIgnore assumes the VAD pulse was noise or a backchannel when
	// STT never confirms otherwise — conservative, biases against
	// interrupting on uncertain signals.
	FallbackIgnore Fallback = "ignore"

	// FallbackInterrupt assumes real content should not be stranded —
	// biases toward responsiveness at the cost of occasional false
	// interrupts on slow STT.
	FallbackInterrupt Fallback = "interrupt"
)

// IsValid reports whether f is a recognised fallback.
func (f Fallback) IsValid() bool {
	return f == FallbackIgnore || f == FallbackInterrupt
}

// Decision returns the [types.Decision] value the fallback maps to.
// Only valid fallbacks have a meaningful mapping.
func (f Fallback) Decision() types.Decision {
	if f == FallbackInterrupt {
		return types.DecisionInterrupt
	}
	return types.DecisionIgnore
}

// Duration wraps [time.Duration] with YAML unmarshalling from strings in
// [time.ParseDuration] syntax ("750ms", "1.5s").
type Duration time.Duration

// UnmarshalYAML implements [yaml.Unmarshaler].
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for turnguard.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Decision DecisionConfig `yaml:"decision"`
}

// ServerConfig holds network and logging settings for the gateway.
type ServerConfig struct {
	// ListenAddr is the TCP address the gateway listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// DecisionConfig holds the classification word lists and the resolution
// policy for pending interruption events. Loaded once at startup; the
// decision core never mutates it.
type DecisionConfig struct {
	// BackchannelWords are short acknowledgements that should not interrupt
	// the agent. Empty means [DefaultBackchannelWords].
	BackchannelWords []string `yaml:"backchannel_words"`

	// InterruptWords always trigger an interrupt, even mixed with
	// backchannel words. Empty means [DefaultInterruptWords].
	InterruptWords []string `yaml:"interrupt_words"`

	// MaxBackchannelTokens is the longest token sequence that can still
	// count as a pure backchannel. Must be positive.
	MaxBackchannelTokens int `yaml:"max_backchannel_tokens"`

	// ResolutionTimeout bounds how long a decision stays open waiting for
	// the transcript. Must be positive.
	ResolutionTimeout Duration `yaml:"resolution_timeout"`

	// TimeoutFallback is the decision emitted when the timeout fires.
	TimeoutFallback Fallback `yaml:"timeout_fallback"`

	// FuzzyMatching widens word-list membership to phonetic spelling
	// variants of the configured words.
	FuzzyMatching FuzzyConfig `yaml:"fuzzy_matching"`
}

// FuzzyConfig configures phonetic word matching in the classifier.
type FuzzyConfig struct {
	// Enabled turns phonetic matching on. Off by default — exact token
	// membership is the baseline behaviour.
	Enabled bool `yaml:"enabled"`

	// SimilarityThreshold is the minimum Jaro-Winkler score, in (0, 1],
	// required alongside phonetic-code overlap. Zero means the matcher's
	// built-in default.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// Defaults applied by [Load] when the corresponding field is unset.
const (
	DefaultListenAddr           = ":8080"
	DefaultMaxBackchannelTokens = 3
	DefaultResolutionTimeout    = 750 * time.Millisecond
)

// DefaultBackchannelWords is the built-in acknowledgement list, used when
// the config omits backchannel_words.
var DefaultBackchannelWords = []string{
	"yeah", "yep", "yes", "ok", "okay", "right", "sure",
	"mhm", "mm-hmm", "uh-huh", "hmm", "huh", "aha",
	"gotcha", "cool", "nice", "true", "exactly", "totally", "wow",
}

// DefaultInterruptWords is the built-in barge-in marker list, used when the
// config omits interrupt_words.
var DefaultInterruptWords = []string{
	"stop", "wait", "no", "hold", "pause", "actually", "sorry", "question",
}
