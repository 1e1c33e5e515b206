package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills unset fields with their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if len(cfg.Decision.BackchannelWords) == 0 {
		cfg.Decision.BackchannelWords = DefaultBackchannelWords
		slog.Info("decision.backchannel_words not set; using built-in list",
			"words", len(DefaultBackchannelWords))
	}
	if len(cfg.Decision.InterruptWords) == 0 {
		cfg.Decision.InterruptWords = DefaultInterruptWords
		slog.Info("decision.interrupt_words not set; using built-in list",
			"words", len(DefaultInterruptWords))
	}
	if cfg.Decision.MaxBackchannelTokens == 0 {
		cfg.Decision.MaxBackchannelTokens = DefaultMaxBackchannelTokens
	}
	if cfg.Decision.ResolutionTimeout == 0 {
		cfg.Decision.ResolutionTimeout = Duration(DefaultResolutionTimeout)
	}
	if cfg.Decision.TimeoutFallback == "" {
		cfg.Decision.TimeoutFallback = FallbackIgnore
	}
}

// Validate checks that cfg contains a coherent set of values. Invalid
// thresholds are rejected here, at load time, so the decision core never has
// to handle them. It returns a joined error listing all failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	d := cfg.Decision
	if d.MaxBackchannelTokens <= 0 {
		errs = append(errs, fmt.Errorf("decision.max_backchannel_tokens %d must be positive", d.MaxBackchannelTokens))
	}
	if d.ResolutionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("decision.resolution_timeout %s must be positive", d.ResolutionTimeout.Std()))
	}
	if !d.TimeoutFallback.IsValid() {
		errs = append(errs, fmt.Errorf("decision.timeout_fallback %q is invalid; valid values: ignore, interrupt", d.TimeoutFallback))
	}
	if t := d.FuzzyMatching.SimilarityThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("decision.fuzzy_matching.similarity_threshold %.2f is out of range [0, 1]", t))
	}

	// Suspicious-but-legal values get warnings, not errors.
	if d.ResolutionTimeout.Std() > 5*DefaultResolutionTimeout {
		slog.Warn("decision.resolution_timeout is unusually long; pending decisions will feel laggy",
			"resolution_timeout", d.ResolutionTimeout.Std())
	}
	if overlap := intersect(d.BackchannelWords, d.InterruptWords); len(overlap) > 0 {
		slog.Warn("words listed as both backchannel and interrupt always interrupt",
			"words", overlap)
	}

	return errors.Join(errs...)
}

// intersect returns the entries present in both lists.
func intersect(a, b []string) []string {
	seen := make(map[string]struct{}, len(a))
	for _, w := range a {
		seen[w] = struct{}{}
	}
	var both []string
	for _, w := range b {
		if _, ok := seen[w]; ok {
			both = append(both, w)
		}
	}
	return both
}
