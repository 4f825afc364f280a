package types

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AbortStrategy selects how a superseded task hands over to its successor
type AbortStrategy string

const (
	// AbortDeferred waits for the prior task to settle before dispatching
	// the replacement
	AbortDeferred AbortStrategy = "deferred"
	// AbortImmediate dispatches the replacement as soon as the prior task's
	// cancellation signal is set
	AbortImmediate AbortStrategy = "immediate"
)

// LogLevel controls kernel log verbosity
type LogLevel string

const (
	LogTrace LogLevel = "trace"
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogError LogLevel = "error"
)

// EqualsFunc is the deep structural equality operator the kernel uses for
// output pruning. Implementations must treat incomparable values as unequal.
type EqualsFunc func(a, b any) bool

// Options configures a kernel instance
type Options struct {
	// MaxConcurrent bounds the number of in-flight computation bodies
	MaxConcurrent int `yaml:"max_concurrent"`
	// AbortStrategy selects deferred or immediate task replacement
	AbortStrategy AbortStrategy `yaml:"abort_strategy"`
	// LogLevel controls kernel log verbosity
	LogLevel LogLevel `yaml:"log_level"`
	// AssertInvariants enables internal consistency checks after every
	// mutation; violations panic. Intended for tests.
	AssertInvariants bool `yaml:"assert_invariants"`
	// Equals overrides the deep-equality operator used for output pruning
	Equals EqualsFunc `yaml:"-"`
}

// DefaultOptions returns the documented defaults
func DefaultOptions() Options {
	return Options{
		MaxConcurrent: 16,
		AbortStrategy: AbortDeferred,
		LogLevel:      LogError,
	}
}

// ApplyDefaults fills zero-valued fields with their defaults
func (o *Options) ApplyDefaults() {
	def := DefaultOptions()
	if o.MaxConcurrent == 0 {
		o.MaxConcurrent = def.MaxConcurrent
	}
	if o.AbortStrategy == "" {
		o.AbortStrategy = def.AbortStrategy
	}
	if o.LogLevel == "" {
		o.LogLevel = def.LogLevel
	}
}

// Validate checks option values after defaults are applied
func (o *Options) Validate() error {
	if o.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive, got %d", o.MaxConcurrent)
	}
	switch o.AbortStrategy {
	case AbortDeferred, AbortImmediate:
	default:
		return fmt.Errorf("unknown abort_strategy: %q", o.AbortStrategy)
	}
	switch o.LogLevel {
	case LogTrace, LogDebug, LogInfo, LogError:
	default:
		return fmt.Errorf("unknown log_level: %q", o.LogLevel)
	}
	return nil
}

// OptionsFromYAML parses options from YAML, applies defaults and validates
func OptionsFromYAML(data []byte) (Options, error) {
	var opts Options
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("failed to parse options: %w", err)
	}
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// LoadOptionsFile reads and parses an options file
func LoadOptionsFile(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("failed to read options file: %w", err)
	}
	return OptionsFromYAML(data)
}
