package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultOptions tests the documented defaults
func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, 16, opts.MaxConcurrent)
	assert.Equal(t, AbortDeferred, opts.AbortStrategy)
	assert.Equal(t, LogError, opts.LogLevel)
	assert.False(t, opts.AssertInvariants)
}

// TestOptionsValidate tests option validation after defaults
func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "defaults are valid", opts: DefaultOptions(), wantErr: false},
		{name: "zero max concurrent", opts: Options{MaxConcurrent: 0, AbortStrategy: AbortDeferred, LogLevel: LogError}, wantErr: true},
		{name: "negative max concurrent", opts: Options{MaxConcurrent: -1, AbortStrategy: AbortDeferred, LogLevel: LogError}, wantErr: true},
		{name: "unknown abort strategy", opts: Options{MaxConcurrent: 1, AbortStrategy: "eager", LogLevel: LogError}, wantErr: true},
		{name: "unknown log level", opts: Options{MaxConcurrent: 1, AbortStrategy: AbortImmediate, LogLevel: "verbose"}, wantErr: true},
		{name: "immediate strategy", opts: Options{MaxConcurrent: 4, AbortStrategy: AbortImmediate, LogLevel: LogTrace}, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestOptionsFromYAML tests YAML parsing with defaults applied
func TestOptionsFromYAML(t *testing.T) {
	opts, err := OptionsFromYAML([]byte(`
max_concurrent: 4
abort_strategy: immediate
log_level: debug
assert_invariants: true
`))
	require.NoError(t, err)
	assert.Equal(t, 4, opts.MaxConcurrent)
	assert.Equal(t, AbortImmediate, opts.AbortStrategy)
	assert.Equal(t, LogDebug, opts.LogLevel)
	assert.True(t, opts.AssertInvariants)
}

// TestOptionsFromYAMLDefaults tests that omitted fields pick up defaults
func TestOptionsFromYAMLDefaults(t *testing.T) {
	opts, err := OptionsFromYAML([]byte(`max_concurrent: 2`))
	require.NoError(t, err)
	assert.Equal(t, 2, opts.MaxConcurrent)
	assert.Equal(t, AbortDeferred, opts.AbortStrategy)
	assert.Equal(t, LogError, opts.LogLevel)
}

// TestOptionsFromYAMLInvalid tests rejection of malformed input
func TestOptionsFromYAMLInvalid(t *testing.T) {
	_, err := OptionsFromYAML([]byte(`abort_strategy: sometimes`))
	assert.Error(t, err)

	_, err = OptionsFromYAML([]byte(`max_concurrent: {`))
	assert.Error(t, err)
}
