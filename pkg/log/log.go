package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/reflow-dev/reflow/pkg/types"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Config holds logging configuration
type Config struct {
	Level      types.LogLevel
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	zerolog.SetGlobalLevel(ToZerolog(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// ToZerolog maps a kernel log level onto a zerolog level
func ToZerolog(level types.LogLevel) zerolog.Level {
	switch level {
	case types.LogTrace:
		return zerolog.TraceLevel
	case types.LogDebug:
		return zerolog.DebugLevel
	case types.LogInfo:
		return zerolog.InfoLevel
	case types.LogError:
		return zerolog.ErrorLevel
	default:
		return zerolog.ErrorLevel
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	return &l
}

// WithVariableID creates a child logger with variable_id field
func WithVariableID(variableID string) *zerolog.Logger {
	l := Logger.With().Str("variable_id", variableID).Logger()
	return &l
}

// WithComputationID creates a child logger with computation_id field
func WithComputationID(computationID string) *zerolog.Logger {
	l := Logger.With().Str("computation_id", computationID).Logger()
	return &l
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}
