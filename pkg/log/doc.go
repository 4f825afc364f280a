/*
Package log provides structured logging for Reflow using zerolog.

The package wraps zerolog behind a small API: a global Logger configured
once via Init, child-logger constructors that attach standard fields
(component, variable_id, computation_id), and plain helpers for one-off
messages.

# Usage

	log.Init(log.Config{Level: types.LogDebug})

	logger := log.WithComponent("scheduler")
	logger.Debug().Str("computation_id", id).Msg("enqueued")

The kernel logs through the WithVariableID and WithComputationID child
loggers, so each line names the cell or computation it concerns.

The kernel's trace level maps to zerolog's trace level. The kernel emits
no trace-level lines of its own, so at trace it logs the same lines as
at debug.
*/
package log
