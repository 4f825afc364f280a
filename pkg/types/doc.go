/*
Package types defines the shared data model of the Reflow kernel.

It carries no behavior beyond validation and formatting: tagged Result
values, structural error descriptions, definition specs, facade status
shapes, read-only snapshots, and kernel configuration.

# Result

Every cell holds a Result, a tagged variant with four kinds:

	Success(value)   committed value
	Error(err)       runtime error raised by a computation body
	Fatal(se)        structural error; the owning node is quarantined
	Uninitialized    never written

Error results propagate downstream as data: a body reading an Error input
through Scope.Get receives the error; through Scope.GetResult it receives
the variant without an error return. Fatal results never propagate as
errors; downstream nodes are quarantined instead.

# Configuration

Options mirrors the kernel's runtime knobs (bounded concurrency, abort
strategy, log level, invariant assertions) and can be loaded from YAML:

	opts, err := types.OptionsFromYAML(data)

Defaults: MaxConcurrent 16, AbortStrategy deferred, LogLevel error.
*/
package types
