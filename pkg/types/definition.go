package types

import "context"

// Scope is the view of the graph a computation body reads its inputs
// through. Get blocks until the named input is clean and returns its
// committed value; error and fatal inputs surface as errors. GetResult
// returns the full Result without converting non-success to an error.
type Scope interface {
	Get(name string) (any, error)
	GetResult(name string) (Result, error)
}

// BodyFunc is a computation body. It reads inputs through scope and
// returns one value per declared output, keyed by output id. The context
// is cancelled when the task is superseded or no longer observed; bodies
// are expected to honor it at await boundaries.
type BodyFunc func(ctx context.Context, scope Scope) (map[string]any, error)

// Observer receives a cell's Result: once on subscription when the cell
// is clean, then each time the cell's Result changes. A recomputation
// that commits an equal value does not notify.
type Observer func(Result)

// SourceSpec declares a source cell
type SourceSpec struct {
	ID           string
	InitialValue any
	// HasInitial distinguishes "no initial value" from an explicit nil
	HasInitial bool
}

// ComputationSpec declares a computation: its identity, the inputs it may
// read, the outputs it owns, and its body
type ComputationSpec struct {
	ID      string
	Inputs  []string
	Outputs []string
	Body    BodyFunc
}

// DefineOptions modifies Define* behavior
type DefineOptions struct {
	// AllowRedefinition permits replacing an existing definition in place
	AllowRedefinition bool
}
