package types

import (
	"errors"
	"fmt"
	"strings"
)

// ProblemReason classifies why a computation was quarantined
type ProblemReason string

const (
	ReasonMissingInput       ProblemReason = "missing-input"
	ReasonCircularDependency ProblemReason = "circular-dependency"
	ReasonInvalidDefinition  ProblemReason = "invalid-definition"
	ReasonDuplicateOutput    ProblemReason = "duplicate-output"
)

// StructuralError describes an ill-formed definition.
// It is carried by Fatal results and by problem-computation records.
type StructuralError struct {
	Reason        ProblemReason
	ComputationID string
	MissingInputs []string // populated for missing-input
	CyclePath     []string // populated for circular-dependency
	ConflictsWith string   // populated for duplicate-output: the winning producer
	Detail        string
}

// Error implements the error interface
func (e *StructuralError) Error() string {
	switch e.Reason {
	case ReasonMissingInput:
		return fmt.Sprintf("computation %s has missing inputs: %s",
			e.ComputationID, strings.Join(e.MissingInputs, ", "))
	case ReasonCircularDependency:
		return fmt.Sprintf("computation %s is part of a dependency cycle: %s",
			e.ComputationID, strings.Join(e.CyclePath, " -> "))
	case ReasonDuplicateOutput:
		return fmt.Sprintf("computation %s declares an output already owned by %s",
			e.ComputationID, e.ConflictsWith)
	default:
		return fmt.Sprintf("computation %s has an invalid definition: %s",
			e.ComputationID, e.Detail)
	}
}

// Operational sentinel errors returned by facade operations
var (
	// ErrNotFound is returned when an id resolves to neither table
	ErrNotFound = errors.New("not found")
	// ErrNotSource is returned by UpdateSource on a computed cell
	ErrNotSource = errors.New("variable is not a source")
	// ErrAlreadyDefined names redefinition without AllowRedefinition. The
	// Define operations do not return it: they report that case in their
	// status as an invalid-definition problem
	ErrAlreadyDefined = errors.New("already defined")
	// ErrUninitialized is surfaced by GetValue on a cell never written
	ErrUninitialized = errors.New("variable is uninitialized")
	// ErrKernelClosed is returned by operations on a closed kernel
	ErrKernelClosed = errors.New("kernel is closed")
)
