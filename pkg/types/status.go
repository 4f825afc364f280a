package types

// HealthState reports whether a definition landed in the healthy graph
// or was quarantined
type HealthState string

const (
	HealthHealthy     HealthState = "healthy"
	HealthProblematic HealthState = "problematic"
)

// Problem describes one quarantined computation in a status report
type Problem struct {
	ComputationID string
	Reason        ProblemReason
	MissingInputs []string
	CyclePath     []string
	ConflictsWith string
}

// SourceStatus is returned by DefineSource
type SourceStatus struct {
	ID       string
	Health   HealthState
	Problems []Problem
}

// ComputationStatus is returned by DefineComputation
type ComputationStatus struct {
	ID       string
	Health   HealthState
	Problems []Problem
}

// RemovalStatus is returned by RemoveSource and RemoveComputation
type RemovalStatus struct {
	ID      string
	Removed bool
	// Marked lists downstream computations quarantined as a side effect
	Marked []string
	Reason string
}

// VariableSnapshot is the side-effect-free view returned by Peek
type VariableSnapshot struct {
	ID       string
	Result   Result
	IsDirty  bool
	ValueAt  int64
	CauseAt  int64
	Producer string // empty for sources
}

// AutomatonState names the three stable computation states
type AutomatonState string

const (
	StateIdle    AutomatonState = "idle"
	StatePending AutomatonState = "pending"
	StateReady   AutomatonState = "ready"
)

// ComputationSnapshot is the side-effect-free view returned by PeekComputation
type ComputationSnapshot struct {
	ID      string
	Health  HealthState
	State   AutomatonState
	Dirty   bool
	Reason  ProblemReason // set when Health is problematic
	CauseAt int64
	// InputVersion is the max value_at seen among runtime inputs at the
	// last successful execution; 0 means never executed, -1 means a
	// redefinition forced the next execution
	InputVersion    int64
	ObserveCount    int
	DirtyInputCount int
	StaticInputs    []string
	RuntimeInputs   []string
	Outputs         []string
	RunningTaskID   int64 // 0 when no task is running
	AbortingTasks   []int64
}

// GraphHealth is an aggregate summary of the kernel's graph
type GraphHealth struct {
	Clock               int64
	Variables           int
	Computations        int
	ProblemVariables    int
	ProblemComputations int
	ProblemsByReason    map[ProblemReason]int
	ReadyQueueDepth     int
	RunningTasks        int
	Idle                bool
}

// ProblemTrace is one hop in a TraceProblemRoot walk
type ProblemTrace struct {
	ComputationID string
	Reason        ProblemReason
	MissingInputs []string
	ConflictsWith string
}
