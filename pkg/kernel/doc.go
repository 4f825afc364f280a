/*
Package kernel implements a glitch-free push–pull reactive computation
engine: a dynamic DAG of source and computed cells whose asynchronous
recomputation is scheduled in response to source mutations and observer
activity, with the guarantee that every observer sees only
temporally-consistent results.

# Architecture

	┌──────────────────────── KERNEL ─────────────────────────┐
	│                                                          │
	│  Facade (Define / Update / Observe / GetValue / Peek)    │
	│      │                                                   │
	│      ▼                                                   │
	│  Propagation ──── downward: dirty + cause_at             │
	│      │       ──── upward:   observe counts               │
	│      ▼                                                   │
	│  State machine ── Idle / Pending / Ready, derived from   │
	│      │            (dirty, observeCount, dirtyInputCount) │
	│      ▼                                                   │
	│  Scheduler ────── FIFO ready queue, bounded concurrency  │
	│      │                                                   │
	│      ▼                                                   │
	│  Executor ─────── body dispatch, dynamic dependency      │
	│      │            capture, pruning, commit               │
	│      ▼                                                   │
	│  Problem engine ─ quarantine, first-win conflicts,       │
	│                   recursive mark and recovery            │
	└──────────────────────────────────────────────────────────┘

# Scheduling model

All graph mutation is serialized on one kernel lock; this is the Go
rendition of a single scheduling thread. Computation bodies run in
goroutines bounded by MaxConcurrent and re-enter the kernel through the
same lock at every Scope access and on settlement, so the only
suspension points are the awaits inside a body. Ready-queue draining is
always deferred to a pump goroutine, never run re-entrantly from inside
a mutating call.

# Dirty tracking and glitch freedom

Every cell carries two logical timestamps: value_at, when its value
last changed, and cause_at, when an upstream perturbation last reached
it. A computation executes only when it is dirty, observed, and none of
its computed inputs are still dirty (dirtyInputCount == 0). The
counter is what makes diamond topologies glitch-free: the joining node
waits until every branch has committed before running once.

# Cancellation

Each task carries a context cancelled when its computation leaves Ready
while running, when its input snapshot is superseded, or when the last
observer walks away. Bodies should return ErrAborted (or the context
error) when cancelled; the kernel swallows it, keeps the node dirty,
and schedules a successor.

# Problems and repair

Ill-formed definitions (missing inputs, duplicate outputs, cycles) are
quarantined rather than rejected: their outputs carry Fatal results in
a parallel problem table and their downstream is recursively marked.
Every structural change re-sweeps the quarantine for nodes that became
well-formed and recovers them transitively. Duplicate outputs resolve
first-win: the earlier definition owns the name, later claimants are
promoted in definition order when the owner disappears.

# Basic usage

	k, err := kernel.New(types.DefaultOptions())
	if err != nil { ... }
	defer k.Close()

	k.DefineSource(types.SourceSpec{ID: "x", InitialValue: 1, HasInitial: true}, types.DefineOptions{})
	k.DefineComputation(types.ComputationSpec{
		ID:      "double",
		Inputs:  []string{"x"},
		Outputs: []string{"y"},
		Body: func(ctx context.Context, scope types.Scope) (map[string]any, error) {
			x, err := scope.Get("x")
			if err != nil {
				return nil, err
			}
			return map[string]any{"y": x.(int) * 2}, nil
		},
	}, types.DefineOptions{})

	unsub, _ := k.Observe("y", func(r types.Result) { fmt.Println(r) })
	defer unsub()

	_ = k.UpdateSource("x", 21)
	_ = k.WaitIdle(context.Background())
*/
package kernel
