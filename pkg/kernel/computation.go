package kernel

import (
	"sort"

	"github.com/reflow-dev/reflow/pkg/types"
)

// computation is a unit mapping a set of input cells to a set of owned
// output cells through an async body. Its automaton state is never
// stored: it is a pure function of (dirty, observeCount,
// dirtyInputCount), re-derived on every field mutation.
type computation struct {
	k    *Kernel
	id   string
	spec types.ComputationSpec

	staticInputs map[string]bool
	// runtimeInputs are the variables actually feeding this computation:
	// all static inputs at creation, narrowed to the accessed subset
	// after each successful execution
	runtimeInputs map[string]*variable
	outputs       map[string]*variable

	dirty           bool
	observeCount    int
	dirtyInputCount int
	causeAt         int64

	// inputVersion is the max value_at among runtime inputs at the last
	// successful execution; 0 means never executed, -1 forces the next
	// execution after an in-place redefinition
	inputVersion int64

	runningTask   *task
	abortingTasks map[int64]*task
}

// state derives the automaton state from the three driving fields
func (c *computation) state() types.AutomatonState {
	if !c.dirty || c.observeCount == 0 {
		return types.StateIdle
	}
	if c.dirtyInputCount > 0 {
		return types.StatePending
	}
	return types.StateReady
}

// mutationCause identifies which field a mutator changed, so the
// transition reaction can distinguish an observer walking away from a
// task that just finished
type mutationCause int

const (
	byDirty mutationCause = iota
	byObserveCount
	byDirtyInputCount
	byCauseAt
)

// setDirty writes the dirty flag and reacts to the state transition
func (c *computation) setDirty(d bool) {
	if c.dirty == d {
		return
	}
	before := c.state()
	c.dirty = d
	c.react(before, c.state(), byDirty)
}

// addObserveCount applies an observer-count delta and reacts
func (c *computation) addObserveCount(delta int) {
	if delta == 0 {
		return
	}
	before := c.state()
	c.observeCount += delta
	c.react(before, c.state(), byObserveCount)
}

// addDirtyInputCount applies a dirty-input-count delta and reacts
func (c *computation) addDirtyInputCount(delta int) {
	if delta == 0 {
		return
	}
	before := c.state()
	c.dirtyInputCount += delta
	if c.dirtyInputCount < 0 {
		c.dirtyInputCount = 0
	}
	c.react(before, c.state(), byDirtyInputCount)
}

// raiseCauseAt lifts cause_at and aborts a running task whose captured
// snapshot the new cause supersedes. Dynamic-dependency attachment
// pre-bumps the task's cause_at before propagating, so legitimate
// in-body access never trips this check.
func (c *computation) raiseCauseAt(t int64) {
	if t <= c.causeAt {
		return
	}
	c.causeAt = t
	if c.runningTask != nil && c.runningTask.causeAt < t {
		c.abortRunningTask()
	}
}

// react is the single transition routine: every side effect of the
// automaton hangs off the before/after pair computed by the mutators.
func (c *computation) react(before, after types.AutomatonState, cause mutationCause) {
	if before == after {
		return
	}

	if before == types.StateReady && c.runningTask != nil {
		switch {
		case after == types.StatePending:
			// The running task is based on a now-dirty input snapshot
			c.abortRunningTask()
		case after == types.StateIdle && cause == byObserveCount:
			// Nobody is waiting for the result anymore. A Ready→Idle
			// transition caused by dirty→false is the task's own
			// successful completion and must not abort it.
			c.abortRunningTask()
		}
	}

	if after == types.StateReady {
		c.maybeEnqueue()
	}
}

// maybeEnqueue schedules the computation when it is Ready with no
// running task. Clearing runningTask alone can open this opportunity
// without a state change, so abort paths call this directly.
func (c *computation) maybeEnqueue() {
	if c.state() == types.StateReady && c.runningTask == nil {
		c.k.enqueue(c)
	}
}

// abortRunningTask cancels the current task, parks it among the
// aborting tasks until it settles, and re-evaluates scheduling.
func (c *computation) abortRunningTask() {
	t := c.runningTask
	if t == nil {
		return
	}
	t.cancel()
	c.abortingTasks[t.id] = t
	c.runningTask = nil
	c.maybeEnqueue()
}

// maxInputValueAt returns the max value_at among runtime inputs
func (c *computation) maxInputValueAt() int64 {
	var max int64
	for _, in := range c.runtimeInputs {
		if in.valueAt > max {
			max = in.valueAt
		}
	}
	return max
}

// maxInputCauseAt returns the max cause_at among runtime inputs
func (c *computation) maxInputCauseAt() int64 {
	var max int64
	for _, in := range c.runtimeInputs {
		if in.causeAt > max {
			max = in.causeAt
		}
	}
	return max
}

// orderedOutputs returns the owned outputs in stable id order so
// propagation and commits are deterministic
func (c *computation) orderedOutputs() []*variable {
	out := make([]*variable, 0, len(c.outputs))
	for _, v := range c.outputs {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// snapshot returns the side-effect-free view used by PeekComputation
func (c *computation) snapshot() types.ComputationSnapshot {
	snap := types.ComputationSnapshot{
		ID:              c.id,
		Health:          types.HealthHealthy,
		State:           c.state(),
		Dirty:           c.dirty,
		CauseAt:         c.causeAt,
		InputVersion:    c.inputVersion,
		ObserveCount:    c.observeCount,
		DirtyInputCount: c.dirtyInputCount,
		StaticInputs:    sortedKeys(c.staticInputs),
		Outputs:         make([]string, 0, len(c.outputs)),
	}
	for id := range c.runtimeInputs {
		snap.RuntimeInputs = append(snap.RuntimeInputs, id)
	}
	sort.Strings(snap.RuntimeInputs)
	for id := range c.outputs {
		snap.Outputs = append(snap.Outputs, id)
	}
	sort.Strings(snap.Outputs)
	if c.runningTask != nil {
		snap.RunningTaskID = c.runningTask.id
	}
	for id := range c.abortingTasks {
		snap.AbortingTasks = append(snap.AbortingTasks, id)
	}
	sort.Slice(snap.AbortingTasks, func(i, j int) bool {
		return snap.AbortingTasks[i] < snap.AbortingTasks[j]
	})
	return snap
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
