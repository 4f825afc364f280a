package kernel

import (
	"fmt"

	"github.com/reflow-dev/reflow/pkg/types"
)

// assertInvariants checks the structural invariants of the graph when
// AssertInvariants is enabled. A violation panics with a diagnostic;
// the switch exists for tests and should stay off in production.
func (k *Kernel) assertInvariants() {
	if !k.opts.AssertInvariants {
		return
	}
	if err := k.verify(); err != nil {
		panic(fmt.Sprintf("kernel invariant violation: %v", err))
	}
}

// verify walks both node tables. The value_at/result pairing (V2) is
// deliberately scoped to the healthy table: quarantine resets a cell to
// value_at 0 while it carries Fatal, so problem variables live under
// their own Fatal-only invariant instead.
func (k *Kernel) verify() error {
	for id, v := range k.variables {
		if v.id != id {
			return fmt.Errorf("variable %q indexed under %q", v.id, id)
		}
		// Sources are never dirty: they are clean immediately after
		// every update
		if v.producer == nil && v.dirty {
			return fmt.Errorf("source %q is dirty", id)
		}
		if (v.valueAt == 0) != v.result.IsUninitialized() {
			return fmt.Errorf("variable %q: value_at %d does not match result %s",
				id, v.valueAt, v.result.Kind)
		}
		if v.result.IsFatal() {
			return fmt.Errorf("variable %q carries a fatal result outside the problem table", id)
		}
		if v.producer != nil {
			if _, owned := v.producer.outputs[id]; !owned {
				return fmt.Errorf("variable %q not among its producer's outputs", id)
			}
		}
	}

	for id, c := range k.computations {
		if c.id != id {
			return fmt.Errorf("computation %q indexed under %q", c.id, id)
		}
		for inID, in := range c.runtimeInputs {
			if !c.staticInputs[inID] {
				return fmt.Errorf("computation %q: runtime input %q not declared", id, inID)
			}
			if in.causeAt > c.causeAt {
				return fmt.Errorf("computation %q: cause_at %d below input %q cause_at %d",
					id, c.causeAt, inID, in.causeAt)
			}
			if _, isProblem := k.problemVariables[inID]; isProblem {
				return fmt.Errorf("computation %q consumes quarantined input %q", id, inID)
			}
		}

		allDirty, anyDirty := true, false
		for outID, o := range c.outputs {
			if o.causeAt != c.causeAt {
				return fmt.Errorf("computation %q: output %q cause_at %d != %d",
					id, outID, o.causeAt, c.causeAt)
			}
			if o.dirty {
				anyDirty = true
			} else {
				allDirty = false
			}
		}
		if c.dirty && !allDirty {
			return fmt.Errorf("computation %q dirty with a clean output", id)
		}
		if !c.dirty && anyDirty {
			return fmt.Errorf("computation %q clean with a dirty output", id)
		}

		dirtyComputed := 0
		for _, in := range c.runtimeInputs {
			if in.producer != nil && in.dirty {
				dirtyComputed++
			}
		}
		if c.dirtyInputCount != dirtyComputed {
			return fmt.Errorf("computation %q: dirtyInputCount %d, counted %d",
				id, c.dirtyInputCount, dirtyComputed)
		}

		if c.observeCount < 0 {
			return fmt.Errorf("computation %q: negative observeCount %d", id, c.observeCount)
		}
		if c.runningTask != nil {
			if c.state() != types.StateReady {
				return fmt.Errorf("computation %q: running task in state %s", id, c.state())
			}
			if _, doubled := c.abortingTasks[c.runningTask.id]; doubled {
				return fmt.Errorf("computation %q: running task also aborting", id)
			}
		}
		for tid, t := range c.abortingTasks {
			if t.ctx.Err() == nil {
				return fmt.Errorf("computation %q: aborting task %d not cancelled", id, tid)
			}
		}
	}

	for id, pv := range k.problemVariables {
		if !pv.result.IsFatal() {
			return fmt.Errorf("problem variable %q carries %s, want Fatal", id, pv.result.Kind)
		}
	}
	return nil
}
