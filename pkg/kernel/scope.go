package kernel

import (
	"fmt"

	"github.com/reflow-dev/reflow/pkg/types"
)

// Scope is the window a running body reads its inputs through. Each
// access checks cancellation, awaits the target's clean state, and only
// then attaches the variable as a runtime dependency, so the
// dirty-input counter is never inflated by a value that is about to
// become clean.
type Scope struct {
	k *Kernel
	c *computation
	t *task
}

var _ types.Scope = (*Scope)(nil)

// Get resolves an input, waits until it is clean, attaches it as a
// runtime dependency, and returns its committed value. Non-success
// results surface as errors: Error inputs rethrow their original error
// (catchable inside the body), Fatal inputs surface the structural
// error, Uninitialized inputs surface ErrUninitialized.
func (s *Scope) Get(name string) (any, error) {
	r, err := s.access(name)
	if err != nil {
		return nil, err
	}
	return r.Unwrap()
}

// GetResult is the non-throwing accessor: it performs the same await
// and attach, then returns the full Result regardless of its kind.
func (s *Scope) GetResult(name string) (types.Result, error) {
	return s.access(name)
}

func (s *Scope) access(name string) (types.Result, error) {
	k := s.k
	k.mu.Lock()
	defer k.mu.Unlock()

	if s.t.aborted() {
		return types.Result{}, ErrAborted
	}

	// Resolve in the normal table first, then the problem table; an
	// Uninitialized cell is a real cell and must never be skipped
	v := k.lookupVariable(name)
	if v == nil {
		return types.Result{}, fmt.Errorf("input %q does not exist", name)
	}

	// Await the clean state before attaching
	r, err := k.awaitClean(s.t.ctx, name)
	if err != nil {
		return types.Result{}, err
	}
	if s.t.aborted() {
		return types.Result{}, ErrAborted
	}

	// The variable object may have been replaced while waiting
	v = k.lookupVariable(name)
	if v == nil {
		return types.Result{}, fmt.Errorf("input %q no longer exists", name)
	}

	if err := s.attach(v); err != nil {
		return types.Result{}, err
	}
	s.t.used[name] = true
	return r, nil
}

// attach installs v as a runtime dependency of the running computation
func (s *Scope) attach(v *variable) error {
	c, t, k := s.c, s.t, s.k

	if _, tracked := c.runtimeInputs[v.id]; tracked {
		return nil
	}
	if !c.staticInputs[v.id] {
		return fmt.Errorf("invalid dynamic access: %q is not a declared input of %q", v.id, c.id)
	}

	// Pre-bump the task's cause snapshot so the downward propagation
	// below does not read as supersession of this very task
	if v.causeAt > t.causeAt {
		t.causeAt = v.causeAt
	}

	c.runtimeInputs[v.id] = v
	v.dependents[c.id] = c
	k.propagateObserveCount(v, c.observeCount)

	// Carry the input's cause through this computation's outputs. The
	// value was just awaited clean, so no dirty-input bump (isNewDirty
	// false); the defensive check below covers the rare dirty re-entry.
	k.propagateCauseDownward(c, v.causeAt, nil, false)
	if v.dirty && v.producer != nil {
		c.addDirtyInputCount(1)
	}
	return nil
}
