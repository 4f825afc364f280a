package kernel

import "sort"

// propagateCauseDownward carries a perturbation cause from source down
// through comp and its transitive consumers. It is synchronous and
// re-entrant; recursion depth is bounded by graph depth.
//
// Call sites: source update, the recursion through an output that
// turns dirty, settlement of a task that finished while its node was
// still dirty (a late upstream push), in-place redefinition, re-observing
// a stale computation, and dynamic-dependency attachment (the last four
// with isNewDirty=false).
//
// isNewDirty is deliberately distinct from "cause_at rose": under a
// diamond the same cause reaches a consumer along several edges, but
// the dirty-input counter must fire only on the edge that converts an
// input from clean to dirty.
func (k *Kernel) propagateCauseDownward(comp *computation, newCause int64, source *variable, isNewDirty bool) {
	// The counter update precedes the monotonicity cut: the cause may
	// already have arrived along another edge while this input's
	// clean→dirty flip still needs counting.
	if source != nil && isNewDirty && source.dirty && source.producer != nil {
		if _, tracked := comp.runtimeInputs[source.id]; tracked {
			comp.addDirtyInputCount(1)
		}
	}

	if newCause <= comp.causeAt {
		return
	}

	// raiseCauseAt runs the supersession abort check before returning
	comp.raiseCauseAt(newCause)
	comp.setDirty(true)

	for _, o := range comp.orderedOutputs() {
		wasDirty := o.dirty
		o.raiseCauseAt(newCause)
		o.dirty = true
		for _, dep := range sortedDependents(o) {
			k.propagateCauseDownward(dep, newCause, o, !wasDirty)
		}
	}
}

// propagateObserveCount carries an observer-count delta from v up
// through its producer chain. A positive delta on a stale computation
// (committed long ago, inputs moved on while it was unobserved)
// re-dirties it so the newly interested observer gets a fresh value.
func (k *Kernel) propagateObserveCount(v *variable, delta int) {
	if delta == 0 {
		return
	}
	v.observeCount += delta
	c := v.producer
	if c == nil {
		return
	}

	c.addObserveCount(delta)
	for _, in := range orderedInputs(c) {
		k.propagateObserveCount(in, delta)
	}

	if delta > 0 && !c.dirty {
		maxValue := c.maxInputValueAt()
		maxCause := c.maxInputCauseAt()
		if c.inputVersion < maxValue && maxCause > c.causeAt {
			k.propagateCauseDownward(c, maxCause, nil, false)
		}
	}
}

func sortedDependents(v *variable) []*computation {
	deps := make([]*computation, 0, len(v.dependents))
	for _, d := range v.dependents {
		deps = append(deps, d)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].id < deps[j].id })
	return deps
}

func orderedInputs(c *computation) []*variable {
	ins := make([]*variable, 0, len(c.runtimeInputs))
	for _, in := range c.runtimeInputs {
		ins = append(ins, in)
	}
	sort.Slice(ins, func(i, j int) bool { return ins[i].id < ins[j].id })
	return ins
}
