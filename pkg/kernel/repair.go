package kernel

import (
	"sort"

	"github.com/reflow-dev/reflow/pkg/events"
	"github.com/reflow-dev/reflow/pkg/graph"
	"github.com/reflow-dev/reflow/pkg/log"
	"github.com/reflow-dev/reflow/pkg/metrics"
	"github.com/reflow-dev/reflow/pkg/types"
)

// repairOnAvailable sweeps problem computations whose missing set
// contains the newly-available variable, dropping it and recovering any
// that became satisfiable. Recovery is transitive: a recovered node's
// outputs trigger their own sweep.
func (k *Kernel) repairOnAvailable(varID string) {
	for _, pc := range k.orderedProblems() {
		if !pc.missingInputs[varID] {
			continue
		}
		delete(pc.missingInputs, varID)
		k.attemptRecover(pc)
	}
}

// repairOnFreedOutput promotes waiters for an output name that just
// lost its owner, in definition order, realizing first-win ownership
func (k *Kernel) repairOnFreedOutput(outID string) {
	waiters := k.outputWaiters[outID]
	if len(waiters) == 0 {
		return
	}
	for _, id := range append([]string(nil), waiters...) {
		pc, ok := k.problemComputations[id]
		if !ok {
			continue
		}
		k.attemptRecover(pc)
	}
}

// repairOnRemoved records a disappeared variable in the missing set of
// every quarantined definition that reads it
func (k *Kernel) repairOnRemoved(varID string) {
	for _, pc := range k.orderedProblems() {
		for _, in := range pc.spec.Inputs {
			if in == varID {
				pc.missingInputs[varID] = true
			}
		}
	}
}

// recheckCycles re-runs cycle detection for every quarantined node
// after a structural change. A node whose cycle broke is demoted to
// missing-input (a more actionable fatal code for observers); a node
// newly caught in a cycle is upgraded; satisfiable cycle-free nodes
// recover.
func (k *Kernel) recheckCycles() {
	for _, pc := range k.orderedProblems() {
		if pc.reason == types.ReasonInvalidDefinition {
			continue
		}
		cycle := graph.DetectCycle(k.shapeOf(pc.spec), k.allShapes(pc.id))
		switch {
		case cycle != nil && pc.reason != types.ReasonCircularDependency:
			pc.reason = types.ReasonCircularDependency
			pc.cyclePath = cycle
			k.refreshProblemResults(pc)
		case cycle == nil && pc.reason == types.ReasonCircularDependency:
			pc.cyclePath = nil
			pc.reason = types.ReasonMissingInput
			k.refreshProblemResults(pc)
			k.attemptRecover(pc)
		}
	}
}

// refreshProblemResults rewrites the Fatal results of a problem
// computation's outputs after its reason changed, and notifies
func (k *Kernel) refreshProblemResults(pc *problemComputation) {
	se := pc.structuralError()
	for _, out := range pc.spec.Outputs {
		pv, ok := k.problemVariables[out]
		if !ok || pv.ownerID != pc.id {
			continue
		}
		pv.result = types.Fatal(se)
		k.notifyObservers(pv)
	}
}

// attemptRecover recovers a problem computation if nothing structural
// stands in its way anymore
func (k *Kernel) attemptRecover(pc *problemComputation) {
	if _, still := k.problemComputations[pc.id]; !still {
		return
	}
	if pc.reason == types.ReasonInvalidDefinition {
		// Malformed independent of graph state; only redefinition heals
		return
	}
	// Live recheck against the healthy table: quarantined inputs count
	// as missing, and the tracked set is resynced either way
	satisfied := true
	for _, in := range pc.spec.Inputs {
		if _, ok := k.variables[in]; ok {
			delete(pc.missingInputs, in)
		} else {
			pc.missingInputs[in] = true
			satisfied = false
		}
	}
	if !satisfied {
		return
	}
	for _, out := range pc.spec.Outputs {
		if k.ownedElsewhere(out, pc.id) {
			return
		}
	}
	if graph.DetectCycle(k.shapeOf(pc.spec), k.allShapes(pc.id)) != nil {
		return
	}
	k.recover(pc)
}

// recover rehydrates a quarantined definition into the healthy graph:
// outputs return to the normal table (keeping their observers), a
// fresh computation is built from the saved spec, observer counts are
// restored through the input chain, and the node's own outputs sweep
// their downstream waiters.
func (k *Kernel) recover(pc *problemComputation) {
	delete(k.problemComputations, pc.id)
	k.removeFromWaiters(pc.id)

	c := k.buildComputation(pc.spec)
	k.computations[c.id] = c

	metrics.Recoveries.Inc()
	log.WithComputationID(pc.id).Info().Msg("computation recovered")
	k.publish(events.EventComputationRecovered, "structural defect cleared",
		map[string]string{"computation_id": pc.id})

	// Transitively repair downstream now that these outputs exist
	for _, out := range pc.spec.Outputs {
		k.repairOnAvailable(out)
	}
}

// buildComputation assembles a healthy computation and its output
// cells from a spec whose structural preconditions all hold. Existing
// problem variables for its outputs are rehydrated in place so their
// observers survive; missing output cells are created fresh.
func (k *Kernel) buildComputation(spec types.ComputationSpec) *computation {
	c := &computation{
		k:             k,
		id:            spec.ID,
		spec:          spec,
		staticInputs:  make(map[string]bool, len(spec.Inputs)),
		runtimeInputs: make(map[string]*variable, len(spec.Inputs)),
		outputs:       make(map[string]*variable, len(spec.Outputs)),
		abortingTasks: make(map[int64]*task),
		dirty:         true,
	}

	// All static inputs start as runtime inputs; execution narrows the
	// set to what the body actually reads
	for _, in := range spec.Inputs {
		c.staticInputs[in] = true
		v := k.variables[in]
		if v == nil {
			continue
		}
		c.runtimeInputs[in] = v
		v.dependents[c.id] = c
		if v.causeAt > c.causeAt {
			c.causeAt = v.causeAt
		}
		if v.dirty && v.producer != nil {
			c.dirtyInputCount++
		}
	}

	for _, out := range spec.Outputs {
		o := k.problemVariables[out]
		if o != nil && o.ownerID == spec.ID {
			delete(k.problemVariables, out)
			o.ownerID = ""
			o.result = types.Uninitialized()
			o.valueAt = 0
		} else {
			o = newVariable(out)
		}
		o.producer = c
		o.dirty = true
		c.outputs[out] = o
		k.variables[out] = o
		k.restoreOrphanObservers(o)
	}

	// A rehydrated output may carry cause history from its previous
	// life; lift the node so every output lands exactly on its cause
	for _, o := range c.outputs {
		if o.causeAt > c.causeAt {
			c.causeAt = o.causeAt
		}
	}
	for _, o := range c.outputs {
		o.raiseCauseAt(c.causeAt)
	}

	// Restore observer counts saved on the rehydrated outputs: each
	// output's count flows up through the new node into its inputs
	total := 0
	for _, o := range c.outputs {
		total += o.observeCount
	}
	if total > 0 {
		c.addObserveCount(total)
		for _, in := range orderedInputs(c) {
			k.propagateObserveCount(in, total)
		}
	}
	return c
}

// removeFromWaiters drops a computation id from every waiter list
func (k *Kernel) removeFromWaiters(id string) {
	for out, waiters := range k.outputWaiters {
		kept := waiters[:0]
		for _, w := range waiters {
			if w != id {
				kept = append(kept, w)
			}
		}
		if len(kept) == 0 {
			delete(k.outputWaiters, out)
		} else {
			k.outputWaiters[out] = kept
		}
	}
}

// orderedProblems returns quarantined definitions in definition order
// so sweeps and promotions are deterministic and first-win
func (k *Kernel) orderedProblems() []*problemComputation {
	pcs := make([]*problemComputation, 0, len(k.problemComputations))
	for _, pc := range k.problemComputations {
		pcs = append(pcs, pc)
	}
	sort.Slice(pcs, func(i, j int) bool { return pcs[i].seq < pcs[j].seq })
	return pcs
}
