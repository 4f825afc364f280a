package kernel

import (
	"sort"

	"github.com/reflow-dev/reflow/pkg/events"
	"github.com/reflow-dev/reflow/pkg/graph"
	"github.com/reflow-dev/reflow/pkg/log"
	"github.com/reflow-dev/reflow/pkg/metrics"
	"github.com/reflow-dev/reflow/pkg/types"
)

// problemComputation is a quarantined definition. It never executes;
// its outputs live in the problem table carrying Fatal results, and the
// original spec is retained so the repair engine can rebuild a healthy
// computation once the structural defect clears.
type problemComputation struct {
	id            string
	spec          types.ComputationSpec
	reason        types.ProblemReason
	missingInputs map[string]bool
	cyclePath     []string
	conflictsWith string
	detail        string

	// seq orders quarantined definitions so duplicate-output promotion
	// is first-win
	seq int64
}

func (pc *problemComputation) structuralError() *types.StructuralError {
	return &types.StructuralError{
		Reason:        pc.reason,
		ComputationID: pc.id,
		MissingInputs: sortedKeys(pc.missingInputs),
		CyclePath:     pc.cyclePath,
		ConflictsWith: pc.conflictsWith,
		Detail:        pc.detail,
	}
}

func (pc *problemComputation) problem() types.Problem {
	return types.Problem{
		ComputationID: pc.id,
		Reason:        pc.reason,
		MissingInputs: sortedKeys(pc.missingInputs),
		CyclePath:     pc.cyclePath,
		ConflictsWith: pc.conflictsWith,
	}
}

// classify inspects a prospective definition against the current graph.
// Reason precedence when several defects coincide: invalid definition,
// then cycle, then duplicate output, then missing input. The missing
// set is tracked regardless of the headline reason so repair can make
// progress on any axis.
func (k *Kernel) classify(spec types.ComputationSpec) *problemComputation {
	pc := &problemComputation{
		id:            spec.ID,
		spec:          spec,
		missingInputs: make(map[string]bool),
	}

	if detail := validateSpec(spec); detail != "" {
		pc.reason = types.ReasonInvalidDefinition
		pc.detail = detail
		return pc
	}

	// Inputs that exist in neither table are missing; quarantined
	// inputs count as missing for tracking, since the computation
	// cannot run until they turn healthy
	for _, in := range spec.Inputs {
		if _, ok := k.variables[in]; ok {
			continue
		}
		pc.missingInputs[in] = true
	}
	for _, in := range spec.Inputs {
		if _, ok := k.problemVariables[in]; ok {
			pc.missingInputs[in] = true
		}
	}

	conflictOut, winner := k.firstConflict(spec)
	cycle := graph.DetectCycle(k.shapeOf(spec), k.allShapes(spec.ID))

	switch {
	case cycle != nil:
		pc.reason = types.ReasonCircularDependency
		pc.cyclePath = cycle
		pc.conflictsWith = winner
	case conflictOut != "":
		pc.reason = types.ReasonDuplicateOutput
		pc.conflictsWith = winner
	case len(pc.missingInputs) > 0:
		pc.reason = types.ReasonMissingInput
	default:
		return nil
	}
	return pc
}

// validateSpec returns a non-empty detail string for definitions that
// are malformed independent of graph state
func validateSpec(spec types.ComputationSpec) string {
	if spec.ID == "" {
		return "empty computation id"
	}
	if spec.Body == nil {
		return "nil body"
	}
	if len(spec.Outputs) == 0 {
		return "no outputs declared"
	}
	seen := make(map[string]bool)
	for _, out := range spec.Outputs {
		if out == "" {
			return "empty output id"
		}
		if seen[out] {
			return "duplicate output id: " + out
		}
		seen[out] = true
	}
	seenIn := make(map[string]bool)
	for _, in := range spec.Inputs {
		if in == "" {
			return "empty input id"
		}
		if seenIn[in] {
			return "duplicate input id: " + in
		}
		seenIn[in] = true
	}
	return ""
}

// firstConflict returns the first declared output already owned by
// someone else, and the id of the current owner (a producing
// computation, the source variable itself, or a quarantined claimant)
func (k *Kernel) firstConflict(spec types.ComputationSpec) (output, owner string) {
	for _, out := range spec.Outputs {
		if v, ok := k.variables[out]; ok {
			if v.producer != nil && v.producer.id == spec.ID {
				continue
			}
			if v.producer != nil {
				return out, v.producer.id
			}
			return out, v.id // a source holds the name
		}
		if pv, ok := k.problemVariables[out]; ok && pv.ownerID != spec.ID {
			return out, pv.ownerID
		}
	}
	return "", ""
}

// shapeOf projects a spec into its dependency silhouette
func (k *Kernel) shapeOf(spec types.ComputationSpec) graph.Shape {
	return graph.Shape{ID: spec.ID, Inputs: spec.Inputs, Outputs: spec.Outputs}
}

// allShapes collects the silhouettes of every healthy and quarantined
// computation except the one being (re)defined
func (k *Kernel) allShapes(exclude string) []graph.Shape {
	shapes := make([]graph.Shape, 0, len(k.computations)+len(k.problemComputations))
	for id, c := range k.computations {
		if id == exclude {
			continue
		}
		shapes = append(shapes, k.shapeOf(c.spec))
	}
	for id, pc := range k.problemComputations {
		if id == exclude {
			continue
		}
		shapes = append(shapes, k.shapeOf(pc.spec))
	}
	sort.Slice(shapes, func(i, j int) bool { return shapes[i].ID < shapes[j].ID })
	return shapes
}

// quarantine registers a classified problem computation: problem
// variables for its non-conflicting outputs, waiter registration for
// duplicate outputs, and recursive marking of downstream.
func (k *Kernel) quarantine(pc *problemComputation) {
	k.problemSeq++
	pc.seq = k.problemSeq
	k.problemComputations[pc.id] = pc
	se := pc.structuralError()

	for _, out := range pc.spec.Outputs {
		if k.ownedElsewhere(out, pc.id) {
			// First-win: the existing producer keeps the name; park
			// this claimant until the name frees up
			k.outputWaiters[out] = append(k.outputWaiters[out], pc.id)
			continue
		}
		pv := k.problemVariables[out]
		if pv == nil {
			pv = newVariable(out)
			pv.ownerID = pc.id
			k.problemVariables[out] = pv
			k.restoreOrphanObservers(pv)
		}
		pv.result = types.Fatal(se)
		pv.dirty = false
		k.releaseWaiters(pv)
		k.notifyObservers(pv)
	}

	metrics.Quarantines.Inc()
	log.WithComputationID(pc.id).Info().
		Str("reason", string(pc.reason)).
		Msg("computation quarantined")
	k.publish(events.EventComputationQuarantined, "definition is ill-formed",
		map[string]string{"computation_id": pc.id, "reason": string(pc.reason)})
}

// ownedElsewhere reports whether an output name is currently held by a
// different owner in either table
func (k *Kernel) ownedElsewhere(out, claimant string) bool {
	if v, ok := k.variables[out]; ok {
		return v.producer == nil || v.producer.id != claimant
	}
	if pv, ok := k.problemVariables[out]; ok {
		return pv.ownerID != claimant
	}
	return false
}

// markProblem quarantines a currently-healthy computation and
// recursively marks its healthy downstream with missing-input. Used
// when an input or an upstream owner disappears.
func (k *Kernel) markProblem(c *computation, missing []string, marked *[]string) {
	if _, alive := k.computations[c.id]; !alive {
		return
	}

	// Cancellation of any in-flight task; its settle path finds the
	// computation gone and discards the outcome
	c.abortRunningTask()

	// Detach from runtime inputs, reversing the observe-count flow
	for id, in := range c.runtimeInputs {
		delete(in.dependents, c.id)
		k.propagateObserveCount(in, -c.observeCount)
		delete(c.runtimeInputs, id)
	}

	delete(k.computations, c.id)
	delete(k.queued, c.id)

	pc := &problemComputation{
		id:            c.id,
		spec:          c.spec,
		reason:        types.ReasonMissingInput,
		missingInputs: make(map[string]bool),
	}
	for _, m := range missing {
		pc.missingInputs[m] = true
	}
	k.problemSeq++
	pc.seq = k.problemSeq
	k.problemComputations[pc.id] = pc
	se := pc.structuralError()

	*marked = append(*marked, c.id)

	// Move outputs into the problem table with Fatal results, keeping
	// observers attached; then cascade to healthy dependents
	for _, o := range c.orderedOutputs() {
		delete(k.variables, o.id)
		o.producer = nil
		o.ownerID = c.id
		o.result = types.Fatal(se)
		o.dirty = false
		o.valueAt = 0
		k.problemVariables[o.id] = o
		k.releaseWaiters(o)
		k.notifyObservers(o)

		for _, dep := range sortedDependents(o) {
			if existing, quarantined := k.problemComputations[dep.id]; quarantined {
				if existing.reason == types.ReasonMissingInput {
					existing.missingInputs[o.id] = true
				}
				continue
			}
			k.markProblem(dep, []string{o.id}, marked)
		}
	}

	metrics.Quarantines.Inc()
	log.WithComputationID(c.id).Info().
		Strs("missing", missing).
		Msg("computation marked problematic")
	k.publish(events.EventComputationQuarantined, "upstream structure broke",
		map[string]string{"computation_id": c.id, "reason": string(types.ReasonMissingInput)})
}
