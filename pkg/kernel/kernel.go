package kernel

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/reflow-dev/reflow/pkg/clock"
	"github.com/reflow-dev/reflow/pkg/equality"
	"github.com/reflow-dev/reflow/pkg/events"
	"github.com/reflow-dev/reflow/pkg/log"
	"github.com/reflow-dev/reflow/pkg/metrics"
	"github.com/reflow-dev/reflow/pkg/types"
)

// Kernel is the public facade of the reactive computation engine. All
// mutations are serialized on one lock; computation bodies run in
// goroutines bounded by MaxConcurrent and re-enter the kernel through
// the same lock at every scope access and on settlement.
type Kernel struct {
	mu    sync.Mutex
	opts  types.Options
	clock *clock.Clock

	variables           map[string]*variable
	computations        map[string]*computation
	problemVariables    map[string]*variable
	problemComputations map[string]*problemComputation

	// outputWaiters parks quarantined claimants of an owned output name
	// in definition order, realizing first-win promotion
	outputWaiters map[string][]string

	// orphanObservers preserves subscriptions across a cell's death and
	// rebirth (removal then promotion, or redefinition)
	orphanObservers map[string]map[string]types.Observer

	readyQueue    []*computation
	queued        map[string]bool
	running       int
	pumpScheduled bool
	idleWaiters   []chan struct{}
	taskSeq       int64
	problemSeq    int64
	closed        bool

	equals types.EqualsFunc
	broker *events.Broker
	logger *zerolog.Logger
}

// New creates a kernel with the given options
func New(opts types.Options) (*Kernel, error) {
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kernel options: %w", err)
	}
	zerolog.SetGlobalLevel(log.ToZerolog(opts.LogLevel))

	eq := opts.Equals
	if eq == nil {
		eq = equality.Deep
	}

	k := &Kernel{
		opts:                opts,
		clock:               clock.New(),
		variables:           make(map[string]*variable),
		computations:        make(map[string]*computation),
		problemVariables:    make(map[string]*variable),
		problemComputations: make(map[string]*problemComputation),
		outputWaiters:       make(map[string][]string),
		orphanObservers:     make(map[string]map[string]types.Observer),
		queued:              make(map[string]bool),
		equals:              eq,
		broker:              events.NewBroker(),
		logger:              log.WithComponent("kernel"),
	}
	return k, nil
}

// Events returns the kernel's lifecycle event broker
func (k *Kernel) Events() *events.Broker {
	return k.broker
}

// Close cancels all in-flight work and stops the kernel. Subsequent
// definitions, updates, observations and pulls fail with
// ErrKernelClosed, and removals report it in their status; read-only
// inspection (Peek, PeekComputation, the problem listings,
// GetGraphHealth) keeps working.
func (k *Kernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	for _, c := range k.computations {
		if c.runningTask != nil {
			c.runningTask.cancel()
		}
		for _, t := range c.abortingTasks {
			t.cancel()
		}
	}
	k.readyQueue = nil
	k.queued = make(map[string]bool)
	for _, ch := range k.idleWaiters {
		close(ch)
	}
	k.idleWaiters = nil
	k.broker.Close()
	return nil
}

// DefineSource installs (or with AllowRedefinition, rewrites) a source
// cell. Structural issues are reported in the status, never as errors;
// the error return is reserved for a closed kernel.
func (k *Kernel) DefineSource(spec types.SourceSpec, opts types.DefineOptions) (types.SourceStatus, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return types.SourceStatus{}, types.ErrKernelClosed
	}

	if spec.ID == "" {
		return types.SourceStatus{
			ID: spec.ID, Health: types.HealthProblematic,
			Problems: []types.Problem{{Reason: types.ReasonInvalidDefinition}},
		}, nil
	}

	if v, exists := k.variables[spec.ID]; exists {
		if v.producer != nil {
			return types.SourceStatus{
				ID: spec.ID, Health: types.HealthProblematic,
				Problems: []types.Problem{{
					ComputationID: v.producer.id,
					Reason:        types.ReasonDuplicateOutput,
					ConflictsWith: v.producer.id,
				}},
			}, nil
		}
		if !opts.AllowRedefinition {
			return types.SourceStatus{
				ID: spec.ID, Health: types.HealthProblematic,
				Problems: []types.Problem{{Reason: types.ReasonInvalidDefinition}},
			}, nil
		}
		// Redefinition of a live source with a value: always a cause
		// tick, a value tick only when the value actually changed.
		// Without a value the source is left as it is.
		if spec.HasInitial {
			k.writeSource(v, spec.InitialValue)
		}
		k.assertInvariants()
		return types.SourceStatus{ID: spec.ID, Health: types.HealthHealthy}, nil
	}

	// A quarantined claimant may hold the name; the source takes it and
	// the claimant waits for the name to free up again
	if pv, held := k.problemVariables[spec.ID]; held {
		k.displaceProblemVariable(pv)
	}

	v := newVariable(spec.ID)
	k.variables[spec.ID] = v
	k.restoreOrphanObservers(v)
	if spec.HasInitial {
		tick := k.clock.Tick()
		metrics.LogicalClock.Set(float64(k.clock.Now()))
		v.result = types.Success(spec.InitialValue)
		v.valueAt = tick
		v.causeAt = tick
	}
	if len(v.observers) > 0 {
		k.notifyObservers(v)
	}

	log.WithVariableID(spec.ID).Debug().Msg("source defined")
	k.publish(events.EventSourceDefined, "source defined",
		map[string]string{"variable_id": spec.ID})

	k.repairOnAvailable(spec.ID)
	k.recheckCycles()
	k.updateGraphMetrics()
	k.assertInvariants()
	return types.SourceStatus{ID: spec.ID, Health: types.HealthHealthy}, nil
}

// displaceProblemVariable evicts a quarantined claimant's output cell
// so a source (or promoted producer) can take the name; the claimant is
// parked on the waiter list for the name.
func (k *Kernel) displaceProblemVariable(pv *variable) {
	delete(k.problemVariables, pv.id)
	if len(pv.observers) > 0 {
		k.stashObservers(pv)
	}
	k.releaseWaiters(pv)
	if pc, ok := k.problemComputations[pv.ownerID]; ok {
		pc.conflictsWith = pv.id
		if !containsString(k.outputWaiters[pv.id], pc.id) {
			k.outputWaiters[pv.id] = append(k.outputWaiters[pv.id], pc.id)
		}
	}
}

// UpdateSource writes a source cell and propagates the perturbation.
// The clock ticks whether or not the value changed; downstream work is
// elided later by input pruning when nothing really moved.
func (k *Kernel) UpdateSource(id string, value any) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return types.ErrKernelClosed
	}
	v, ok := k.variables[id]
	if !ok {
		return fmt.Errorf("update of %q: %w", id, types.ErrNotFound)
	}
	if v.producer != nil {
		return fmt.Errorf("update of %q: %w", id, types.ErrNotSource)
	}
	k.writeSource(v, value)
	k.assertInvariants()
	return nil
}

// writeSource is the shared commit path for source writes
func (k *Kernel) writeSource(v *variable, value any) {
	tick := k.clock.Tick()
	metrics.LogicalClock.Set(float64(k.clock.Now()))

	changed := !(v.result.IsSuccess() && k.equals(v.result.Value, value))
	v.causeAt = tick
	if changed {
		v.result = types.Success(value)
		v.valueAt = tick
	}

	for _, dep := range sortedDependents(v) {
		k.propagateCauseDownward(dep, tick, v, true)
	}
	if changed {
		k.notifyObservers(v)
	}

	log.WithVariableID(v.id).Debug().Bool("changed", changed).Msg("source updated")
	k.publish(events.EventSourceUpdated, "source updated",
		map[string]string{"variable_id": v.id})
}

// DefineComputation installs, quarantines, or (with AllowRedefinition)
// replaces a computation definition
func (k *Kernel) DefineComputation(spec types.ComputationSpec, opts types.DefineOptions) (types.ComputationStatus, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return types.ComputationStatus{}, types.ErrKernelClosed
	}

	_, healthyExists := k.computations[spec.ID]
	_, problemExists := k.problemComputations[spec.ID]
	if healthyExists || problemExists {
		if !opts.AllowRedefinition {
			return types.ComputationStatus{
				ID: spec.ID, Health: types.HealthProblematic,
				Problems: []types.Problem{{
					ComputationID: spec.ID,
					Reason:        types.ReasonInvalidDefinition,
				}},
			}, nil
		}
		return k.redefineComputation(spec), nil
	}

	return k.defineComputationLocked(spec), nil
}

// defineComputationLocked classifies and installs a new definition
func (k *Kernel) defineComputationLocked(spec types.ComputationSpec) types.ComputationStatus {
	if pc := k.classify(spec); pc != nil {
		k.quarantine(pc)
		k.recheckCycles()
		k.updateGraphMetrics()
		k.assertInvariants()
		return types.ComputationStatus{
			ID: spec.ID, Health: types.HealthProblematic,
			Problems: []types.Problem{pc.problem()},
		}
	}

	c := k.buildComputation(spec)
	k.computations[c.id] = c
	log.WithComputationID(spec.ID).Debug().Msg("computation defined")
	k.publish(events.EventComputationDefined, "computation defined",
		map[string]string{"computation_id": spec.ID})

	// These outputs are newly available; repair anything waiting on them
	for _, out := range spec.Outputs {
		k.repairOnAvailable(out)
	}
	k.recheckCycles()
	k.updateGraphMetrics()
	k.assertInvariants()
	return types.ComputationStatus{ID: spec.ID, Health: types.HealthHealthy}
}

// redefineComputation performs a replace cycle. The fast path rewrites
// a healthy node in place when the prospective definition is healthy
// with the same output set; otherwise the old node is removed (marking
// downstream), the new definition installed, and saved observers are
// restored onto the reborn outputs.
func (k *Kernel) redefineComputation(spec types.ComputationSpec) types.ComputationStatus {
	old, wasHealthy := k.computations[spec.ID]
	if wasHealthy && k.classify(spec) == nil && sameOutputSet(old.spec.Outputs, spec.Outputs) {
		k.redefineInPlace(old, spec)
		k.assertInvariants()
		return types.ComputationStatus{ID: spec.ID, Health: types.HealthHealthy}
	}

	var marked []string
	freed := k.removeComputationLockedMarked(spec.ID, &marked)
	status := k.defineComputationLocked(spec)

	// Output names the new definition did not reclaim go through the
	// ordinary freed-name promotion
	for _, out := range freed {
		if _, reclaimed := k.variables[out]; reclaimed {
			continue
		}
		if _, reclaimed := k.problemVariables[out]; reclaimed {
			continue
		}
		k.repairOnFreedOutput(out)
	}
	k.recheckCycles()
	k.assertInvariants()
	return status
}

// redefineInPlace swaps body and inputs of a live healthy node without
// recreating its outputs, forcing the next execution
func (k *Kernel) redefineInPlace(c *computation, spec types.ComputationSpec) {
	c.abortRunningTask()

	for id, in := range c.runtimeInputs {
		delete(in.dependents, c.id)
		k.propagateObserveCount(in, -c.observeCount)
		delete(c.runtimeInputs, id)
	}

	c.spec = spec
	c.staticInputs = make(map[string]bool, len(spec.Inputs))
	newDirtyInputs := 0
	for _, in := range spec.Inputs {
		c.staticInputs[in] = true
		v := k.variables[in]
		if v == nil {
			continue
		}
		c.runtimeInputs[in] = v
		v.dependents[c.id] = c
		k.propagateObserveCount(v, c.observeCount)
		if v.dirty && v.producer != nil {
			newDirtyInputs++
		}
	}

	c.inputVersion = -1
	c.addDirtyInputCount(newDirtyInputs - c.dirtyInputCount)

	tick := k.clock.Tick()
	metrics.LogicalClock.Set(float64(k.clock.Now()))
	k.propagateCauseDownward(c, tick, nil, false)

	log.WithComputationID(c.id).Debug().Msg("computation redefined in place")
	k.publish(events.EventComputationDefined, "computation redefined",
		map[string]string{"computation_id": c.id})
}

// RemoveSource deletes a source cell. Dependent computations are marked
// problematic, never cascade-deleted.
func (k *Kernel) RemoveSource(id string) types.RemovalStatus {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return types.RemovalStatus{ID: id, Reason: types.ErrKernelClosed.Error()}
	}
	v, ok := k.variables[id]
	if !ok {
		return types.RemovalStatus{ID: id, Reason: "source not found"}
	}
	if v.producer != nil {
		return types.RemovalStatus{ID: id, Reason: "variable is not a source"}
	}

	k.stashObservers(v)
	k.releaseWaiters(v)
	delete(k.variables, id)

	var marked []string
	for _, dep := range sortedDependents(v) {
		k.markProblem(dep, []string{id}, &marked)
	}

	k.repairOnRemoved(id)
	k.repairOnFreedOutput(id)
	k.recheckCycles()
	k.updateGraphMetrics()
	k.assertInvariants()

	log.WithVariableID(id).Debug().Msg("source removed")
	k.publish(events.EventSourceRemoved, "source removed",
		map[string]string{"variable_id": id})
	return types.RemovalStatus{ID: id, Removed: true, Marked: marked}
}

// RemoveComputation deletes a computation and its owned outputs.
// Downstream consumers are marked problematic; waiters for the freed
// output names are promoted in definition order.
func (k *Kernel) RemoveComputation(id string) types.RemovalStatus {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return types.RemovalStatus{ID: id, Reason: types.ErrKernelClosed.Error()}
	}

	_, healthyExists := k.computations[id]
	_, problemExists := k.problemComputations[id]
	if !healthyExists && !problemExists {
		return types.RemovalStatus{ID: id, Reason: "computation not found"}
	}

	var marked []string
	freed := k.removeComputationLockedMarked(id, &marked)
	for _, out := range freed {
		k.repairOnFreedOutput(out)
	}
	k.recheckCycles()
	k.updateGraphMetrics()
	k.assertInvariants()

	log.WithComputationID(id).Debug().Msg("computation removed")
	k.publish(events.EventComputationRemoved, "computation removed",
		map[string]string{"computation_id": id})
	return types.RemovalStatus{ID: id, Removed: true, Marked: marked}
}

// removeComputationLockedMarked removes a healthy or quarantined node
// and returns the freed output names. Waiter promotion for freed names
// is the caller's job: plain removal sweeps immediately, while
// redefinition defers it until the new definition had a chance to
// reclaim the names.
func (k *Kernel) removeComputationLockedMarked(id string, marked *[]string) []string {
	var freed []string

	if c, ok := k.computations[id]; ok {
		c.abortRunningTask()
		for _, t := range c.abortingTasks {
			t.cancel()
		}
		for inID, in := range c.runtimeInputs {
			delete(in.dependents, c.id)
			k.propagateObserveCount(in, -c.observeCount)
			delete(c.runtimeInputs, inID)
		}
		delete(k.computations, id)
		delete(k.queued, id)

		for _, o := range c.orderedOutputs() {
			k.stashObservers(o)
			k.releaseWaiters(o)
			delete(k.variables, o.id)
			o.producer = nil
			freed = append(freed, o.id)
			for _, dep := range sortedDependents(o) {
				k.markProblem(dep, []string{o.id}, marked)
			}
		}
	} else if pc, ok := k.problemComputations[id]; ok {
		delete(k.problemComputations, id)
		k.removeFromWaiters(id)
		for _, out := range pc.spec.Outputs {
			pv, held := k.problemVariables[out]
			if !held || pv.ownerID != id {
				continue
			}
			k.stashObservers(pv)
			k.releaseWaiters(pv)
			delete(k.problemVariables, out)
			freed = append(freed, out)
		}
	}

	for _, out := range freed {
		k.repairOnRemoved(out)
	}
	return freed
}

// Observe attaches a callback to a variable in either table. A clean
// cell (a Fatal counts as clean) delivers its current result before the
// unsubscribe handle is returned.
func (k *Kernel) Observe(id string, cb types.Observer) (func(), error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, types.ErrKernelClosed
	}
	v := k.lookupVariable(id)
	if v == nil {
		return nil, fmt.Errorf("observe of %q: %w", id, types.ErrNotFound)
	}

	subID := uuid.NewString()
	v.observers[subID] = cb
	k.propagateObserveCount(v, 1)
	if !v.dirty {
		k.deliver(v, cb)
	}
	k.assertInvariants()

	unsubscribe := func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		k.unobserve(id, subID)
	}
	return unsubscribe, nil
}

// unobserve detaches one subscription wherever it currently lives
func (k *Kernel) unobserve(id, subID string) {
	if v := k.lookupVariable(id); v != nil {
		if _, ok := v.observers[subID]; ok {
			delete(v.observers, subID)
			k.propagateObserveCount(v, -1)
			k.assertInvariants()
			return
		}
	}
	if stash, ok := k.orphanObservers[id]; ok {
		delete(stash, subID)
		if len(stash) == 0 {
			delete(k.orphanObservers, id)
		}
	}
}

// Peek returns a variable snapshot without side effects
func (k *Kernel) Peek(id string) (types.VariableSnapshot, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v := k.lookupVariable(id)
	if v == nil {
		return types.VariableSnapshot{}, fmt.Errorf("peek of %q: %w", id, types.ErrNotFound)
	}
	return v.snapshot(), nil
}

// PeekComputation returns a computation snapshot without side effects
func (k *Kernel) PeekComputation(id string) (types.ComputationSnapshot, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if c, ok := k.computations[id]; ok {
		return c.snapshot(), nil
	}
	if pc, ok := k.problemComputations[id]; ok {
		return types.ComputationSnapshot{
			ID:           pc.id,
			Health:       types.HealthProblematic,
			State:        types.StateIdle,
			Reason:       pc.reason,
			StaticInputs: append([]string(nil), pc.spec.Inputs...),
			Outputs:      append([]string(nil), pc.spec.Outputs...),
		}, nil
	}
	return types.ComputationSnapshot{}, fmt.Errorf("peek of %q: %w", id, types.ErrNotFound)
}

// GetProblemComputations lists quarantined definitions in definition order
func (k *Kernel) GetProblemComputations() []types.Problem {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]types.Problem, 0, len(k.problemComputations))
	for _, pc := range k.orderedProblems() {
		out = append(out, pc.problem())
	}
	return out
}

// GetProblemVariables lists quarantined cells sorted by id
func (k *Kernel) GetProblemVariables() []types.VariableSnapshot {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]types.VariableSnapshot, 0, len(k.problemVariables))
	for _, pv := range k.problemVariables {
		out = append(out, pv.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TraceProblemRoot walks missing-input edges from a quarantined node
// (or one of its cells) toward the root causes of its quarantine
func (k *Kernel) TraceProblemRoot(id string) ([]types.ProblemTrace, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	start, ok := k.problemComputations[id]
	if !ok {
		if pv, held := k.problemVariables[id]; held {
			start = k.problemComputations[pv.ownerID]
		}
	}
	if start == nil {
		return nil, fmt.Errorf("trace of %q: %w", id, types.ErrNotFound)
	}

	var trace []types.ProblemTrace
	visited := make(map[string]bool)
	queue := []*problemComputation{start}
	for len(queue) > 0 {
		pc := queue[0]
		queue = queue[1:]
		if visited[pc.id] {
			continue
		}
		visited[pc.id] = true
		trace = append(trace, types.ProblemTrace{
			ComputationID: pc.id,
			Reason:        pc.reason,
			MissingInputs: sortedKeys(pc.missingInputs),
			ConflictsWith: pc.conflictsWith,
		})
		for _, in := range sortedKeys(pc.missingInputs) {
			pv, held := k.problemVariables[in]
			if !held {
				continue
			}
			if next, exists := k.problemComputations[pv.ownerID]; exists && !visited[next.id] {
				queue = append(queue, next)
			}
		}
	}
	return trace, nil
}

// GetGraphHealth summarizes the kernel state
func (k *Kernel) GetGraphHealth() types.GraphHealth {
	k.mu.Lock()
	defer k.mu.Unlock()
	byReason := make(map[types.ProblemReason]int)
	for _, pc := range k.problemComputations {
		byReason[pc.reason]++
	}
	return types.GraphHealth{
		Clock:               k.clock.Now(),
		Variables:           len(k.variables),
		Computations:        len(k.computations),
		ProblemVariables:    len(k.problemVariables),
		ProblemComputations: len(k.problemComputations),
		ProblemsByReason:    byReason,
		ReadyQueueDepth:     len(k.readyQueue),
		RunningTasks:        k.running,
		Idle:                k.isIdle(),
	}
}

// lookupVariable resolves an id in the normal table first, then the
// problem table
func (k *Kernel) lookupVariable(id string) *variable {
	if v, ok := k.variables[id]; ok {
		return v
	}
	if v, ok := k.problemVariables[id]; ok {
		return v
	}
	return nil
}

// stashObservers parks a dying cell's subscriptions for restoration
// onto a future cell with the same name
func (k *Kernel) stashObservers(v *variable) {
	if len(v.observers) == 0 {
		return
	}
	stash := k.orphanObservers[v.id]
	if stash == nil {
		stash = make(map[string]types.Observer)
		k.orphanObservers[v.id] = stash
	}
	for sub, cb := range v.observers {
		stash[sub] = cb
	}
	v.observers = make(map[string]types.Observer)
}

// restoreOrphanObservers re-attaches parked subscriptions to a reborn
// cell. Only the cell's own count is adjusted; callers propagate the
// count through any producer chain.
func (k *Kernel) restoreOrphanObservers(v *variable) {
	stash, ok := k.orphanObservers[v.id]
	if !ok {
		return
	}
	delete(k.orphanObservers, v.id)
	for sub, cb := range stash {
		v.observers[sub] = cb
	}
	v.observeCount += len(stash)
}

// updateGraphMetrics refreshes the population gauges after any
// structural change
func (k *Kernel) updateGraphMetrics() {
	metrics.VariablesTotal.WithLabelValues(string(types.HealthHealthy)).Set(float64(len(k.variables)))
	metrics.VariablesTotal.WithLabelValues(string(types.HealthProblematic)).Set(float64(len(k.problemVariables)))
	metrics.ComputationsTotal.WithLabelValues(string(types.HealthHealthy)).Set(float64(len(k.computations)))
	metrics.ComputationsTotal.WithLabelValues(string(types.HealthProblematic)).Set(float64(len(k.problemComputations)))

	byReason := make(map[types.ProblemReason]int)
	for _, pc := range k.problemComputations {
		byReason[pc.reason]++
	}
	for _, reason := range []types.ProblemReason{
		types.ReasonMissingInput,
		types.ReasonCircularDependency,
		types.ReasonInvalidDefinition,
		types.ReasonDuplicateOutput,
	} {
		metrics.ProblemsTotal.WithLabelValues(string(reason)).Set(float64(byReason[reason]))
	}
}

// publish emits one lifecycle event; the broker stamps id and
// timestamp and guarantees the call never blocks the scheduling lock
func (k *Kernel) publish(t events.EventType, msg string, meta map[string]string) {
	k.broker.Publish(&events.Event{
		Type:     t,
		Message:  msg,
		Metadata: meta,
	})
}

func sameOutputSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	for _, id := range b {
		if !set[id] {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
