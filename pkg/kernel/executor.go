package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reflow-dev/reflow/pkg/events"
	"github.com/reflow-dev/reflow/pkg/log"
	"github.com/reflow-dev/reflow/pkg/metrics"
	"github.com/reflow-dev/reflow/pkg/types"
)

// ErrAborted is the cancellation sentinel. The kernel swallows it: an
// aborted body never writes outputs and never surfaces as a Result.
// Bodies should return it (or the context error) when their context is
// cancelled.
var ErrAborted = errors.New("computation aborted")

// execute dispatches one body if the computation still needs and merits
// it. Must be called with the kernel lock held.
func (k *Kernel) execute(c *computation) {
	// Guard: the work may have become unnecessary while queued
	if cur, alive := k.computations[c.id]; !alive || cur != c {
		return
	}
	if c.state() != types.StateReady || c.observeCount == 0 || c.runningTask != nil {
		return
	}
	// Deferred abort strategy: wait for superseded tasks to settle; the
	// settling path re-enqueues.
	if k.opts.AbortStrategy == types.AbortDeferred && len(c.abortingTasks) > 0 {
		return
	}

	// Input pruning: nothing real changed since the last success
	currentMax := c.maxInputValueAt()
	if c.inputVersion > 0 && currentMax <= c.inputVersion {
		metrics.BodiesPruned.Inc()
		for _, o := range c.orderedOutputs() {
			if o.dirty {
				o.dirty = false
				k.cleanVariable(o, false)
			}
		}
		c.setDirty(false)
		return
	}

	k.taskSeq++
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		id:      k.taskSeq,
		causeAt: c.causeAt,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		used:    make(map[string]bool),
	}
	c.runningTask = t
	k.running++
	metrics.RunningBodies.Set(float64(k.running))
	metrics.BodiesStarted.Inc()
	log.WithComputationID(c.id).Debug().Int64("task_id", t.id).Msg("body dispatched")

	go k.runBody(c, t)
}

// runBody executes the body outside the kernel lock and settles the
// outcome back under it
func (k *Kernel) runBody(c *computation, t *task) {
	scope := &Scope{k: k, c: c, t: t}
	started := time.Now()

	out, err := invokeBody(c.spec.Body, t.ctx, scope)
	metrics.BodyDuration.Observe(time.Since(started).Seconds())

	k.mu.Lock()
	defer k.mu.Unlock()
	k.settle(c, t, out, err)
}

// invokeBody isolates body panics into ordinary errors
func invokeBody(body types.BodyFunc, ctx context.Context, scope types.Scope) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("body panicked: %v", r)
		}
	}()
	return body(ctx, scope)
}

// settle writes back one task's outcome. Exactly one of three paths
// runs: abort (no writes, stays dirty), error (Error on all outputs),
// or success (per-output change detection and clean cascade).
func (k *Kernel) settle(c *computation, t *task, out map[string]any, err error) {
	defer func() {
		// Finally: release the task slot and re-examine scheduling
		if c.runningTask == t {
			c.runningTask = nil
		} else {
			delete(c.abortingTasks, t.id)
		}
		close(t.done)
		k.running--
		metrics.RunningBodies.Set(float64(k.running))

		// Only a node still installed under its id may reschedule; a
		// removed, replaced, or quarantined instance is inert
		if cur, alive := k.computations[c.id]; alive && cur == c && c.dirty {
			// A late upstream push can land during execution; lift the
			// cause so the setter cascade schedules the replacement
			if maxCause := c.maxInputCauseAt(); maxCause > c.causeAt {
				k.propagateCauseDownward(c, maxCause, nil, false)
			}
			c.maybeEnqueue()
		}
		k.assertInvariants()
		k.schedulePump()
		k.checkIdle()
	}()

	// Quarantined or replaced mid-flight: the marking already detached
	// everything this instance owned
	if cur, alive := k.computations[c.id]; !alive || cur != c {
		return
	}

	aborted := t.aborted() || errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled)
	if aborted {
		metrics.BodiesAborted.Inc()
		log.WithComputationID(c.id).Debug().Int64("task_id", t.id).Msg("body aborted")
		k.publish(events.EventComputationAborted, "body execution cancelled",
			map[string]string{"computation_id": c.id})
		return
	}

	if err != nil {
		k.settleError(c, t, err)
		return
	}
	k.settleSuccess(c, t, out)
}

// settleError propagates a body error into all outputs as data
func (k *Kernel) settleError(c *computation, t *task, err error) {
	if c.runningTask != t {
		// Superseded while the error was in flight; discard
		metrics.BodiesAborted.Inc()
		return
	}
	metrics.BodiesFailed.Inc()
	log.WithComputationID(c.id).Debug().Err(err).Msg("body failed")

	// A fresh value_at so observers see the change
	tick := k.clock.Tick()
	metrics.LogicalClock.Set(float64(k.clock.Now()))
	for _, o := range c.orderedOutputs() {
		o.result = types.Failure(err)
		o.valueAt = tick
		o.raiseCauseAt(c.causeAt)
		o.dirty = false
		k.cleanVariable(o, true)
	}
	k.finishExecution(c)
	k.publish(events.EventComputationFailed, "body returned an error",
		map[string]string{"computation_id": c.id, "error": err.Error()})
}

// settleSuccess commits outputs with per-output change detection: all
// changed outputs share a single fresh tick, unchanged outputs keep
// their value_at and stay silent toward observers.
func (k *Kernel) settleSuccess(c *computation, t *task, out map[string]any) {
	if c.runningTask != t {
		metrics.BodiesAborted.Inc()
		return
	}
	metrics.BodiesCommitted.Inc()

	for id := range out {
		if _, owned := c.outputs[id]; !owned {
			log.WithComputationID(c.id).Warn().
				Str("output_id", id).
				Msg("body returned a value for an undeclared output; ignored")
		}
	}

	changed := make(map[string]bool, len(c.outputs))
	anyChanged := false
	for id, o := range c.outputs {
		newValue, produced := out[id]
		if !produced {
			continue
		}
		if o.result.IsSuccess() && k.equals(o.result.Value, newValue) {
			continue
		}
		changed[id] = true
		anyChanged = true
	}

	var tick int64
	if anyChanged {
		// One tick for the whole commit keeps multi-output writes atomic
		tick = k.clock.Tick()
		metrics.LogicalClock.Set(float64(k.clock.Now()))
	}

	for _, o := range c.orderedOutputs() {
		if changed[o.id] {
			o.result = types.Success(out[o.id])
			o.valueAt = tick
		}
		o.raiseCauseAt(c.causeAt)
		o.dirty = false
		k.cleanVariable(o, changed[o.id])
	}

	k.pruneUnusedInputs(c, t)
	k.finishExecution(c)
	k.publish(events.EventComputationCommitted, "body committed",
		map[string]string{"computation_id": c.id})
}

// pruneUnusedInputs detaches runtime inputs the finished execution
// never touched, reversing their observer-count contribution
func (k *Kernel) pruneUnusedInputs(c *computation, t *task) {
	for id, in := range c.runtimeInputs {
		if t.used[id] {
			continue
		}
		delete(c.runtimeInputs, id)
		delete(in.dependents, c.id)
		k.propagateObserveCount(in, -c.observeCount)
		if in.dirty && in.producer != nil {
			c.addDirtyInputCount(-1)
		}
	}
}

// finishExecution clears dirtiness and snapshots the input version for
// the next pruning decision
func (k *Kernel) finishExecution(c *computation) {
	c.setDirty(false)
	c.inputVersion = c.maxInputValueAt()
}
