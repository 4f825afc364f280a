package kernel

import (
	"github.com/reflow-dev/reflow/pkg/log"
	"github.com/reflow-dev/reflow/pkg/metrics"
	"github.com/reflow-dev/reflow/pkg/types"
)

// variable is one cell of the graph: a named slot carrying a Result and
// the two logical timestamps. Sources have no producer and are written
// through UpdateSource; computed cells are owned by exactly one
// computation and are externally immutable.
type variable struct {
	id      string
	result  types.Result
	valueAt int64 // time the value last changed; in the healthy table 0 iff uninitialized, quarantined cells hold 0
	causeAt int64 // time an upstream perturbation last reached this cell
	dirty   bool

	// producer is the owning computation; nil for sources and for
	// quarantined cells (ownerID keeps the link for problem variables)
	producer *computation
	ownerID  string

	// dependents holds the healthy computations consuming this cell
	dependents map[string]*computation

	// observers are external callbacks keyed by subscription id
	observers map[string]types.Observer

	// waiters are one-shot channels released the next time the cell
	// becomes clean; used by pull evaluation, never by external observers
	waiters []chan types.Result

	// observeCount is the recursive count of active observers reaching
	// this cell through the consumer chain
	observeCount int
}

func newVariable(id string) *variable {
	return &variable{
		id:         id,
		result:     types.Uninitialized(),
		dependents: make(map[string]*computation),
		observers:  make(map[string]types.Observer),
	}
}

// raiseCauseAt enforces cause monotonicity on the cell
func (v *variable) raiseCauseAt(t int64) {
	if t > v.causeAt {
		v.causeAt = t
	}
}

// snapshot returns the side-effect-free view used by Peek
func (v *variable) snapshot() types.VariableSnapshot {
	producer := v.ownerID
	if v.producer != nil {
		producer = v.producer.id
	}
	return types.VariableSnapshot{
		ID:       v.id,
		Result:   v.result,
		IsDirty:  v.dirty,
		ValueAt:  v.valueAt,
		CauseAt:  v.causeAt,
		Producer: producer,
	}
}

// notifyObservers delivers the cell's current result to every attached
// observer. Callbacks run synchronously on the scheduling thread; a
// panicking callback is recovered and logged, never propagated.
func (k *Kernel) notifyObservers(v *variable) {
	for _, cb := range v.observers {
		k.deliver(v, cb)
	}
}

func (k *Kernel) deliver(v *variable, cb types.Observer) {
	defer func() {
		if r := recover(); r != nil {
			log.WithVariableID(v.id).Error().
				Interface("panic", r).
				Msg("observer callback panicked")
		}
	}()
	metrics.ObserverNotifications.Inc()
	cb(v.result)
}

// releaseWaiters fires and clears the one-shot clean waiters
func (k *Kernel) releaseWaiters(v *variable) {
	for _, ch := range v.waiters {
		select {
		case ch <- v.result:
		default:
		}
	}
	v.waiters = nil
}

// cleanVariable commits the clean transition of one output cell: it
// releases pull waiters, notifies external observers when the value
// actually changed, and walks dependents decrementing their dirty-input
// counters, which may transition them toward Ready.
//
// The cell's dirty flag and result must already be written by the caller.
func (k *Kernel) cleanVariable(v *variable, changed bool) {
	k.releaseWaiters(v)
	if changed {
		k.notifyObservers(v)
	}
	for _, dep := range v.dependents {
		if _, tracked := dep.runtimeInputs[v.id]; tracked {
			dep.addDirtyInputCount(-1)
		}
	}
}
