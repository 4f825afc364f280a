package kernel_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reflow-dev/reflow/pkg/events"
	"github.com/reflow-dev/reflow/pkg/kernel"
	"github.com/reflow-dev/reflow/pkg/types"
)

// addBody returns a body computing out = in + delta
func addBody(in, out string, delta int) types.BodyFunc {
	return func(ctx context.Context, scope types.Scope) (map[string]any, error) {
		v, err := scope.Get(in)
		if err != nil {
			return nil, err
		}
		return map[string]any{out: v.(int) + delta}, nil
	}
}

// TestNewRejectsInvalidOptions tests option validation at construction
func TestNewRejectsInvalidOptions(t *testing.T) {
	_, err := kernel.New(types.Options{MaxConcurrent: -3})
	assert.Error(t, err)

	_, err = kernel.New(types.Options{AbortStrategy: "never"})
	assert.Error(t, err)
}

// TestUpdateSourceErrors tests the two documented failure modes
func TestUpdateSourceErrors(t *testing.T) {
	k := newTestKernel(t)

	err := k.UpdateSource("ghost", 1)
	assert.ErrorIs(t, err, types.ErrNotFound)

	defineSource(t, k, "x", 1)
	_, err = k.DefineComputation(types.ComputationSpec{
		ID: "cy", Inputs: []string{"x"}, Outputs: []string{"y"}, Body: addBody("x", "y", 1),
	}, types.DefineOptions{})
	require.NoError(t, err)

	err = k.UpdateSource("y", 5)
	assert.ErrorIs(t, err, types.ErrNotSource)
}

// TestObserveUnknownVariable tests that observing an id in neither
// table fails synchronously
func TestObserveUnknownVariable(t *testing.T) {
	k := newTestKernel(t)
	_, err := k.Observe("ghost", func(types.Result) {})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

// TestObserveCleanSourceDeliversImmediately tests the immediate
// callback contract for clean cells, including uninitialized sources
func TestObserveCleanSourceDeliversImmediately(t *testing.T) {
	k := newTestKernel(t)
	defineSource(t, k, "x", 7)

	rec := &recorder{}
	unsub, err := k.Observe("x", rec.cb)
	require.NoError(t, err)
	defer unsub()

	results := rec.all()
	require.Len(t, results, 1)
	assert.Equal(t, 7, results[0].Value)

	// A source defined without an initial value is clean but
	// uninitialized; the immediate delivery reflects that
	_, err = k.DefineSource(types.SourceSpec{ID: "empty"}, types.DefineOptions{})
	require.NoError(t, err)

	rec2 := &recorder{}
	unsub2, err := k.Observe("empty", rec2.cb)
	require.NoError(t, err)
	defer unsub2()

	results = rec2.all()
	require.Len(t, results, 1)
	assert.True(t, results[0].IsUninitialized())
}

// TestUnsubscribeStopsDeliveries tests that an unsubscribed observer
// receives nothing further
func TestUnsubscribeStopsDeliveries(t *testing.T) {
	k := newTestKernel(t)
	defineSource(t, k, "x", 1)

	rec := &recorder{}
	unsub, err := k.Observe("x", rec.cb)
	require.NoError(t, err)
	require.Len(t, rec.all(), 1)

	unsub()
	require.NoError(t, k.UpdateSource("x", 2))
	waitIdle(t, k)

	assert.Len(t, rec.all(), 1)
}

// TestGetValuePullEvaluation tests pull mode without any observer: the
// chain executes on demand
func TestGetValuePullEvaluation(t *testing.T) {
	k := newTestKernel(t)
	defineSource(t, k, "x", 5)
	_, err := k.DefineComputation(types.ComputationSpec{
		ID: "cy", Inputs: []string{"x"}, Outputs: []string{"y"}, Body: addBody("x", "y", 1),
	}, types.DefineOptions{})
	require.NoError(t, err)
	_, err = k.DefineComputation(types.ComputationSpec{
		ID: "cz", Inputs: []string{"y"}, Outputs: []string{"z"}, Body: addBody("y", "z", 100),
	}, types.DefineOptions{})
	require.NoError(t, err)

	assert.Equal(t, 106, mustGet(t, k, "z"))

	require.NoError(t, k.UpdateSource("x", 10))
	assert.Equal(t, 111, mustGet(t, k, "z"))
}

// TestGetValueFailureModes tests unwrap behavior per result kind
func TestGetValueFailureModes(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	_, err := k.GetValue(ctx, "ghost")
	assert.ErrorIs(t, err, types.ErrNotFound)

	// Uninitialized source
	_, err = k.DefineSource(types.SourceSpec{ID: "empty"}, types.DefineOptions{})
	require.NoError(t, err)
	_, err = k.GetValue(ctx, "empty")
	assert.ErrorIs(t, err, types.ErrUninitialized)

	// Body error surfaces as the original error
	boom := errors.New("boom")
	defineSource(t, k, "x", 1)
	_, err = k.DefineComputation(types.ComputationSpec{
		ID: "bad", Inputs: []string{"x"}, Outputs: []string{"out"},
		Body: func(ctx context.Context, scope types.Scope) (map[string]any, error) {
			if _, err := scope.Get("x"); err != nil {
				return nil, err
			}
			return nil, boom
		},
	}, types.DefineOptions{})
	require.NoError(t, err)
	_, err = k.GetValue(ctx, "out")
	assert.ErrorIs(t, err, boom)

	// Fatal surfaces as the structural error
	_, err = k.DefineComputation(types.ComputationSpec{
		ID: "orphan", Inputs: []string{"missing"}, Outputs: []string{"ov"},
		Body: addBody("missing", "ov", 0),
	}, types.DefineOptions{})
	require.NoError(t, err)
	_, err = k.GetValue(ctx, "ov")
	var se *types.StructuralError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, types.ReasonMissingInput, se.Reason)
}

// TestGetValueResultNeverThrowsForKnownID tests the non-throwing pull
func TestGetValueResultNeverThrowsForKnownID(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	defineSource(t, k, "x", 1)

	_, err := k.DefineComputation(types.ComputationSpec{
		ID: "bad", Inputs: []string{"x"}, Outputs: []string{"out"},
		Body: func(ctx context.Context, scope types.Scope) (map[string]any, error) {
			if _, err := scope.Get("x"); err != nil {
				return nil, err
			}
			return nil, errors.New("boom")
		},
	}, types.DefineOptions{})
	require.NoError(t, err)

	r, err := k.GetValueResult(ctx, "out")
	require.NoError(t, err)
	assert.True(t, r.IsError())
	assert.EqualError(t, r.Err, "boom")
}

// TestPeekHasNoSideEffects tests that Peek neither schedules nor
// mutates
func TestPeekHasNoSideEffects(t *testing.T) {
	k := newTestKernel(t)
	defineSource(t, k, "x", 1)
	_, err := k.DefineComputation(types.ComputationSpec{
		ID: "cy", Inputs: []string{"x"}, Outputs: []string{"y"}, Body: addBody("x", "y", 1),
	}, types.DefineOptions{})
	require.NoError(t, err)

	snap, err := k.Peek("y")
	require.NoError(t, err)
	assert.True(t, snap.IsDirty)
	assert.True(t, snap.Result.IsUninitialized())
	assert.Equal(t, "cy", snap.Producer)

	// Still dirty afterwards: peeking does not trigger execution
	waitIdle(t, k)
	snap, err = k.Peek("y")
	require.NoError(t, err)
	assert.True(t, snap.IsDirty)

	_, err = k.Peek("ghost")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

// TestPeekComputationStates tests the derived automaton state exposed
// by snapshots
func TestPeekComputationStates(t *testing.T) {
	k := newTestKernel(t)
	defineSource(t, k, "x", 1)
	_, err := k.DefineComputation(types.ComputationSpec{
		ID: "cy", Inputs: []string{"x"}, Outputs: []string{"y"}, Body: addBody("x", "y", 1),
	}, types.DefineOptions{})
	require.NoError(t, err)

	// Dirty but unobserved: Idle, never executed
	snap, err := k.PeekComputation("cy")
	require.NoError(t, err)
	assert.Equal(t, types.StateIdle, snap.State)
	assert.True(t, snap.Dirty)
	assert.Equal(t, int64(0), snap.InputVersion)
	assert.Equal(t, []string{"x"}, snap.StaticInputs)
	assert.Equal(t, []string{"y"}, snap.Outputs)

	rec := &recorder{}
	unsub, err := k.Observe("y", rec.cb)
	require.NoError(t, err)
	defer unsub()
	waitIdle(t, k)

	snap, err = k.PeekComputation("cy")
	require.NoError(t, err)
	assert.Equal(t, types.StateIdle, snap.State)
	assert.False(t, snap.Dirty)
	assert.Equal(t, 1, snap.ObserveCount)
	assert.Greater(t, snap.InputVersion, int64(0))

	_, err = k.PeekComputation("ghost")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

// TestRedefineWithoutFlagIsRejected tests the operational error shape
func TestRedefineWithoutFlagIsRejected(t *testing.T) {
	k := newTestKernel(t)
	defineSource(t, k, "x", 1)

	spec := types.ComputationSpec{
		ID: "cy", Inputs: []string{"x"}, Outputs: []string{"y"}, Body: addBody("x", "y", 1),
	}
	_, err := k.DefineComputation(spec, types.DefineOptions{})
	require.NoError(t, err)

	status, err := k.DefineComputation(spec, types.DefineOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.HealthProblematic, status.Health)

	// The original definition is untouched
	assert.Equal(t, 2, mustGet(t, k, "y"))
}

// TestRedefineInPlace tests the optimized healthy-to-healthy
// redefinition: same outputs, new body, forced re-execution
func TestRedefineInPlace(t *testing.T) {
	k := newTestKernel(t)
	defineSource(t, k, "x", 1)

	_, err := k.DefineComputation(types.ComputationSpec{
		ID: "cy", Inputs: []string{"x"}, Outputs: []string{"y"}, Body: addBody("x", "y", 1),
	}, types.DefineOptions{})
	require.NoError(t, err)

	rec := &recorder{}
	unsub, err := k.Observe("y", rec.cb)
	require.NoError(t, err)
	defer unsub()
	waitIdle(t, k)
	require.Equal(t, []any{2}, rec.values())

	status, err := k.DefineComputation(types.ComputationSpec{
		ID: "cy", Inputs: []string{"x"}, Outputs: []string{"y"}, Body: addBody("x", "y", 100),
	}, types.DefineOptions{AllowRedefinition: true})
	require.NoError(t, err)
	require.Equal(t, types.HealthHealthy, status.Health)
	waitIdle(t, k)

	// The observer survived the redefinition and saw the new value even
	// though the source never moved
	assert.Equal(t, []any{2, 101}, rec.values())
}

// TestRemoveSourceMarksDependents tests that removal quarantines
// downstream instead of cascading deletion, and that redefining the
// source heals everything
func TestRemoveSourceMarksDependents(t *testing.T) {
	k := newTestKernel(t)
	defineSource(t, k, "x", 1)
	_, err := k.DefineComputation(types.ComputationSpec{
		ID: "cy", Inputs: []string{"x"}, Outputs: []string{"y"}, Body: addBody("x", "y", 1),
	}, types.DefineOptions{})
	require.NoError(t, err)

	rec := &recorder{}
	unsub, err := k.Observe("y", rec.cb)
	require.NoError(t, err)
	defer unsub()
	waitIdle(t, k)
	require.Equal(t, []any{2}, rec.values())

	removal := k.RemoveSource("x")
	require.True(t, removal.Removed)
	assert.Equal(t, []string{"cy"}, removal.Marked)

	results := rec.all()
	require.Len(t, results, 2)
	require.True(t, results[1].IsFatal())
	assert.Equal(t, types.ReasonMissingInput, results[1].Structural.Reason)

	problems := k.GetProblemComputations()
	require.Len(t, problems, 1)
	assert.Equal(t, "cy", problems[0].ComputationID)

	// Redefining the source recovers the computation and re-commits
	defineSource(t, k, "x", 50)
	waitIdle(t, k)

	results = rec.all()
	require.Len(t, results, 3)
	assert.Equal(t, 51, results[2].Value)
	assert.Empty(t, k.GetProblemComputations())
}

// TestRemoveNotFound tests that removals never throw
func TestRemoveNotFound(t *testing.T) {
	k := newTestKernel(t)

	status := k.RemoveSource("ghost")
	assert.False(t, status.Removed)
	assert.NotEmpty(t, status.Reason)

	status = k.RemoveComputation("ghost")
	assert.False(t, status.Removed)
	assert.NotEmpty(t, status.Reason)
}

// TestTraceProblemRoot tests root-cause walking across chained
// quarantined nodes
func TestTraceProblemRoot(t *testing.T) {
	k := newTestKernel(t)

	_, err := k.DefineComputation(types.ComputationSpec{
		ID: "B", Inputs: []string{"A"}, Outputs: []string{"vB"}, Body: addBody("A", "vB", 1),
	}, types.DefineOptions{})
	require.NoError(t, err)
	_, err = k.DefineComputation(types.ComputationSpec{
		ID: "C", Inputs: []string{"vB"}, Outputs: []string{"vC"}, Body: addBody("vB", "vC", 1),
	}, types.DefineOptions{})
	require.NoError(t, err)

	trace, err := k.TraceProblemRoot("C")
	require.NoError(t, err)
	require.Len(t, trace, 2)
	assert.Equal(t, "C", trace[0].ComputationID)
	assert.Equal(t, []string{"vB"}, trace[0].MissingInputs)
	assert.Equal(t, "B", trace[1].ComputationID)
	assert.Equal(t, []string{"A"}, trace[1].MissingInputs)

	// Tracing by problem variable resolves to its owner
	trace, err = k.TraceProblemRoot("vC")
	require.NoError(t, err)
	assert.Equal(t, "C", trace[0].ComputationID)

	_, err = k.TraceProblemRoot("ghost")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

// TestGetGraphHealth tests the aggregate summary
func TestGetGraphHealth(t *testing.T) {
	k := newTestKernel(t)
	defineSource(t, k, "x", 1)
	_, err := k.DefineComputation(types.ComputationSpec{
		ID: "cy", Inputs: []string{"x"}, Outputs: []string{"y"}, Body: addBody("x", "y", 1),
	}, types.DefineOptions{})
	require.NoError(t, err)
	_, err = k.DefineComputation(types.ComputationSpec{
		ID: "orphan", Inputs: []string{"missing"}, Outputs: []string{"ov"}, Body: addBody("missing", "ov", 0),
	}, types.DefineOptions{})
	require.NoError(t, err)
	waitIdle(t, k)

	health := k.GetGraphHealth()
	assert.Equal(t, 2, health.Variables)
	assert.Equal(t, 1, health.Computations)
	assert.Equal(t, 1, health.ProblemComputations)
	assert.Equal(t, 1, health.ProblemVariables)
	assert.Equal(t, 1, health.ProblemsByReason[types.ReasonMissingInput])
	assert.True(t, health.Idle)
	assert.Greater(t, health.Clock, int64(0))
}

// TestGetProblemVariables tests the quarantined cell listing
func TestGetProblemVariables(t *testing.T) {
	k := newTestKernel(t)
	_, err := k.DefineComputation(types.ComputationSpec{
		ID: "B", Inputs: []string{"A"}, Outputs: []string{"vB"}, Body: addBody("A", "vB", 1),
	}, types.DefineOptions{})
	require.NoError(t, err)

	pvs := k.GetProblemVariables()
	require.Len(t, pvs, 1)
	assert.Equal(t, "vB", pvs[0].ID)
	assert.True(t, pvs[0].Result.IsFatal())
	assert.Equal(t, "B", pvs[0].Producer)
}

// TestWithTransaction tests error pass-through
func TestWithTransaction(t *testing.T) {
	k := newTestKernel(t)
	defineSource(t, k, "x", 1)

	err := k.WithTransaction(func() error {
		return k.UpdateSource("x", 2)
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = k.WithTransaction(func() error { return boom })
	assert.ErrorIs(t, err, boom)
}

// TestKernelEvents tests that lifecycle events reach broker
// subscribers
func TestKernelEvents(t *testing.T) {
	k := newTestKernel(t)

	sub := k.Events().Subscribe()
	defer k.Events().Unsubscribe(sub)

	defineSource(t, k, "x", 1)
	_, err := k.DefineComputation(types.ComputationSpec{
		ID: "cy", Inputs: []string{"x"}, Outputs: []string{"y"}, Body: addBody("x", "y", 1),
	}, types.DefineOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, mustGet(t, k, "y"))

	seen := make(map[events.EventType]bool)
	deadline := time.After(2 * time.Second)
	for !seen[events.EventComputationCommitted] {
		select {
		case event := <-sub.C():
			seen[event.Type] = true
		case <-deadline:
			t.Fatal("committed event never arrived")
		}
	}
	assert.True(t, seen[events.EventSourceDefined])
	assert.True(t, seen[events.EventComputationDefined])
	assert.Zero(t, sub.Dropped())
}

// TestClosedKernelRejectsOperations tests post-Close behavior
func TestClosedKernelRejectsOperations(t *testing.T) {
	k := newTestKernel(t)
	defineSource(t, k, "x", 1)
	require.NoError(t, k.Close())

	err := k.UpdateSource("x", 2)
	assert.ErrorIs(t, err, types.ErrKernelClosed)

	_, err = k.DefineSource(types.SourceSpec{ID: "z"}, types.DefineOptions{})
	assert.ErrorIs(t, err, types.ErrKernelClosed)

	_, err = k.GetValueResult(context.Background(), "x")
	assert.ErrorIs(t, err, types.ErrKernelClosed)

	// Close is idempotent
	assert.NoError(t, k.Close())
}

// TestBodyPanicBecomesError tests panic isolation
func TestBodyPanicBecomesError(t *testing.T) {
	k := newTestKernel(t)
	defineSource(t, k, "x", 1)
	_, err := k.DefineComputation(types.ComputationSpec{
		ID: "cy", Inputs: []string{"x"}, Outputs: []string{"y"},
		Body: func(ctx context.Context, scope types.Scope) (map[string]any, error) {
			panic("unexpected")
		},
	}, types.DefineOptions{})
	require.NoError(t, err)

	r, err := k.GetValueResult(context.Background(), "y")
	require.NoError(t, err)
	require.True(t, r.IsError())
	assert.Contains(t, r.Err.Error(), "body panicked")
}
