package kernel

import (
	"context"
	"errors"

	"github.com/reflow-dev/reflow/pkg/types"
)

// awaitClean is the pull-evaluation primitive: it returns the
// variable's result once the variable is clean, temporarily observing
// it so visibility-driven scheduling pulls the producer chain into
// execution.
//
// Must be called with the kernel lock held; the lock is released while
// waiting and re-acquired before returning. Sources and problem cells
// return immediately (a Fatal is "clean").
func (k *Kernel) awaitClean(ctx context.Context, id string) (types.Result, error) {
	for {
		v := k.lookupVariable(id)
		if v == nil {
			return types.Result{}, types.ErrNotFound
		}
		if !v.dirty || v.producer == nil {
			return v.result, nil
		}

		ch := make(chan types.Result, 1)
		v.waiters = append(v.waiters, ch)
		k.propagateObserveCount(v, 1)

		k.mu.Unlock()
		var (
			r      types.Result
			werr   error
			gotOne bool
		)
		select {
		case r = <-ch:
			gotOne = true
		case <-ctx.Done():
			werr = ErrAborted
		}
		k.mu.Lock()

		// The variable may have been replaced or removed while waiting;
		// only unwind bookkeeping that still points at this instance.
		if cur := k.lookupVariable(id); cur == v {
			removeWaiter(v, ch)
			k.propagateObserveCount(v, -1)
		}

		if werr != nil {
			return types.Result{}, werr
		}
		if gotOne {
			return r, nil
		}
	}
}

func removeWaiter(v *variable, ch chan types.Result) {
	for i, w := range v.waiters {
		if w == ch {
			v.waiters = append(v.waiters[:i], v.waiters[i+1:]...)
			return
		}
	}
}

// GetValue pulls a variable's committed value, scheduling whatever
// upstream work is needed to produce it. Error results surface their
// original error, Fatal results surface the structural error, and an
// uninitialized cell surfaces ErrUninitialized.
func (k *Kernel) GetValue(ctx context.Context, id string) (any, error) {
	r, err := k.GetValueResult(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.Unwrap()
}

// GetValueResult pulls a variable's Result without converting
// non-success variants to errors. The returned error is non-nil only
// for an unknown id, a closed kernel, or caller cancellation.
func (k *Kernel) GetValueResult(ctx context.Context, id string) (types.Result, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return types.Result{}, types.ErrKernelClosed
	}

	for {
		r, err := k.awaitClean(ctx, id)
		if err == nil {
			return r, nil
		}
		if errors.Is(err, ErrAborted) && ctx.Err() == nil {
			// The wait was interrupted by something other than the
			// caller; retry against the current graph
			continue
		}
		if ctx.Err() != nil {
			return types.Result{}, ctx.Err()
		}
		return types.Result{}, err
	}
}
