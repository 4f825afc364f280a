package kernel

import (
	"context"

	"github.com/reflow-dev/reflow/pkg/events"
	"github.com/reflow-dev/reflow/pkg/metrics"
)

// enqueue appends a Ready computation to the FIFO ready queue,
// de-duplicated on membership, and arranges a pump on the next tick.
// Draining never happens re-entrantly from inside a mutating call.
func (k *Kernel) enqueue(c *computation) {
	if k.queued[c.id] {
		return
	}
	k.queued[c.id] = true
	k.readyQueue = append(k.readyQueue, c)
	metrics.ReadyQueueDepth.Set(float64(len(k.readyQueue)))
	k.schedulePump()
}

// schedulePump defers a queue drain to a fresh goroutine unless one is
// already pending. Must be called with the kernel lock held.
func (k *Kernel) schedulePump() {
	if k.pumpScheduled || k.closed {
		return
	}
	k.pumpScheduled = true
	go k.pump()
}

// pump drains the ready queue up to the concurrency bound
func (k *Kernel) pump() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pumpScheduled = false

	for k.running < k.opts.MaxConcurrent && len(k.readyQueue) > 0 && !k.closed {
		c := k.readyQueue[0]
		k.readyQueue = k.readyQueue[1:]
		delete(k.queued, c.id)
		k.execute(c)
	}
	metrics.ReadyQueueDepth.Set(float64(len(k.readyQueue)))
	k.checkIdle()
}

// isIdle reports quiescence: nothing queued, nothing in flight, no
// pending pump. Must be called with the kernel lock held.
func (k *Kernel) isIdle() bool {
	return len(k.readyQueue) == 0 && k.running == 0 && !k.pumpScheduled
}

// checkIdle releases WaitIdle callers when quiescence is reached
func (k *Kernel) checkIdle() {
	if !k.isIdle() {
		return
	}
	if len(k.idleWaiters) > 0 {
		for _, ch := range k.idleWaiters {
			close(ch)
		}
		k.idleWaiters = nil
		k.publish(events.EventKernelIdle, "kernel reached quiescence", nil)
	}
}

// WaitIdle blocks until the kernel is quiescent: ready queue empty, no
// running tasks, no pending scheduling tick.
func (k *Kernel) WaitIdle(ctx context.Context) error {
	k.mu.Lock()
	if k.isIdle() {
		k.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	k.idleWaiters = append(k.idleWaiters, ch)
	k.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WithTransaction runs fn and propagates its error. Batching of source
// updates into a single clock tick is intentionally not provided; the
// wrapper exists so hosts written against a batching future keep
// compiling unchanged.
func (k *Kernel) WithTransaction(fn func() error) error {
	return fn()
}
