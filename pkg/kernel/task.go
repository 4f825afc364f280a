package kernel

import "context"

// task is one in-flight execution of a computation body.
//
// causeAt is the computation's cause_at captured at dispatch and
// pre-bumped on dynamic-dependency attachment; the cause-supersession
// abort check in raiseCauseAt compares against it. done is closed once
// the task has fully settled. The deferred abort strategy does not read
// done: it holds back a successor while the computation still lists
// the task among its abortingTasks.
type task struct {
	id      int64
	causeAt int64
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// used records the runtime inputs this execution actually touched;
	// inputs outside the set are pruned on successful settle
	used map[string]bool
}

func (t *task) aborted() bool {
	return t.ctx.Err() != nil
}
