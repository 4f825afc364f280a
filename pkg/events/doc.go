/*
Package events fans kernel lifecycle events out to subscriptions.

The broker is a monitoring surface, distinct from the synchronous
observer callbacks attached to individual cells: observers deliver
Results with ordering guarantees, while the broker carries best-effort
notifications about graph structure and scheduling (definitions,
removals, commits, aborts, quarantines, recoveries, and idle transitions
that release WaitIdle callers).

The kernel publishes while holding its scheduling lock, which dictates
the broker's shape: there is no dispatch goroutine or intermediate
queue. Publish delivers directly into each matching subscription's
bounded buffer at the publish site, and a subscription that has fallen
behind loses the event (counted on the subscription) rather than ever
stalling propagation.

Subscriptions carry a type filter, so a consumer interested only in
structural trouble does not wade through per-commit traffic:

	sub := kernel.Events().Subscribe(
		events.EventComputationQuarantined,
		events.EventComputationRecovered,
	)
	defer kernel.Events().Unsubscribe(sub)

	go func() {
		for event := range sub.C() {
			fmt.Printf("%s: %s\n", event.Type, event.Message)
		}
	}()

	if n := sub.Dropped(); n > 0 {
		log.Warn(fmt.Sprintf("missed %d events", n))
	}
*/
package events
