/*
Package metrics exposes Prometheus collectors for the Reflow kernel.

Collectors are registered at package init and updated by the kernel as a
side effect of its normal operation; hosts that want them served mount
Handler on an HTTP mux:

	http.Handle("/metrics", metrics.Handler())

# Collector groups

Graph gauges track the population of the two node tables by health and
the current logical clock. Scheduler counters and gauges track the ready
queue, in-flight bodies, and the four settlement outcomes (committed,
failed, aborted, pruned). Repair counters track quarantine and recovery
volume, which together describe how much structural churn the host's
definition stream is generating.
*/
package metrics
