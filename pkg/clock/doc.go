/*
Package clock provides the kernel's monotonic logical timestamp source.

Logical time orders value commits and perturbation causes without any
reference to wall-clock time. Two timestamps derived from it appear
throughout the kernel:

	value_at  the tick at which a cell's value last actually changed
	cause_at  the tick at which an upstream perturbation last reached a node

The counter is 64-bit and never wraps in practice.
*/
package clock
