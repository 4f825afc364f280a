/*
Package equality supplies the default deep structural equality operator
used for output pruning.

When a body commits, each output's new value is compared against the
prior committed value; equal values keep their value_at and suppress
observer notification. Hosts with domain knowledge of their value types
can replace this operator via Options.Equals.
*/
package equality
