/*
Package graph provides structural analysis over computation shapes.

A Shape is the dependency silhouette of a computation definition: id,
input variable names, output variable names. The kernel projects its
healthy and quarantined computations into shapes and asks this package
whether a prospective definition would close a cycle. Keeping the
analysis over plain shapes makes it a pure function, independent of
kernel state and trivially testable.
*/
package graph
