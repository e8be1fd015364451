// Package yggdrasil defines the core types, hybrid logical clock, and shared error
// taxonomy used across the workspace substrate: the Snapshot Registry, Page Store,
// B-Tree, Workspace Coordinator, Composite System, and Garbage Collector.
//
// Concrete version-controlled stores (content-addressed repositories, columnar table
// formats, snapshotting filesystems, datalog databases) are never implemented here;
// the core treats every one of them as an opaque value satisfying the capability
// interfaces in the system package. This package is the foundation the rest of the
// module builds on.
package yggdrasil
