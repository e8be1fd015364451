// Package system defines the contract every adapter implements: a small
// Identity interface plus one interface per declared capability (spec §3,
// §4.E). The core never assumes a system implements all of them — it checks
// Capabilities() and then type-asserts to the matching interface, returning
// a CapabilityError if the assertion fails.
//
// Grounded on the teacher's own backend abstraction (a narrow interface for
// the mandatory operations, with optional behaviors type-asserted at the
// call site rather than forced into one monolithic interface).
package system

import (
	"time"

	yggdrasil "github.com/yggdrasil-sh/core"
)

// System is the minimal contract every managed value satisfies, regardless
// of declared capabilities.
type System interface {
	SystemID() yggdrasil.SystemID
	SystemType() string
	Capabilities() yggdrasil.Capabilities
}

// Has reports whether sys declares every capability in want, and if so
// returns sys type-asserted to T. The core uses this at every capability
// boundary instead of a bare type assertion, so a system that lies about
// its Capabilities() bitfield fails closed with CapabilityError rather than
// panicking on a failed assertion.
func Has[T any](sys System, want yggdrasil.Capabilities) (T, error) {
	var zero T
	if !sys.Capabilities().Has(want) {
		return zero, yggdrasil.Wrap(yggdrasil.CapabilityError,
			errCapabilityNotDeclared(sys, want), sys.SystemID())
	}
	t, ok := sys.(T)
	if !ok {
		return zero, yggdrasil.Wrap(yggdrasil.CapabilityError,
			errCapabilityNotImplemented(sys, want), sys.SystemID())
	}
	return t, nil
}

// SnapshotMeta is the metadata record associated with one snapshot, as
// reported by Snapshotable.SnapshotMeta.
type SnapshotMeta struct {
	Message  string
	Metadata map[string]string
	HLC      yggdrasil.HLC
}

// Snapshotable is a system that exposes its current position and can
// resolve metadata for any snapshot it has produced.
type Snapshotable interface {
	System
	CurrentSnapshot() yggdrasil.SnapshotID
	ParentIDs() []yggdrasil.SnapshotID
	AsOf(snap yggdrasil.SnapshotID) (System, error)
	SnapshotMeta(snap yggdrasil.SnapshotID) (SnapshotMeta, error)
}

// Branchable systems support native branches. Every method returns a new
// System value per spec §4.E's value semantics; the receiver is left
// pointing at its prior state.
type Branchable interface {
	System
	Branches() ([]yggdrasil.BranchName, error)
	CurrentBranch() yggdrasil.BranchName
	Branch(name yggdrasil.BranchName, from *yggdrasil.BranchName) (System, error)
	DeleteBranch(name yggdrasil.BranchName) (System, error)
	Checkout(name yggdrasil.BranchName) (System, error)
}

// Committable systems can durably record their current state as a new
// snapshot.
type Committable interface {
	System
	Commit(message string) (System, yggdrasil.SnapshotID, error)
}

// CommitInfo is one node in a system's commit graph.
type CommitInfo struct {
	SnapshotID yggdrasil.SnapshotID
	ParentIDs  []yggdrasil.SnapshotID
	Message    string
	HLC        yggdrasil.HLC
}

// CommitGraph is the full shape Graphable.CommitGraph returns: every known
// commit plus the current tip of each branch.
type CommitGraph struct {
	Nodes    []CommitInfo
	Branches map[yggdrasil.BranchName]yggdrasil.SnapshotID
	Roots    []yggdrasil.SnapshotID
}

// Graphable systems expose their commit DAG.
type Graphable interface {
	System
	History() ([]CommitInfo, error)
	Ancestors(snap yggdrasil.SnapshotID) ([]yggdrasil.SnapshotID, error)
	IsAncestor(ancestor, descendant yggdrasil.SnapshotID) (bool, error)
	CommonAncestor(a, b yggdrasil.SnapshotID) (yggdrasil.SnapshotID, bool, error)
	CommitGraph() (CommitGraph, error)
	CommitInfo(snap yggdrasil.SnapshotID) (CommitInfo, error)
}

// MergeOptions parametrizes a Mergeable.Merge call. Strategy is adapter
// defined (e.g. "recursive", "ours", "theirs"); the core never interprets
// it, only passes it through.
type MergeOptions struct {
	Strategy string
	Message  string
}

// Mergeable systems can fold another branch's history into the current one
// and report on conflicts or differences between two snapshots.
type Mergeable interface {
	System
	Merge(sourceBranch yggdrasil.BranchName, opts MergeOptions) (System, error)
	Conflicts(a, b yggdrasil.SnapshotID) ([]string, error)
	Diff(a, b yggdrasil.SnapshotID) (map[string]string, error)
}

// WatchEvent is delivered to a Watchable subscriber for each externally
// observed commit. Kind is adapter-defined ("commit", "branch-create", ...);
// the core does not interpret it beyond logging.
type WatchEvent struct {
	Kind       string
	SnapshotID yggdrasil.SnapshotID
	Branch     yggdrasil.BranchName
	Timestamp  time.Time
}

// WatchID identifies one active subscription, returned by Watch and
// consumed by Unwatch.
type WatchID yggdrasil.UUID

// WatchCallback is invoked for each WatchEvent a Watchable system observes.
// An error return counts against the two-consecutive-errors escalation
// threshold the Workspace enforces (spec §7, implementation-defined).
type WatchCallback func(WatchEvent) error

// Watchable systems notify the core of commits made through some path other
// than this process's own Commit calls (e.g. another process, or a native
// client). Delivery may be asynchronous but must not drop events.
type Watchable interface {
	System
	Watch(cb WatchCallback) (WatchID, error)
	Unwatch(id WatchID) error
}

// GarbageCollectable systems report their own live roots and accept a sweep
// of reclaimed snapshot ids, delegating native storage reclamation to the
// adapter.
type GarbageCollectable interface {
	System
	GCRoots() (map[yggdrasil.SnapshotID]struct{}, error)
	GCSweep(reclaimed map[yggdrasil.SnapshotID]struct{}) (System, error)
}

// Sizeable is an additive, optional capability not in spec §3: a system
// that implements it lets GC's dry-run report a bytes_estimate for a
// candidate set. Systems that don't implement it are treated by the GC
// package as reporting zero, never as an error.
type Sizeable interface {
	System
	SizeEstimate(candidates map[yggdrasil.SnapshotID]struct{}) (uint64, error)
}
