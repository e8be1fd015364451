package yggdrasil

// SnapshotID identifies a point-in-time state within one system. It is opaque
// to the core and unique only within the system that issued it — two different
// systems may legitimately report the same SnapshotID for unrelated content
// (content-address coincidence, spec §3).
type SnapshotID string

// SystemID stably identifies one managed adapter instance.
type SystemID string

// BranchName identifies a branch within one system's own namespace.
type BranchName string

// Capabilities is the bitfield of operations a System declares support for. The
// core only ever invokes an operation whose matching bit is set; anything else
// returns a CapabilityError.
type Capabilities uint16

const (
	CapSnapshotable Capabilities = 1 << iota
	CapBranchable
	CapCommittable
	CapGraphable
	CapMergeable
	CapWatchable
	CapGarbageCollectable
	CapCommutable
	CapRevertable
)

// Has reports whether all bits in want are set in c.
func (c Capabilities) Has(want Capabilities) bool {
	return c&want == want
}

// String renders the set capability names, comma separated, for logging.
func (c Capabilities) String() string {
	names := []struct {
		bit  Capabilities
		name string
	}{
		{CapSnapshotable, "snapshotable"},
		{CapBranchable, "branchable"},
		{CapCommittable, "committable"},
		{CapGraphable, "graphable"},
		{CapMergeable, "mergeable"},
		{CapWatchable, "watchable"},
		{CapGarbageCollectable, "garbage-collectable"},
		{CapCommutable, "commutable"},
		{CapRevertable, "revertable"},
	}
	out := ""
	for _, n := range names {
		if c.Has(n.bit) {
			if out != "" {
				out += ","
			}
			out += n.name
		}
	}
	if out == "" {
		return "none"
	}
	return out
}

// RegistryEntry is one immutable observation of a snapshot existing under a
// system and branch at a point in logical time (spec §3). Entries are never
// mutated after insertion; register/deregister add or remove them as a unit.
type RegistryEntry struct {
	SnapshotID SnapshotID
	SystemID   SystemID
	Branch     BranchName
	HLC        HLC
	ParentIDs  []SnapshotID
	Message    string
	Metadata   map[string]string
}

// sameIdentity reports whether two entries share the (snapshot, system, branch, hlc)
// tuple that register/deregister treat as the entry's identity (spec §4.D idempotency).
func (e RegistryEntry) sameIdentity(o RegistryEntry) bool {
	return e.SnapshotID == o.SnapshotID &&
		e.SystemID == o.SystemID &&
		e.Branch == o.Branch &&
		e.HLC == o.HLC
}

// CompositeSnapshot is the aggregate identity of a composite commit (spec §3):
// a deterministic function of its sorted (system_id, sub_snapshot_id) pairs.
type CompositeSnapshot struct {
	CompositeSnapID SnapshotID
	ParentID        SnapshotID // empty if this is the composite's root
	HLC             HLC
	Message         string
	SubSnapshots    map[SystemID]SnapshotID
}
