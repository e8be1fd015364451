package registry

import (
	"github.com/yggdrasil-sh/core"
)

// Entry is one observation that a snapshot existed under a given system and
// branch at a given moment (spec §3's Registry Entry). Entries are immutable
// once registered; Register/Deregister treat them as a unit across all three
// indices.
type Entry struct {
	SnapshotID yggdrasil.SnapshotID
	SystemID   yggdrasil.SystemID
	Branch     yggdrasil.BranchName
	HLC        yggdrasil.HLC
	ParentIDs  []yggdrasil.SnapshotID
	Message    string
	Metadata   map[string]string
}

func (e Entry) clone() Entry {
	out := e
	if e.ParentIDs != nil {
		out.ParentIDs = append([]yggdrasil.SnapshotID(nil), e.ParentIDs...)
	}
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
