// Package testsystem is an in-memory, fully value-semantic System
// implementation used by workspace, composite, and gc tests in place of a
// real adapter. It implements every capability interface in package system
// so those packages can exercise full capability-gated code paths without
// a real version-control backend.
package testsystem

import (
	"fmt"
	"sort"
	"sync"

	yggdrasil "github.com/yggdrasil-sh/core"
	"github.com/yggdrasil-sh/core/system"
)

// commit is one immutable node in a System's history.
type commit struct {
	id        yggdrasil.SnapshotID
	parentIDs []yggdrasil.SnapshotID
	message   string
	hlc       yggdrasil.HLC
	content   map[string]string
}

// shared is the mutable backing store a family of System values created
// from the same Branch/Checkout lineage shares, mirroring the teacher's
// refcounted-arena note in spec §4.E ("adapters may share immutable
// internal state via refcounting/arenas").
type shared struct {
	mu       sync.Mutex
	id       yggdrasil.SystemID
	seq      int
	commits  map[yggdrasil.SnapshotID]commit
	branches map[yggdrasil.BranchName]yggdrasil.SnapshotID
	watchers map[system.WatchID]system.WatchCallback
}

// System is one value-semantic handle into a shared in-memory repository:
// a system id, a capability mask, and a pointer to the current branch and
// snapshot this particular value is checked out to.
type System struct {
	s      *shared
	caps   yggdrasil.Capabilities
	branch yggdrasil.BranchName
	snap   yggdrasil.SnapshotID
}

// AllCapabilities is every capability defined in spec §3.
const AllCapabilities = yggdrasil.CapSnapshotable | yggdrasil.CapBranchable |
	yggdrasil.CapCommittable | yggdrasil.CapGraphable | yggdrasil.CapMergeable |
	yggdrasil.CapWatchable | yggdrasil.CapGarbageCollectable |
	yggdrasil.CapCommutable | yggdrasil.CapRevertable

// New creates a fresh repository with a single root commit on "main", and
// returns the System value checked out to it. caps controls which
// capability interfaces the returned value satisfies at the type-assertion
// boundary in package system; Capabilities() always reports caps.
func New(id yggdrasil.SystemID, caps yggdrasil.Capabilities) *System {
	root := yggdrasil.SnapshotID(fmt.Sprintf("%s-root", id))
	s := &shared{
		id:       id,
		commits:  map[yggdrasil.SnapshotID]commit{root: {id: root, message: "root"}},
		branches: map[yggdrasil.BranchName]yggdrasil.SnapshotID{"main": root},
		watchers: map[system.WatchID]system.WatchCallback{},
	}
	return &System{s: s, caps: caps, branch: "main", snap: root}
}

func (sys *System) SystemID() yggdrasil.SystemID           { return sys.s.id }
func (sys *System) SystemType() string                     { return "testsystem" }
func (sys *System) Capabilities() yggdrasil.Capabilities    { return sys.caps }
func (sys *System) CurrentSnapshot() yggdrasil.SnapshotID   { return sys.snap }
func (sys *System) CurrentBranch() yggdrasil.BranchName     { return sys.branch }

func (sys *System) ParentIDs() []yggdrasil.SnapshotID {
	sys.s.mu.Lock()
	defer sys.s.mu.Unlock()
	return append([]yggdrasil.SnapshotID(nil), sys.s.commits[sys.snap].parentIDs...)
}

func (sys *System) AsOf(snap yggdrasil.SnapshotID) (system.System, error) {
	sys.s.mu.Lock()
	defer sys.s.mu.Unlock()
	if _, ok := sys.s.commits[snap]; !ok {
		return nil, yggdrasil.Wrap(yggdrasil.NotFound, fmt.Errorf("snapshot %s not found", snap), sys.s.id)
	}
	return &System{s: sys.s, caps: sys.caps, branch: sys.branch, snap: snap}, nil
}

func (sys *System) SnapshotMeta(snap yggdrasil.SnapshotID) (system.SnapshotMeta, error) {
	sys.s.mu.Lock()
	defer sys.s.mu.Unlock()
	c, ok := sys.s.commits[snap]
	if !ok {
		return system.SnapshotMeta{}, yggdrasil.Wrap(yggdrasil.NotFound, fmt.Errorf("snapshot %s not found", snap), sys.s.id)
	}
	return system.SnapshotMeta{Message: c.message, HLC: c.hlc}, nil
}

func (sys *System) Branches() ([]yggdrasil.BranchName, error) {
	sys.s.mu.Lock()
	defer sys.s.mu.Unlock()
	out := make([]yggdrasil.BranchName, 0, len(sys.s.branches))
	for b := range sys.s.branches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (sys *System) Branch(name yggdrasil.BranchName, from *yggdrasil.BranchName) (system.System, error) {
	sys.s.mu.Lock()
	defer sys.s.mu.Unlock()
	if _, exists := sys.s.branches[name]; exists {
		return nil, yggdrasil.Wrap(yggdrasil.Unknown, fmt.Errorf("branch %s already exists", name), sys.s.id)
	}
	base := sys.snap
	if from != nil {
		tip, ok := sys.s.branches[*from]
		if !ok {
			return nil, yggdrasil.Wrap(yggdrasil.NotFound, fmt.Errorf("branch %s not found", *from), sys.s.id)
		}
		base = tip
	}
	sys.s.branches[name] = base
	return &System{s: sys.s, caps: sys.caps, branch: name, snap: base}, nil
}

func (sys *System) DeleteBranch(name yggdrasil.BranchName) (system.System, error) {
	sys.s.mu.Lock()
	defer sys.s.mu.Unlock()
	if name == sys.branch {
		return nil, yggdrasil.Wrap(yggdrasil.Unknown, fmt.Errorf("cannot delete checked-out branch %s", name), sys.s.id)
	}
	if _, ok := sys.s.branches[name]; !ok {
		return nil, yggdrasil.Wrap(yggdrasil.NotFound, fmt.Errorf("branch %s not found", name), sys.s.id)
	}
	delete(sys.s.branches, name)
	return &System{s: sys.s, caps: sys.caps, branch: sys.branch, snap: sys.snap}, nil
}

func (sys *System) Checkout(name yggdrasil.BranchName) (system.System, error) {
	sys.s.mu.Lock()
	defer sys.s.mu.Unlock()
	tip, ok := sys.s.branches[name]
	if !ok {
		return nil, yggdrasil.Wrap(yggdrasil.NotFound, fmt.Errorf("branch %s not found", name), sys.s.id)
	}
	return &System{s: sys.s, caps: sys.caps, branch: name, snap: tip}, nil
}

// Commit records content as a new snapshot on the receiver's branch.
// content is test-only plumbing (not part of the System interface) letting
// tests drive Diff/Conflicts deterministically.
func (sys *System) Commit(message string) (system.System, yggdrasil.SnapshotID, error) {
	return sys.CommitContent(message, nil)
}

func (sys *System) CommitContent(message string, content map[string]string) (system.System, yggdrasil.SnapshotID, error) {
	sys.s.mu.Lock()
	defer sys.s.mu.Unlock()
	sys.s.seq++
	id := yggdrasil.SnapshotID(fmt.Sprintf("%s-c%d", sys.s.id, sys.s.seq))
	sys.s.commits[id] = commit{id: id, parentIDs: []yggdrasil.SnapshotID{sys.snap}, message: message, content: content}
	sys.s.branches[sys.branch] = id
	next := &System{s: sys.s, caps: sys.caps, branch: sys.branch, snap: id}
	return next, id, nil
}

func (sys *System) History() ([]system.CommitInfo, error) {
	sys.s.mu.Lock()
	defer sys.s.mu.Unlock()
	out := []system.CommitInfo{}
	seen := map[yggdrasil.SnapshotID]bool{}
	var walk func(id yggdrasil.SnapshotID)
	walk = func(id yggdrasil.SnapshotID) {
		if seen[id] {
			return
		}
		seen[id] = true
		c, ok := sys.s.commits[id]
		if !ok {
			return
		}
		out = append(out, system.CommitInfo{SnapshotID: c.id, ParentIDs: c.parentIDs, Message: c.message, HLC: c.hlc})
		for _, p := range c.parentIDs {
			walk(p)
		}
	}
	walk(sys.snap)
	return out, nil
}

func (sys *System) Ancestors(snap yggdrasil.SnapshotID) ([]yggdrasil.SnapshotID, error) {
	sys.s.mu.Lock()
	defer sys.s.mu.Unlock()
	out := []yggdrasil.SnapshotID{}
	seen := map[yggdrasil.SnapshotID]bool{snap: true}
	queue := append([]yggdrasil.SnapshotID{}, sys.s.commits[snap].parentIDs...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		queue = append(queue, sys.s.commits[id].parentIDs...)
	}
	return out, nil
}

func (sys *System) IsAncestor(ancestor, descendant yggdrasil.SnapshotID) (bool, error) {
	ancestors, err := sys.Ancestors(descendant)
	if err != nil {
		return false, err
	}
	for _, a := range ancestors {
		if a == ancestor {
			return true, nil
		}
	}
	return false, nil
}

func (sys *System) CommonAncestor(a, b yggdrasil.SnapshotID) (yggdrasil.SnapshotID, bool, error) {
	aAnc, err := sys.Ancestors(a)
	if err != nil {
		return "", false, err
	}
	set := map[yggdrasil.SnapshotID]bool{a: true}
	for _, id := range aAnc {
		set[id] = true
	}
	if set[b] {
		return b, true, nil
	}
	bAnc, err := sys.Ancestors(b)
	if err != nil {
		return "", false, err
	}
	for _, id := range bAnc {
		if set[id] {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (sys *System) CommitGraph() (system.CommitGraph, error) {
	sys.s.mu.Lock()
	nodes := make([]system.CommitInfo, 0, len(sys.s.commits))
	for _, c := range sys.s.commits {
		nodes = append(nodes, system.CommitInfo{SnapshotID: c.id, ParentIDs: c.parentIDs, Message: c.message, HLC: c.hlc})
	}
	branches := make(map[yggdrasil.BranchName]yggdrasil.SnapshotID, len(sys.s.branches))
	for b, tip := range sys.s.branches {
		branches[b] = tip
	}
	sys.s.mu.Unlock()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].SnapshotID < nodes[j].SnapshotID })
	var roots []yggdrasil.SnapshotID
	for _, n := range nodes {
		if len(n.ParentIDs) == 0 {
			roots = append(roots, n.SnapshotID)
		}
	}
	return system.CommitGraph{Nodes: nodes, Branches: branches, Roots: roots}, nil
}

func (sys *System) CommitInfo(snap yggdrasil.SnapshotID) (system.CommitInfo, error) {
	sys.s.mu.Lock()
	defer sys.s.mu.Unlock()
	c, ok := sys.s.commits[snap]
	if !ok {
		return system.CommitInfo{}, yggdrasil.Wrap(yggdrasil.NotFound, fmt.Errorf("snapshot %s not found", snap), sys.s.id)
	}
	return system.CommitInfo{SnapshotID: c.id, ParentIDs: c.parentIDs, Message: c.message, HLC: c.hlc}, nil
}

// Merge records a new merge commit on the receiver's branch with both tips
// as parents; it never fast-forwards. The merged content is the union of the
// two commits' content maps, with sourceBranch's value winning on any key
// whose values disagree. Merge reports no conflicts; Conflicts does that.
func (sys *System) Merge(sourceBranch yggdrasil.BranchName, opts system.MergeOptions) (system.System, error) {
	sys.s.mu.Lock()
	defer sys.s.mu.Unlock()
	srcTip, ok := sys.s.branches[sourceBranch]
	if !ok {
		return nil, yggdrasil.Wrap(yggdrasil.NotFound, fmt.Errorf("branch %s not found", sourceBranch), sys.s.id)
	}
	merged := map[string]string{}
	for k, v := range sys.s.commits[sys.snap].content {
		merged[k] = v
	}
	for k, v := range sys.s.commits[srcTip].content {
		merged[k] = v
	}
	sys.s.seq++
	id := yggdrasil.SnapshotID(fmt.Sprintf("%s-m%d", sys.s.id, sys.s.seq))
	msg := opts.Message
	if msg == "" {
		msg = fmt.Sprintf("merge %s", sourceBranch)
	}
	sys.s.commits[id] = commit{id: id, parentIDs: []yggdrasil.SnapshotID{sys.snap, srcTip}, message: msg, content: merged}
	sys.s.branches[sys.branch] = id
	return &System{s: sys.s, caps: sys.caps, branch: sys.branch, snap: id}, nil
}

func (sys *System) Conflicts(a, b yggdrasil.SnapshotID) ([]string, error) {
	sys.s.mu.Lock()
	defer sys.s.mu.Unlock()
	ac, bc := sys.s.commits[a].content, sys.s.commits[b].content
	var out []string
	for k, av := range ac {
		if bv, ok := bc[k]; ok && bv != av {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (sys *System) Diff(a, b yggdrasil.SnapshotID) (map[string]string, error) {
	sys.s.mu.Lock()
	defer sys.s.mu.Unlock()
	ac, bc := sys.s.commits[a].content, sys.s.commits[b].content
	out := map[string]string{}
	for k, bv := range bc {
		if av, ok := ac[k]; !ok || av != bv {
			out[k] = bv
		}
	}
	return out, nil
}

func (sys *System) Watch(cb system.WatchCallback) (system.WatchID, error) {
	sys.s.mu.Lock()
	defer sys.s.mu.Unlock()
	id := system.WatchID(yggdrasil.NewUUID())
	sys.s.watchers[id] = cb
	return id, nil
}

func (sys *System) Unwatch(id system.WatchID) error {
	sys.s.mu.Lock()
	defer sys.s.mu.Unlock()
	if _, ok := sys.s.watchers[id]; !ok {
		return yggdrasil.Wrap(yggdrasil.NotFound, fmt.Errorf("watch id %v not found", id), sys.s.id)
	}
	delete(sys.s.watchers, id)
	return nil
}

// notifyLocked fires every subscriber for an event. Called with s.mu held.
func (sys *System) notifyLocked(ev system.WatchEvent) {
	for id, cb := range sys.s.watchers {
		cb := cb
		id := id
		go func() { _ = cb(ev); _ = id }()
	}
}

func (sys *System) GCRoots() (map[yggdrasil.SnapshotID]struct{}, error) {
	sys.s.mu.Lock()
	defer sys.s.mu.Unlock()
	out := map[yggdrasil.SnapshotID]struct{}{}
	for _, tip := range sys.s.branches {
		out[tip] = struct{}{}
	}
	return out, nil
}

func (sys *System) GCSweep(reclaimed map[yggdrasil.SnapshotID]struct{}) (system.System, error) {
	sys.s.mu.Lock()
	defer sys.s.mu.Unlock()
	live := map[yggdrasil.SnapshotID]struct{}{}
	for _, tip := range sys.s.branches {
		live[tip] = struct{}{}
		for _, a := range ancestorsLocked(sys.s, tip) {
			live[a] = struct{}{}
		}
	}
	for id := range reclaimed {
		if _, keep := live[id]; !keep {
			delete(sys.s.commits, id)
		}
	}
	return &System{s: sys.s, caps: sys.caps, branch: sys.branch, snap: sys.snap}, nil
}

func ancestorsLocked(s *shared, snap yggdrasil.SnapshotID) []yggdrasil.SnapshotID {
	var out []yggdrasil.SnapshotID
	seen := map[yggdrasil.SnapshotID]bool{snap: true}
	queue := append([]yggdrasil.SnapshotID{}, s.commits[snap].parentIDs...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		queue = append(queue, s.commits[id].parentIDs...)
	}
	return out
}

// SizeEstimate implements the optional system.Sizeable capability: a fixed
// per-snapshot cost, enough for gc dry-run tests to assert a nonzero total.
func (sys *System) SizeEstimate(candidates map[yggdrasil.SnapshotID]struct{}) (uint64, error) {
	return uint64(len(candidates)) * 1024, nil
}

var (
	_ system.Snapshotable       = (*System)(nil)
	_ system.Branchable         = (*System)(nil)
	_ system.Committable        = (*System)(nil)
	_ system.Graphable          = (*System)(nil)
	_ system.Mergeable          = (*System)(nil)
	_ system.Watchable          = (*System)(nil)
	_ system.GarbageCollectable = (*System)(nil)
	_ system.Sizeable           = (*System)(nil)
)
