// Package composite implements the fiber-product ("pullback") Composite
// System (spec §4.G): an ordered list of sub-systems whose snapshot
// identity, branching, commits, history, and merges are projected
// component-wise and re-aggregated so the whole behaves like one versioned
// system.
//
// Grounded on the teacher's own multi-backend aggregation (a store that
// fans a logical operation out across several underlying stores and
// assembles one result), here generalized from "several storage backends"
// to "several heterogeneous version-control systems."
package composite

import (
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	yggdrasil "github.com/yggdrasil-sh/core"
	"github.com/yggdrasil-sh/core/btree"
	"github.com/yggdrasil-sh/core/pagestore"
	"github.com/yggdrasil-sh/core/system"
)

// Mode distinguishes the two constructors' fiber conditions.
type Mode int

const (
	// ModePullback is the strict constructor: every sub-system must report
	// the same current_branch.
	ModePullback Mode = iota
	// ModeComposite is the lenient constructor: sub-systems may use
	// distinct native branch names under one shared logical branch.
	ModeComposite
)

// Options configures a Composite.
type Options struct {
	// Name overrides the default "pullback:"/"composite:"-prefixed name.
	Name string
	// StorePath persists the composite's own journal across process
	// restarts. If empty, the journal lives in a temporary directory
	// removed on Close.
	StorePath string
	// PageStore configures the journal's underlying page store.
	PageStore pagestore.Options
	// Clock stamps journal entries; defaults to a fresh yggdrasil.Clock.
	Clock *yggdrasil.Clock
}

// Composite is a fiber-product system over an ordered list of sub-systems.
// It is itself a system.System (and, structurally, every capability
// interface except Watchable and the optional Sizeable): Capabilities() reports the logical AND of its sub-systems'
// declared capabilities, so a caller gating through system.Has sees exactly
// the operations every sub-system actually supports.
type Composite struct {
	mu         sync.Mutex
	subs       []system.System
	mode       Mode
	name       string
	branch     yggdrasil.BranchName
	caps       yggdrasil.Capabilities
	current    yggdrasil.SnapshotID
	journal    *btree.Standalone
	journalDir string
	ephemeral  bool
	clock      *yggdrasil.Clock
}

// Pullback constructs the strict fiber product: every sub-system must
// report the same current_branch, or construction fails with
// FiberCondition. Subs must be nonempty and ordered; commit order follows
// this order.
func Pullback(subs []system.System, opts Options) (*Composite, error) {
	if len(subs) == 0 {
		return nil, yggdrasil.Wrap(yggdrasil.Unknown, fmt.Errorf("composite: pullback requires at least one sub-system"), nil)
	}
	branch, err := sharedBranch(subs)
	if err != nil {
		return nil, err
	}
	name := opts.Name
	if name == "" {
		name = "pullback:" + joinSystemIDs(subs, "×")
	}
	return newComposite(subs, ModePullback, name, branch, opts)
}

// New constructs the lenient fiber product, pinning branch as the shared
// logical branch regardless of each sub-system's own native branch name.
func New(subs []system.System, branch yggdrasil.BranchName, opts Options) (*Composite, error) {
	if len(subs) == 0 {
		return nil, yggdrasil.Wrap(yggdrasil.Unknown, fmt.Errorf("composite: composite requires at least one sub-system"), nil)
	}
	name := opts.Name
	if name == "" {
		name = "composite:" + joinSystemIDs(subs, "+")
	}
	return newComposite(subs, ModeComposite, name, branch, opts)
}

func newComposite(subs []system.System, mode Mode, name string, branch yggdrasil.BranchName, opts Options) (*Composite, error) {
	dir := opts.StorePath
	ephemeral := dir == ""
	if ephemeral {
		tmp, err := os.MkdirTemp("", "yggdrasil-composite-*")
		if err != nil {
			return nil, yggdrasil.Wrap(yggdrasil.IOError, err, nil)
		}
		dir = tmp
	}
	journal, err := btree.OpenStandalone(dir, opts.PageStore)
	if err != nil {
		if ephemeral {
			_ = os.RemoveAll(dir)
		}
		return nil, err
	}

	clock := opts.Clock
	if clock == nil {
		clock = yggdrasil.NewClock()
	}

	c := &Composite{
		subs:       append([]system.System(nil), subs...),
		mode:       mode,
		name:       name,
		branch:     branch,
		caps:       meetCapabilities(subs),
		journal:    journal,
		journalDir: dir,
		ephemeral:  ephemeral,
		clock:      clock,
	}

	current, err := c.latestJournalHead()
	if err != nil {
		_ = journal.Close()
		if ephemeral {
			_ = os.RemoveAll(dir)
		}
		return nil, err
	}
	c.current = current
	return c, nil
}

func sharedBranch(subs []system.System) (yggdrasil.BranchName, error) {
	var branch yggdrasil.BranchName
	for i, sub := range subs {
		branchable, err := system.Has[system.Branchable](sub, yggdrasil.CapBranchable)
		if err != nil {
			return "", err
		}
		b := branchable.CurrentBranch()
		if i == 0 {
			branch = b
			continue
		}
		if b != branch {
			return "", yggdrasil.Wrap(yggdrasil.FiberCondition,
				fmt.Errorf("sub-system %s is on branch %q, expected %q", sub.SystemID(), b, branch), nil)
		}
	}
	return branch, nil
}

func joinSystemIDs(subs []system.System, sep string) string {
	ids := make([]string, len(subs))
	for i, sub := range subs {
		ids[i] = string(sub.SystemID())
	}
	return strings.Join(ids, sep)
}

func meetCapabilities(subs []system.System) yggdrasil.Capabilities {
	if len(subs) == 0 {
		return 0
	}
	caps := subs[0].Capabilities()
	for _, sub := range subs[1:] {
		caps &= sub.Capabilities()
	}
	return caps
}

// latestJournalHead scans the journal for the entry with no descendant
// (nothing else lists it as ParentID); an empty journal has no head.
func (c *Composite) latestJournalHead() (yggdrasil.SnapshotID, error) {
	entries, err := c.allJournalEntries()
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	referenced := map[yggdrasil.SnapshotID]bool{}
	for _, e := range entries {
		if e.ParentID != "" {
			referenced[e.ParentID] = true
		}
	}
	for _, e := range entries {
		if !referenced[e.SnapID] {
			return e.SnapID, nil
		}
	}
	// Every entry is referenced (a cycle, which should never occur); fall
	// back to the most recently stamped entry.
	sort.Slice(entries, func(i, j int) bool { return entries[i].HLC.Less(entries[j].HLC) })
	return entries[len(entries)-1].SnapID, nil
}

func (c *Composite) allJournalEntries() ([]journalEntry, error) {
	cur, err := c.journal.Tree.First()
	if err != nil {
		return nil, err
	}
	var out []journalEntry
	for cur.Valid() {
		e, err := decodeJournalEntry(cur.Value())
		if err != nil {
			return nil, yggdrasil.Wrap(yggdrasil.IntegrityError, err, nil)
		}
		out = append(out, e)
		if _, err := cur.Next(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// --- Identity ---

func (c *Composite) SystemID() yggdrasil.SystemID        { return yggdrasil.SystemID(c.name) }
func (c *Composite) SystemType() string                  { return "composite" }
func (c *Composite) Capabilities() yggdrasil.Capabilities { return c.caps }

// Mode reports whether this value was constructed via Pullback (strict) or
// New (lenient).
func (c *Composite) Mode() Mode {
	return c.mode
}

// CurrentSnapshot returns the composite's head journal entry, or "" if no
// commit has been made yet.
func (c *Composite) CurrentSnapshot() yggdrasil.SnapshotID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Composite) ParentIDs() []yggdrasil.SnapshotID {
	info, err := c.CommitInfo(c.CurrentSnapshot())
	if err != nil || len(info.ParentIDs) == 0 {
		return nil
	}
	return info.ParentIDs
}

func (c *Composite) AsOf(snap yggdrasil.SnapshotID) (system.System, error) {
	entry, err := c.lookupJournal(snap)
	if err != nil {
		return nil, err
	}
	subs := make([]system.System, len(c.subs))
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, sub := range c.subs {
		subSnapID, ok := entry.SubSnapshots[sub.SystemID()]
		if !ok {
			subs[i] = sub
			continue
		}
		snapshotable, err := system.Has[system.Snapshotable](sub, yggdrasil.CapSnapshotable)
		if err != nil {
			return nil, err
		}
		resolved, err := snapshotable.AsOf(subSnapID)
		if err != nil {
			return nil, err
		}
		subs[i] = resolved
	}
	return &Composite{
		subs: subs, mode: c.mode, name: c.name, branch: c.branch, caps: c.caps,
		current: snap, journal: c.journal, journalDir: c.journalDir, clock: c.clock,
	}, nil
}

func (c *Composite) SnapshotMeta(snap yggdrasil.SnapshotID) (system.SnapshotMeta, error) {
	entry, err := c.lookupJournal(snap)
	if err != nil {
		return system.SnapshotMeta{}, err
	}
	return system.SnapshotMeta{Message: entry.Message, HLC: entry.HLC}, nil
}

func (c *Composite) lookupJournal(snap yggdrasil.SnapshotID) (journalEntry, error) {
	value, found, err := c.journal.Tree.Get([]byte(snap))
	if err != nil {
		return journalEntry{}, err
	}
	if !found {
		return journalEntry{}, yggdrasil.Wrap(yggdrasil.NotFound, fmt.Errorf("composite snapshot %s not found", snap), nil)
	}
	return decodeJournalEntry(value)
}

// --- Branchable ---

func (c *Composite) Branches() ([]yggdrasil.BranchName, error) {
	c.mu.Lock()
	subs := append([]system.System(nil), c.subs...)
	c.mu.Unlock()

	var sets []map[yggdrasil.BranchName]struct{}
	for _, sub := range subs {
		branchable, err := system.Has[system.Branchable](sub, yggdrasil.CapBranchable)
		if err != nil {
			return nil, err
		}
		names, err := branchable.Branches()
		if err != nil {
			return nil, err
		}
		set := make(map[yggdrasil.BranchName]struct{}, len(names))
		for _, n := range names {
			set[n] = struct{}{}
		}
		sets = append(sets, set)
	}
	if len(sets) == 0 {
		return nil, nil
	}
	var out []yggdrasil.BranchName
	for name := range sets[0] {
		inAll := true
		for _, set := range sets[1:] {
			if _, ok := set[name]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			out = append(out, name)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (c *Composite) CurrentBranch() yggdrasil.BranchName {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.branch
}

func (c *Composite) Branch(name yggdrasil.BranchName, from *yggdrasil.BranchName) (system.System, error) {
	c.mu.Lock()
	subs := append([]system.System(nil), c.subs...)
	c.mu.Unlock()

	next := make([]system.System, len(subs))
	for i, sub := range subs {
		branchable, err := system.Has[system.Branchable](sub, yggdrasil.CapBranchable)
		if err != nil {
			return nil, err
		}
		created, err := branchable.Branch(name, from)
		if err != nil {
			return nil, err
		}
		next[i] = created
	}
	return c.derive(next, name, c.current), nil
}

func (c *Composite) Checkout(name yggdrasil.BranchName) (system.System, error) {
	c.mu.Lock()
	subs := append([]system.System(nil), c.subs...)
	c.mu.Unlock()

	next := make([]system.System, len(subs))
	for i, sub := range subs {
		branchable, err := system.Has[system.Branchable](sub, yggdrasil.CapBranchable)
		if err != nil {
			return nil, err
		}
		checked, err := branchable.Checkout(name)
		if err != nil {
			return nil, err
		}
		next[i] = checked
	}
	return c.derive(next, name, c.current), nil
}

func (c *Composite) DeleteBranch(name yggdrasil.BranchName) (system.System, error) {
	c.mu.Lock()
	subs := append([]system.System(nil), c.subs...)
	c.mu.Unlock()

	next := make([]system.System, len(subs))
	for i, sub := range subs {
		branchable, err := system.Has[system.Branchable](sub, yggdrasil.CapBranchable)
		if err != nil {
			return nil, err
		}
		updated, err := branchable.DeleteBranch(name)
		if err != nil {
			return nil, err
		}
		next[i] = updated
	}
	return c.derive(next, c.branch, c.current), nil
}

func (c *Composite) derive(subs []system.System, branch yggdrasil.BranchName, current yggdrasil.SnapshotID) *Composite {
	return &Composite{
		subs: subs, mode: c.mode, name: c.name, branch: branch, caps: meetCapabilities(subs),
		current: current, journal: c.journal, journalDir: c.journalDir, clock: c.clock,
	}
}

// --- Committable ---

// Commit commits every sub-system in declared order, assembles the
// resulting composite snapshot id as a deterministic hash of the sorted
// (sys_id, sub_snap_id) pairs, and records it in the journal keyed by that
// id — recording is idempotent: committing identical sub-snapshot content
// twice produces the same key and simply overwrites the journal entry with
// itself.
func (c *Composite) Commit(message string) (system.System, yggdrasil.SnapshotID, error) {
	c.mu.Lock()
	subs := append([]system.System(nil), c.subs...)
	parent := c.current
	c.mu.Unlock()

	next := make([]system.System, len(subs))
	subSnapshots := make(map[yggdrasil.SystemID]yggdrasil.SnapshotID, len(subs))
	for i, sub := range subs {
		committable, err := system.Has[system.Committable](sub, yggdrasil.CapCommittable)
		if err != nil {
			return nil, "", err
		}
		updated, snapID, err := committable.Commit(message)
		if err != nil {
			return nil, "", err
		}
		next[i] = updated
		subSnapshots[sub.SystemID()] = snapID
	}

	snapID := computeSnapshotID(subSnapshots)
	entry := journalEntry{
		SnapID:       snapID,
		ParentID:     parent,
		HLC:          c.clock.Tick(),
		Message:      message,
		SubSnapshots: subSnapshots,
	}
	encoded, err := encodeJournalEntry(entry)
	if err != nil {
		return nil, "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.journal.Put([]byte(snapID), encoded); err != nil {
		return nil, "", err
	}
	if err := c.journal.Flush(); err != nil {
		return nil, "", err
	}
	result := c.derive(next, c.branch, snapID)
	return result, snapID, nil
}

func computeSnapshotID(subSnapshots map[yggdrasil.SystemID]yggdrasil.SnapshotID) yggdrasil.SnapshotID {
	type pair struct {
		sysID, snapID string
	}
	pairs := make([]pair, 0, len(subSnapshots))
	for sysID, snapID := range subSnapshots {
		pairs = append(pairs, pair{string(sysID), string(snapID)})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].sysID < pairs[j].sysID })

	h := xxhash.New()
	for _, p := range pairs {
		_, _ = h.Write([]byte(p.sysID))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(p.snapID))
		_, _ = h.Write([]byte{0})
	}
	return yggdrasil.SnapshotID(hex.EncodeToString(h.Sum(nil)))
}

// --- Graphable ---

func (c *Composite) History() ([]system.CommitInfo, error) {
	var out []system.CommitInfo
	id := c.CurrentSnapshot()
	for id != "" {
		entry, err := c.lookupJournal(id)
		if err != nil {
			return nil, err
		}
		out = append(out, journalToCommitInfo(entry))
		id = entry.ParentID
	}
	return out, nil
}

func (c *Composite) Ancestors(snap yggdrasil.SnapshotID) ([]yggdrasil.SnapshotID, error) {
	entry, err := c.lookupJournal(snap)
	if err != nil {
		return nil, err
	}
	var out []yggdrasil.SnapshotID
	id := entry.ParentID
	for id != "" {
		out = append(out, id)
		next, err := c.lookupJournal(id)
		if err != nil {
			return nil, err
		}
		id = next.ParentID
	}
	return out, nil
}

func (c *Composite) IsAncestor(ancestor, descendant yggdrasil.SnapshotID) (bool, error) {
	ancestors, err := c.Ancestors(descendant)
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

func (c *Composite) CommonAncestor(a, b yggdrasil.SnapshotID) (yggdrasil.SnapshotID, bool, error) {
	aAnc, err := c.Ancestors(a)
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
	bAnc, err := c.Ancestors(b)
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

func (c *Composite) CommitGraph() (system.CommitGraph, error) {
	entries, err := c.allJournalEntries()
	if err != nil {
		return system.CommitGraph{}, err
	}
	nodes := make([]system.CommitInfo, 0, len(entries))
	referenced := map[yggdrasil.SnapshotID]bool{}
	for _, e := range entries {
		nodes = append(nodes, journalToCommitInfo(e))
		if e.ParentID != "" {
			referenced[e.ParentID] = true
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].SnapshotID < nodes[j].SnapshotID })
	var roots []yggdrasil.SnapshotID
	for _, e := range entries {
		if e.ParentID == "" {
			roots = append(roots, e.SnapID)
		}
	}
	return system.CommitGraph{
		Nodes:    nodes,
		Branches: map[yggdrasil.BranchName]yggdrasil.SnapshotID{c.CurrentBranch(): c.CurrentSnapshot()},
		Roots:    roots,
	}, nil
}

func (c *Composite) CommitInfo(snap yggdrasil.SnapshotID) (system.CommitInfo, error) {
	entry, err := c.lookupJournal(snap)
	if err != nil {
		return system.CommitInfo{}, err
	}
	return journalToCommitInfo(entry), nil
}

func journalToCommitInfo(e journalEntry) system.CommitInfo {
	var parents []yggdrasil.SnapshotID
	if e.ParentID != "" {
		parents = []yggdrasil.SnapshotID{e.ParentID}
	}
	return system.CommitInfo{SnapshotID: e.SnapID, ParentIDs: parents, Message: e.Message, HLC: e.HLC}
}

// --- Mergeable ---

func (c *Composite) Merge(sourceBranch yggdrasil.BranchName, opts system.MergeOptions) (system.System, error) {
	c.mu.Lock()
	subs := append([]system.System(nil), c.subs...)
	parent := c.current
	c.mu.Unlock()

	next := make([]system.System, len(subs))
	subSnapshots := make(map[yggdrasil.SystemID]yggdrasil.SnapshotID, len(subs))
	for i, sub := range subs {
		mergeable, err := system.Has[system.Mergeable](sub, yggdrasil.CapMergeable)
		if err != nil {
			return nil, err
		}
		merged, err := mergeable.Merge(sourceBranch, opts)
		if err != nil {
			return nil, err
		}
		next[i] = merged
		if snapshotable, ok := merged.(system.Snapshotable); ok {
			subSnapshots[sub.SystemID()] = snapshotable.CurrentSnapshot()
		}
	}

	snapID := computeSnapshotID(subSnapshots)
	message := opts.Message
	if message == "" {
		message = fmt.Sprintf("merge %s", sourceBranch)
	}
	entry := journalEntry{SnapID: snapID, ParentID: parent, HLC: c.clock.Tick(), Message: message, SubSnapshots: subSnapshots}
	encoded, err := encodeJournalEntry(entry)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.journal.Put([]byte(snapID), encoded); err != nil {
		return nil, err
	}
	if err := c.journal.Flush(); err != nil {
		return nil, err
	}
	return c.derive(next, c.branch, snapID), nil
}

func (c *Composite) Conflicts(a, b yggdrasil.SnapshotID) ([]string, error) {
	entryA, err := c.lookupJournal(a)
	if err != nil {
		return nil, err
	}
	entryB, err := c.lookupJournal(b)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	subs := append([]system.System(nil), c.subs...)
	c.mu.Unlock()

	var out []string
	for _, sub := range subs {
		mergeable, err := system.Has[system.Mergeable](sub, yggdrasil.CapMergeable)
		if err != nil {
			return nil, err
		}
		subA, okA := entryA.SubSnapshots[sub.SystemID()]
		subB, okB := entryB.SubSnapshots[sub.SystemID()]
		if !okA || !okB {
			continue
		}
		conflicts, err := mergeable.Conflicts(subA, subB)
		if err != nil {
			return nil, err
		}
		for _, path := range conflicts {
			out = append(out, fmt.Sprintf("%s:%s", sub.SystemID(), path))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (c *Composite) Diff(a, b yggdrasil.SnapshotID) (map[string]string, error) {
	entryA, err := c.lookupJournal(a)
	if err != nil {
		return nil, err
	}
	entryB, err := c.lookupJournal(b)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	subs := append([]system.System(nil), c.subs...)
	c.mu.Unlock()

	out := map[string]string{}
	for _, sub := range subs {
		mergeable, err := system.Has[system.Mergeable](sub, yggdrasil.CapMergeable)
		if err != nil {
			return nil, err
		}
		subA, okA := entryA.SubSnapshots[sub.SystemID()]
		subB, okB := entryB.SubSnapshots[sub.SystemID()]
		if !okA || !okB {
			continue
		}
		diff, err := mergeable.Diff(subA, subB)
		if err != nil {
			return nil, err
		}
		for k, v := range diff {
			out[fmt.Sprintf("%s:%s", sub.SystemID(), k)] = v
		}
	}
	return out, nil
}

// --- GarbageCollectable ---

func (c *Composite) GCRoots() (map[yggdrasil.SnapshotID]struct{}, error) {
	c.mu.Lock()
	subs := append([]system.System(nil), c.subs...)
	c.mu.Unlock()

	out := map[yggdrasil.SnapshotID]struct{}{}
	for _, sub := range subs {
		gcable, err := system.Has[system.GarbageCollectable](sub, yggdrasil.CapGarbageCollectable)
		if err != nil {
			if yggdrasil.CodeOf(err) == yggdrasil.CapabilityError {
				continue
			}
			return nil, err
		}
		roots, err := gcable.GCRoots()
		if err != nil {
			return nil, err
		}
		for id := range roots {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (c *Composite) GCSweep(reclaimed map[yggdrasil.SnapshotID]struct{}) (system.System, error) {
	c.mu.Lock()
	subs := append([]system.System(nil), c.subs...)
	c.mu.Unlock()

	next := make([]system.System, len(subs))
	for i, sub := range subs {
		gcable, err := system.Has[system.GarbageCollectable](sub, yggdrasil.CapGarbageCollectable)
		if err != nil {
			if yggdrasil.CodeOf(err) == yggdrasil.CapabilityError {
				next[i] = sub
				continue
			}
			return nil, err
		}
		swept, err := gcable.GCSweep(reclaimed)
		if err != nil {
			return nil, err
		}
		next[i] = swept
	}
	return c.derive(next, c.branch, c.current), nil
}

// Close releases the journal's page store. If the composite was opened
// without a StorePath, the temporary journal directory is removed.
func (c *Composite) Close() error {
	err := c.journal.Close()
	if c.ephemeral {
		_ = os.RemoveAll(c.journalDir)
	}
	return err
}

var (
	_ system.Snapshotable       = (*Composite)(nil)
	_ system.Branchable         = (*Composite)(nil)
	_ system.Committable        = (*Composite)(nil)
	_ system.Graphable          = (*Composite)(nil)
	_ system.Mergeable          = (*Composite)(nil)
	_ system.GarbageCollectable = (*Composite)(nil)
)
