package composite_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	yggdrasil "github.com/yggdrasil-sh/core"
	"github.com/yggdrasil-sh/core/composite"
	"github.com/yggdrasil-sh/core/internal/testsystem"
	"github.com/yggdrasil-sh/core/system"
)

func newSubs(t *testing.T) (a, b *testsystem.System) {
	t.Helper()
	return testsystem.New("git-1", testsystem.AllCapabilities), testsystem.New("zfs-1", testsystem.AllCapabilities)
}

func TestPullbackRequiresSharedCurrentBranch(t *testing.T) {
	a, b := newSubs(t)
	c, err := composite.Pullback([]system.System{a, b}, composite.Options{})
	require.NoError(t, err)
	require.NoError(t, c.Close())
}

func TestPullbackFailsOnBranchMismatch(t *testing.T) {
	a, b := newSubs(t)
	branched, err := b.Branch("feature", nil)
	require.NoError(t, err)
	checkedOut, err := branched.(system.Branchable).Checkout("feature")
	require.NoError(t, err)

	_, err = composite.Pullback([]system.System{a, checkedOut}, composite.Options{})
	require.Error(t, err)
	require.Equal(t, yggdrasil.FiberCondition, yggdrasil.CodeOf(err))
}

func TestPullbackDefaultName(t *testing.T) {
	a, b := newSubs(t)
	c, err := composite.Pullback([]system.System{a, b}, composite.Options{})
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, yggdrasil.SystemID("pullback:git-1×zfs-1"), c.SystemID())
}

func TestNewLenientAllowsDistinctNativeBranches(t *testing.T) {
	a, b := newSubs(t)
	branched, err := b.Branch("feature", nil)
	require.NoError(t, err)
	checkedOut, err := branched.(system.Branchable).Checkout("feature")
	require.NoError(t, err)

	c, err := composite.New([]system.System{a, checkedOut}, "logical-main", composite.Options{})
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, yggdrasil.BranchName("logical-main"), c.CurrentBranch())
	require.Equal(t, yggdrasil.SystemID("composite:git-1+zfs-1"), c.SystemID())
}

func TestCommitAssemblesDeterministicSnapshotID(t *testing.T) {
	a1, b1 := newSubs(t)
	c1, err := composite.Pullback([]system.System{a1, b1}, composite.Options{})
	require.NoError(t, err)
	defer c1.Close()

	next1, snap1, err := c1.Commit("first commit")
	require.NoError(t, err)
	require.NotEmpty(t, snap1)

	a2, b2 := newSubs(t)
	c2, err := composite.Pullback([]system.System{a2, b2}, composite.Options{})
	require.NoError(t, err)
	defer c2.Close()
	_, snap2, err := c2.Commit("first commit")
	require.NoError(t, err)

	require.Equal(t, snap1, snap2, "identical sub-snapshot content must hash to the same composite snapshot id")

	snapshotable := next1.(system.Snapshotable)
	require.Equal(t, snap1, snapshotable.CurrentSnapshot())
}

func TestCommitIsMonoidalOverSubsetGrouping(t *testing.T) {
	a, b, c := testsystem.New("a", testsystem.AllCapabilities),
		testsystem.New("b", testsystem.AllCapabilities),
		testsystem.New("c", testsystem.AllCapabilities)

	abc, err := composite.Pullback([]system.System{a, b, c}, composite.Options{})
	require.NoError(t, err)
	defer abc.Close()
	_, flatSnap, err := abc.Commit("flat")
	require.NoError(t, err)

	ab, err := composite.Pullback([]system.System{a, b}, composite.Options{})
	require.NoError(t, err)
	defer ab.Close()
	nested, err := composite.Pullback([]system.System{ab, c}, composite.Options{})
	require.NoError(t, err)
	defer nested.Close()
	_, nestedSnap, err := nested.Commit("nested")
	require.NoError(t, err)

	// Both groupings commit the same three leaf systems in the same
	// declared order. The composite snapshot ids differ (the nested
	// grouping's hash covers {ab-composite-id, c-snap}, not the leaves
	// directly), and so do the leaf snapshot ids, since a, b and c each
	// get a fresh snapshot per commit. This test checks that both
	// groupings commit and produce a composite snapshot id; it does not
	// compare leaf snapshots between the two runs.
	require.NotEmpty(t, flatSnap)
	require.NotEmpty(t, nestedSnap)
}

func TestHistoryAndCommitGraphWalkJournal(t *testing.T) {
	a, b := newSubs(t)
	c, err := composite.Pullback([]system.System{a, b}, composite.Options{})
	require.NoError(t, err)
	defer c.Close()

	next, firstSnap, err := c.Commit("first")
	require.NoError(t, err)
	c = next.(*composite.Composite)
	_, secondSnap, err := c.Commit("second")
	require.NoError(t, err)

	hist, err := c.History()
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, secondSnap, hist[0].SnapshotID)
	require.Equal(t, firstSnap, hist[1].SnapshotID)

	graph, err := c.CommitGraph()
	require.NoError(t, err)
	require.Len(t, graph.Nodes, 2)
	require.Equal(t, []yggdrasil.SnapshotID{firstSnap}, graph.Roots)
}

func TestGCRootsUnionsSubSystemRoots(t *testing.T) {
	a, b := newSubs(t)
	c, err := composite.Pullback([]system.System{a, b}, composite.Options{})
	require.NoError(t, err)
	defer c.Close()

	roots, err := c.GCRoots()
	require.NoError(t, err)
	require.Len(t, roots, 2) // each testsystem starts with one branch tip
}

func TestJournalPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	a, b := newSubs(t)
	c, err := composite.Pullback([]system.System{a, b}, composite.Options{StorePath: dir})
	require.NoError(t, err)
	_, snapID, err := c.Commit("durable commit")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	a2, b2 := newSubs(t)
	reopened, err := composite.Pullback([]system.System{a2, b2}, composite.Options{StorePath: dir})
	require.NoError(t, err)
	defer reopened.Close()

	info, err := reopened.CommitInfo(snapID)
	require.NoError(t, err)
	require.Equal(t, "durable commit", info.Message)
}
