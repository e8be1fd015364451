package gc_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	yggdrasil "github.com/yggdrasil-sh/core"
	"github.com/yggdrasil-sh/core/gc"
	"github.com/yggdrasil-sh/core/gc/policy"
	"github.com/yggdrasil-sh/core/internal/testsystem"
	"github.com/yggdrasil-sh/core/pagestore"
	"github.com/yggdrasil-sh/core/registry"
	"github.com/yggdrasil-sh/core/system"
	"github.com/yggdrasil-sh/core/workspace"
)

func newWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	r, err := registry.Open(t.TempDir(), registry.Options{PageStore: pagestore.Options{PageSize: 4096}})
	require.NoError(t, err)
	w, err := workspace.New(workspace.Options{Registry: r})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func commit(t *testing.T, w *workspace.Workspace, systemID yggdrasil.SystemID, message string) yggdrasil.SnapshotID {
	t.Helper()
	hlc := w.BeginTransaction()
	snapID, err := w.CommitWithHLC(systemID, hlc, func(sys system.System) (system.System, yggdrasil.SnapshotID, error) {
		return sys.(system.Committable).Commit(message)
	})
	require.NoError(t, err)
	return snapID
}

// buildOrphan sets up git-1 with a committed snapshot (c1), a now-deleted
// "temp" branch that was forked from c1 and advanced to an orphaned
// snapshot (c2), and a main branch advanced past c1 to c3 — leaving c2
// unreachable from any live branch tip while c1 remains reachable as c3's
// ancestor. Returns (c1, c2, c3, the git-1 system value checked out on the
// temp branch at c2).
func buildOrphan(t *testing.T, w *workspace.Workspace) (yggdrasil.SnapshotID, yggdrasil.SnapshotID, yggdrasil.SnapshotID, system.System) {
	t.Helper()
	sys := testsystem.New("git-1", testsystem.AllCapabilities)
	require.NoError(t, w.Manage(sys))

	c1 := commit(t, w, "git-1", "c1")

	installed, _ := w.Managed("git-1")
	branched, err := installed.(system.Branchable).Branch("temp", nil)
	require.NoError(t, err)
	checkedOut, err := branched.(system.Branchable).Checkout("temp")
	require.NoError(t, err)
	require.NoError(t, w.Manage(checkedOut))

	c2 := commit(t, w, "git-1", "c2")
	valueAtC2, _ := w.Managed("git-1")

	installed2, _ := w.Managed("git-1")
	backOnMain, err := installed2.(system.Branchable).Checkout("main")
	require.NoError(t, err)
	require.NoError(t, w.Manage(backOnMain))
	afterDelete, err := backOnMain.(system.Branchable).DeleteBranch("temp")
	require.NoError(t, err)
	require.NoError(t, w.Manage(afterDelete))

	c3 := commit(t, w, "git-1", "c3")

	require.NotEqual(t, c1, c2)
	require.NotEqual(t, c2, c3)
	return c1, c2, c3, valueAtC2
}

func TestRunFindsOrphanedSnapshotAsCandidate(t *testing.T) {
	w := newWorkspace(t)
	_, c2, _, _ := buildOrphan(t, w)

	collector := gc.New(w, gc.Config{GracePeriod: 0})
	result, err := collector.Run()
	require.NoError(t, err)

	var found bool
	for _, e := range result.Candidates {
		if e.SnapshotID == c2 {
			found = true
		}
	}
	require.True(t, found, "orphaned snapshot c2 must be a candidate")

	var swept bool
	for _, e := range result.Swept {
		if e.SnapshotID == c2 {
			swept = true
		}
	}
	require.True(t, swept, "orphaned snapshot c2 must be swept")
}

func TestRunExcludesAncestorsOfLiveTip(t *testing.T) {
	w := newWorkspace(t)
	c1, _, c3, _ := buildOrphan(t, w)

	collector := gc.New(w, gc.Config{GracePeriod: 0})
	result, err := collector.Run()
	require.NoError(t, err)

	for _, e := range result.Candidates {
		require.NotEqual(t, c1, e.SnapshotID, "c1 is an ancestor of the live tip and must not be a candidate")
		require.NotEqual(t, c3, e.SnapshotID, "c3 is the live tip and must not be a candidate")
	}
}

func TestHeldRefExemptsSnapshotFromCandidacy(t *testing.T) {
	w := newWorkspace(t)
	_, c2, _, valueAtC2 := buildOrphan(t, w)

	require.NoError(t, w.HoldRef("pin-c2", valueAtC2))

	collector := gc.New(w, gc.Config{GracePeriod: 0})
	result, err := collector.Run()
	require.NoError(t, err)

	for _, e := range result.Candidates {
		require.NotEqual(t, c2, e.SnapshotID, "held ref must exempt its snapshot from candidacy")
	}
}

func TestDryRunSkipsSweepAndReportsBytesEstimate(t *testing.T) {
	w := newWorkspace(t)
	_, c2, _, _ := buildOrphan(t, w)

	collector := gc.New(w, gc.Config{GracePeriod: 0, DryRun: true})
	result, err := collector.Run()
	require.NoError(t, err)

	require.Empty(t, result.Swept)
	require.Positive(t, result.BytesEstimate)

	refs, err := w.Registry().SnapshotRefs(c2)
	require.NoError(t, err)
	require.NotEmpty(t, refs, "dry run must not deregister")
}

func TestGracePeriodExemptsRecentCandidates(t *testing.T) {
	w := newWorkspace(t)
	buildOrphan(t, w)

	collector := gc.New(w, gc.Config{GracePeriod: 24 * time.Hour})
	result, err := collector.Run()
	require.NoError(t, err)
	require.Empty(t, result.Candidates)
}

func TestPolicyFilterLayersOnTopOfMandatoryRule(t *testing.T) {
	w := newWorkspace(t)
	_, c2, _, _ := buildOrphan(t, w)

	p, err := policy.Compile(`message != "c2"`)
	require.NoError(t, err)

	collector := gc.New(w, gc.Config{GracePeriod: 0, Policy: p})
	result, err := collector.Run()
	require.NoError(t, err)

	for _, e := range result.Candidates {
		require.NotEqual(t, c2, e.SnapshotID, "policy excluding message \"c2\" must veto the otherwise-eligible candidate")
	}
}
