package workspace_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	yggdrasil "github.com/yggdrasil-sh/core"
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

func TestManageRegistersCurrentSnapshot(t *testing.T) {
	w := newWorkspace(t)
	sys := testsystem.New("git-1", testsystem.AllCapabilities)

	require.NoError(t, w.Manage(sys))

	hist, err := w.Registry().SystemHistory("git-1", "main", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, sys.CurrentSnapshot(), hist[0].SnapshotID)
}

func TestManageIsIdempotentBySystemID(t *testing.T) {
	w := newWorkspace(t)
	sys := testsystem.New("git-1", testsystem.AllCapabilities)
	require.NoError(t, w.Manage(sys))
	require.NoError(t, w.Manage(sys))

	require.Len(t, w.ManagedSystems(), 1)
}

func TestUnmanagePreservesRegistryHistory(t *testing.T) {
	w := newWorkspace(t)
	sys := testsystem.New("git-1", testsystem.AllCapabilities)
	require.NoError(t, w.Manage(sys))
	require.NoError(t, w.Unmanage("git-1"))

	_, ok := w.Managed("git-1")
	require.False(t, ok)

	hist, err := w.Registry().SystemHistory("git-1", "main", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
}

func TestHoldRefAndReleaseRef(t *testing.T) {
	w := newWorkspace(t)
	sys := testsystem.New("git-1", testsystem.AllCapabilities)

	require.NoError(t, w.HoldRef("label-a", sys))
	require.Len(t, w.HeldRefs(), 1)

	require.NoError(t, w.ReleaseRef("label-a"))
	require.Empty(t, w.HeldRefs())

	err := w.ReleaseRef("label-a")
	require.Error(t, err)
	require.Equal(t, yggdrasil.NotFound, yggdrasil.CodeOf(err))
}

func TestCommitWithHLCInstallsNewValueAndRegisters(t *testing.T) {
	w := newWorkspace(t)
	sys := testsystem.New("git-1", testsystem.AllCapabilities)
	require.NoError(t, w.Manage(sys))

	hlc := w.BeginTransaction()
	snapID, err := w.CommitWithHLC("git-1", hlc, func(sys system.System) (system.System, yggdrasil.SnapshotID, error) {
		committable := sys.(system.Committable)
		return committable.Commit("add feature")
	})
	require.NoError(t, err)

	installed, ok := w.Managed("git-1")
	require.True(t, ok)
	snap := installed.(system.Snapshotable)
	require.Equal(t, snapID, snap.CurrentSnapshot())

	refs, err := w.Registry().SnapshotRefs(snapID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, hlc, refs[0].HLC)
}

func TestCommitWithHLCFailsForUnmanagedSystem(t *testing.T) {
	w := newWorkspace(t)
	hlc := w.BeginTransaction()
	_, err := w.CommitWithHLC("nope", hlc, func(sys system.System) (system.System, yggdrasil.SnapshotID, error) {
		return sys, "", nil
	})
	require.Error(t, err)
	require.Equal(t, yggdrasil.NotFound, yggdrasil.CodeOf(err))
}

func TestCoordinatedCommitPinsOneHLCAndReportsPartialFailure(t *testing.T) {
	w := newWorkspace(t)
	good := testsystem.New("good", testsystem.AllCapabilities)
	bad := testsystem.New("bad", testsystem.AllCapabilities)
	require.NoError(t, w.Manage(good))
	require.NoError(t, w.Manage(bad))

	results, hlc := w.CoordinatedCommit(map[yggdrasil.SystemID]workspace.CommitFunc{
		"good": func(sys system.System) (system.System, yggdrasil.SnapshotID, error) {
			return sys.(system.Committable).Commit("ok")
		},
		"bad": func(sys system.System) (system.System, yggdrasil.SnapshotID, error) {
			return nil, "", errors.New("simulated adapter failure")
		},
	})

	require.Len(t, results, 2)
	require.NoError(t, results["good"].Err)
	require.NotEmpty(t, results["good"].SnapshotID)
	require.Error(t, results["bad"].Err)

	world, err := w.AsOfWorld(hlc)
	require.NoError(t, err)
	require.Contains(t, world, registry.PairKey{System: "good", Branch: "main"})
}

// flakyWatchable is a minimal Watchable-only fake whose Watch delivers
// events synchronously, so the two-consecutive-errors escalation in
// subscribeLocked can be asserted deterministically.
type flakyWatchable struct {
	id        yggdrasil.SystemID
	cb        system.WatchCallback
	caps      yggdrasil.Capabilities
	unwatched bool
}

func (f *flakyWatchable) SystemID() yggdrasil.SystemID        { return f.id }
func (f *flakyWatchable) SystemType() string                  { return "flaky" }
func (f *flakyWatchable) Capabilities() yggdrasil.Capabilities { return f.caps }
func (f *flakyWatchable) Watch(cb system.WatchCallback) (system.WatchID, error) {
	f.cb = cb
	return system.WatchID(yggdrasil.NewUUID()), nil
}
func (f *flakyWatchable) Unwatch(system.WatchID) error {
	f.unwatched = true
	return nil
}

func TestWatchUnregistersAfterTwoConsecutiveErrors(t *testing.T) {
	w := newWorkspace(t)
	fake := &flakyWatchable{id: "flaky-1", caps: yggdrasil.CapWatchable}
	require.NoError(t, w.Manage(fake))
	require.NotNil(t, fake.cb)

	// Unmanaged system id triggers handleWatchEvent's lookup failure, which
	// counts as a callback error without needing an adapter error path.
	require.NoError(t, w.Unmanage("flaky-1"))
	require.Error(t, fake.cb(system.WatchEvent{Kind: "commit", SnapshotID: "s1", Branch: "main"}))
	require.Error(t, fake.cb(system.WatchEvent{Kind: "commit", SnapshotID: "s2", Branch: "main"}))
	require.True(t, fake.unwatched)
}
