package registry

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yggdrasil-sh/core"
	"github.com/yggdrasil-sh/core/pagestore"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(t.TempDir(), Options{PageStore: pagestore.Options{PageSize: 4096}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func hlc(physical int64) yggdrasil.HLC { return yggdrasil.HLC{Physical: physical} }

func TestAsOfAcrossTwoSystems(t *testing.T) {
	r := openTestRegistry(t)
	require.NoError(t, r.Register(Entry{SnapshotID: "s1", SystemID: "git", Branch: "main", HLC: hlc(1000)}))
	require.NoError(t, r.Register(Entry{SnapshotID: "s2", SystemID: "git", Branch: "main", HLC: hlc(2000)}))
	require.NoError(t, r.Register(Entry{SnapshotID: "a", SystemID: "zfs", Branch: "main", HLC: hlc(1500)}))
	require.NoError(t, r.Register(Entry{SnapshotID: "b", SystemID: "zfs", Branch: "main", HLC: hlc(2500)}))

	result, err := r.AsOf(hlc(1500))
	require.NoError(t, err)
	require.Len(t, result, 2)
	require.Equal(t, yggdrasil.SnapshotID("s1"), result[PairKey{System: "git", Branch: "main"}].SnapshotID)
	require.Equal(t, yggdrasil.SnapshotID("a"), result[PairKey{System: "zfs", Branch: "main"}].SnapshotID)
}

func TestHistoryOrdering(t *testing.T) {
	r := openTestRegistry(t)
	for i := int64(1); i <= 10; i++ {
		require.NoError(t, r.Register(Entry{
			SnapshotID: yggdrasil.SnapshotID("snap-" + strconv.FormatInt(i, 10)),
			SystemID:   "sys",
			Branch:     "main",
			HLC:        hlc(i * 1000),
		}))
	}

	hist, err := r.SystemHistory("sys", "main", 3)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	require.Equal(t, []yggdrasil.SnapshotID{"snap-10", "snap-9", "snap-8"},
		[]yggdrasil.SnapshotID{hist[0].SnapshotID, hist[1].SnapshotID, hist[2].SnapshotID})
}

func TestCrossSystemReference(t *testing.T) {
	r := openTestRegistry(t)
	require.NoError(t, r.Register(Entry{SnapshotID: "snap-1", SystemID: "git", Branch: "r1", HLC: hlc(1000)}))
	require.NoError(t, r.Register(Entry{SnapshotID: "snap-1", SystemID: "btrfs", Branch: "v1", HLC: hlc(1100)}))

	refs, err := r.SnapshotRefs("snap-1")
	require.NoError(t, err)
	require.Len(t, refs, 2)

	systems, err := r.SnapshotSystems("snap-1")
	require.NoError(t, err)
	require.Contains(t, systems, yggdrasil.SystemID("git"))
	require.Contains(t, systems, yggdrasil.SystemID("btrfs"))
}

func TestRegisterIdempotent(t *testing.T) {
	r := openTestRegistry(t)
	e := Entry{SnapshotID: "s", SystemID: "git", Branch: "main", HLC: hlc(1000)}
	require.NoError(t, r.Register(e))
	require.NoError(t, r.Register(e))
	require.Equal(t, 1, r.EntryCount())
}

func TestDeregisterRemovesFromAllIndices(t *testing.T) {
	r := openTestRegistry(t)
	e := Entry{SnapshotID: "s", SystemID: "git", Branch: "main", HLC: hlc(1000)}
	require.NoError(t, r.Register(e))
	require.NoError(t, r.Deregister(e))
	require.Equal(t, 0, r.EntryCount())

	refs, err := r.SnapshotRefs("s")
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestRegisterBatchAtomicPartialFailureRollsBack(t *testing.T) {
	r := openTestRegistry(t)
	tooLong := make([]byte, 300)
	entries := []Entry{
		{SnapshotID: "ok1", SystemID: "git", Branch: "main", HLC: hlc(1000)},
		{SnapshotID: "ok2", SystemID: yggdrasil.SystemID(tooLong), Branch: "main", HLC: hlc(2000)},
	}
	err := r.RegisterBatch(entries)
	require.Error(t, err)
	require.Equal(t, 0, r.EntryCount())
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, Options{PageStore: pagestore.Options{PageSize: 4096}})
	require.NoError(t, err)
	require.NoError(t, r.Register(Entry{SnapshotID: "s", SystemID: "git", Branch: "main", HLC: hlc(1000)}))
	require.NoError(t, r.Close())

	r2, err := Open(dir, Options{PageStore: pagestore.Options{PageSize: 4096}})
	require.NoError(t, err)
	defer r2.Close()
	require.Equal(t, 1, r2.EntryCount())
}

func TestEntriesInRange(t *testing.T) {
	r := openTestRegistry(t)
	require.NoError(t, r.Register(Entry{SnapshotID: "a", SystemID: "s", Branch: "m", HLC: hlc(1000)}))
	require.NoError(t, r.Register(Entry{SnapshotID: "b", SystemID: "s", Branch: "m", HLC: hlc(2000)}))
	require.NoError(t, r.Register(Entry{SnapshotID: "c", SystemID: "s", Branch: "m", HLC: hlc(3000)}))

	entries, err := r.EntriesInRange(hlc(1500), hlc(2500))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, yggdrasil.SnapshotID("b"), entries[0].SnapshotID)
}
