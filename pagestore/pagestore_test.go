package pagestore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocWriteReadFlush(t *testing.T) {
	dir := t.TempDir()
	ps, err := Open(dir, 1, Options{PageSize: 512})
	require.NoError(t, err)
	defer ps.Close()

	addr := ps.Alloc()
	require.NoError(t, ps.Write(addr, []byte("hello world")))

	got, err := ps.Read(addr)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got)

	require.NoError(t, ps.Flush([]Addr{addr}))
	require.Equal(t, []Addr{addr}, ps.Roots())

	got2, err := ps.Read(addr)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got2)
}

func TestReopenRecoversRoot(t *testing.T) {
	dir := t.TempDir()
	ps, err := Open(dir, 1, Options{PageSize: 512})
	require.NoError(t, err)

	addr := ps.Alloc()
	require.NoError(t, ps.Write(addr, []byte("persisted")))
	require.NoError(t, ps.Flush([]Addr{addr}))
	require.NoError(t, ps.Close())

	ps2, err := Open(dir, 1, Options{PageSize: 512})
	require.NoError(t, err)
	defer ps2.Close()

	require.Equal(t, []Addr{addr}, ps2.Roots())
	got, err := ps2.Read(addr)
	require.NoError(t, err)
	require.Equal(t, []byte("persisted"), got)
}

func TestFreeListReuse(t *testing.T) {
	dir := t.TempDir()
	ps, err := Open(dir, 1, Options{PageSize: 512})
	require.NoError(t, err)
	defer ps.Close()

	a := ps.Alloc()
	require.NoError(t, ps.Write(a, []byte("a")))
	require.NoError(t, ps.Flush([]Addr{a}))

	ps.MarkFreed(a)
	require.NoError(t, ps.Flush([]Addr{NilAddr}))

	b := ps.Alloc()
	require.Equal(t, a, b, "freed page should be reused before extending the file")
}

func TestChecksumMismatchSurfacesIOError(t *testing.T) {
	dir := t.TempDir()
	ps, err := Open(dir, 1, Options{PageSize: 512})
	require.NoError(t, err)
	defer ps.Close()

	addr := ps.Alloc()
	require.NoError(t, ps.Write(addr, []byte("data")))
	require.NoError(t, ps.Flush([]Addr{addr}))

	// Corrupt the page directly on disk.
	buf, err := ps.file.ReadAt(addr)
	require.NoError(t, err)
	buf[lengthPrefixSize] ^= 0xFF
	require.NoError(t, ps.file.WriteAt(addr, buf))

	_, err = ps.Read(addr)
	require.Error(t, err)
}

func TestLockPreventsSecondOpen(t *testing.T) {
	dir := t.TempDir()
	ps, err := Open(dir, 1, Options{PageSize: 512})
	require.NoError(t, err)
	defer ps.Close()

	_, err = Open(dir, 1, Options{PageSize: 512})
	require.Error(t, err)
}
