package btree

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yggdrasil-sh/core/pagestore"
)

func openTestStandalone(t *testing.T) *Standalone {
	t.Helper()
	s, err := OpenStandalone(t.TempDir(), pagestore.Options{PageSize: 4096})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGet(t *testing.T) {
	s := openTestStandalone(t)
	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	require.NoError(t, s.Put([]byte("b"), []byte("2")))

	v, ok, err := s.Tree.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	_, ok, err = s.Tree.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutOverwrite(t *testing.T) {
	s := openTestStandalone(t)
	require.NoError(t, s.Put([]byte("k"), []byte("v1")))
	require.NoError(t, s.Put([]byte("k"), []byte("v2")))

	v, ok, err := s.Tree.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)
}

func TestManyKeysSplitAndOrder(t *testing.T) {
	s := openTestStandalone(t)
	var keys []string
	for i := 0; i < 500; i++ {
		k := fmt.Sprintf("key-%04d", i)
		keys = append(keys, k)
		require.NoError(t, s.Put([]byte(k), []byte(k)))
	}
	require.NoError(t, s.Flush())

	for _, k := range keys {
		v, ok, err := s.Tree.Get([]byte(k))
		require.NoError(t, err)
		require.True(t, ok, k)
		require.Equal(t, []byte(k), v)
	}

	cur, err := s.Tree.First()
	require.NoError(t, err)
	var seen []string
	for cur.Valid() {
		seen = append(seen, string(cur.Key()))
		ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
	}
	require.True(t, sort.StringsAreSorted(seen))
	require.Len(t, seen, len(keys))
}

func TestDeleteRebalances(t *testing.T) {
	s := openTestStandalone(t)
	var keys []string
	for i := 0; i < 300; i++ {
		k := fmt.Sprintf("k-%04d", i)
		keys = append(keys, k)
		require.NoError(t, s.Put([]byte(k), []byte(k)))
	}

	rand.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	for i, k := range keys {
		if i%2 == 0 {
			deleted, err := s.Delete([]byte(k))
			require.NoError(t, err)
			require.True(t, deleted, k)
		}
	}
	for i, k := range keys {
		_, ok, err := s.Tree.Get([]byte(k))
		require.NoError(t, err)
		if i%2 == 0 {
			require.False(t, ok, k)
		} else {
			require.True(t, ok, k)
		}
	}
}

func TestSeekGEAndSeekLE(t *testing.T) {
	s := openTestStandalone(t)
	for _, k := range []string{"b", "d", "f", "h"} {
		require.NoError(t, s.Put([]byte(k), []byte(k)))
	}

	cur, err := s.Tree.SeekGE([]byte("e"))
	require.NoError(t, err)
	require.True(t, cur.Valid())
	require.Equal(t, "f", string(cur.Key()))

	cur, err = s.Tree.SeekGE([]byte("d"))
	require.NoError(t, err)
	require.True(t, cur.Valid())
	require.Equal(t, "d", string(cur.Key()))

	cur, err = s.Tree.SeekLE([]byte("e"))
	require.NoError(t, err)
	require.True(t, cur.Valid())
	require.Equal(t, "d", string(cur.Key()))

	cur, err = s.Tree.SeekLE([]byte("a"))
	require.NoError(t, err)
	require.False(t, cur.Valid())

	cur, err = s.Tree.SeekGE([]byte("z"))
	require.NoError(t, err)
	require.False(t, cur.Valid())
}

func TestReverseIteration(t *testing.T) {
	s := openTestStandalone(t)
	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("k-%02d", i)
		require.NoError(t, s.Put([]byte(k), []byte(k)))
	}

	cur, err := s.Tree.Last()
	require.NoError(t, err)
	var seen []string
	for cur.Valid() {
		seen = append(seen, string(cur.Key()))
		ok, err := cur.Prev()
		require.NoError(t, err)
		if !ok {
			break
		}
	}
	require.Len(t, seen, 50)
	require.True(t, sort.IsSorted(sort.Reverse(sort.StringSlice(seen))))
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStandalone(dir, pagestore.Options{PageSize: 4096})
	require.NoError(t, err)
	require.NoError(t, s.Put([]byte("x"), []byte("1")))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	s2, err := OpenStandalone(dir, pagestore.Options{PageSize: 4096})
	require.NoError(t, err)
	defer s2.Close()

	v, ok, err := s2.Tree.Get([]byte("x"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
}
