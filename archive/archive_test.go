package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	yggdrasil "github.com/yggdrasil-sh/core"
	"github.com/yggdrasil-sh/core/registry"
)

func TestNewRejectsNilClientAndEmptyBucket(t *testing.T) {
	_, err := New(nil, "bucket", Options{})
	require.Error(t, err)

	client := Connect(Config{Region: "us-east-1"})
	_, err = New(client, "", Options{})
	require.Error(t, err)

	a, err := New(client, "bucket", Options{})
	require.NoError(t, err)
	require.NotNil(t, a)
}

func TestObjectKeyIsNamespacedBySystemBranchAndSnapshot(t *testing.T) {
	key := objectKey("git-1", "main", "c1")
	require.Equal(t, "git-1/main/c1.json", key)
}

func TestRecordFromEntryPreservesAllFields(t *testing.T) {
	entry := registry.Entry{
		SnapshotID: "c1",
		SystemID:   "git-1",
		Branch:     "main",
		HLC:        yggdrasil.HLC{Physical: 1000, Logical: 2},
		ParentIDs:  []yggdrasil.SnapshotID{"root"},
		Message:    "hello",
		Metadata:   map[string]string{"author": "me"},
	}
	rec := recordFromEntry(entry)
	require.Equal(t, entry.SnapshotID, rec.SnapshotID)
	require.Equal(t, entry.SystemID, rec.SystemID)
	require.Equal(t, entry.Branch, rec.Branch)
	require.Equal(t, entry.HLC, rec.HLC)
	require.Equal(t, entry.ParentIDs, rec.ParentIDs)
	require.Equal(t, entry.Message, rec.Message)
	require.Equal(t, entry.Metadata, rec.Metadata)
}

func TestArchiveOfEmptyBatchIsNoOp(t *testing.T) {
	client := Connect(Config{Region: "us-east-1"})
	a, err := New(client, "bucket", Options{})
	require.NoError(t, err)

	require.NoError(t, a.Archive(context.Background(), nil))
	require.NoError(t, a.Delete(context.Background(), nil))
}
