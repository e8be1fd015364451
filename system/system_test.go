package system_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	yggdrasil "github.com/yggdrasil-sh/core"
	"github.com/yggdrasil-sh/core/internal/testsystem"
	"github.com/yggdrasil-sh/core/system"
)

func TestHasSucceedsWhenCapabilityDeclaredAndImplemented(t *testing.T) {
	sys := testsystem.New("git-1", yggdrasil.CapCommittable|yggdrasil.CapSnapshotable)

	committable, err := system.Has[system.Committable](sys, yggdrasil.CapCommittable)
	require.NoError(t, err)
	require.Equal(t, yggdrasil.SystemID("git-1"), committable.SystemID())
}

func TestHasFailsClosedWhenCapabilityNotDeclared(t *testing.T) {
	sys := testsystem.New("git-1", yggdrasil.CapSnapshotable)

	_, err := system.Has[system.Mergeable](sys, yggdrasil.CapMergeable)
	require.Error(t, err)
	require.Equal(t, yggdrasil.CapabilityError, yggdrasil.CodeOf(err))
}

func TestCommitProducesNewValueLeavingReceiverValid(t *testing.T) {
	sys := testsystem.New("git-1", testsystem.AllCapabilities)
	before := sys.CurrentSnapshot()

	committable, err := system.Has[system.Committable](sys, yggdrasil.CapCommittable)
	require.NoError(t, err)

	next, newID, err := committable.Commit("add feature")
	require.NoError(t, err)
	require.NotEqual(t, before, newID)
	require.Equal(t, before, sys.CurrentSnapshot())

	snap, ok := next.(system.Snapshotable)
	require.True(t, ok)
	require.Equal(t, newID, snap.CurrentSnapshot())
}
