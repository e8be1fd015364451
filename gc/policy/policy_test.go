package policy_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	yggdrasil "github.com/yggdrasil-sh/core"
	"github.com/yggdrasil-sh/core/gc/policy"
	"github.com/yggdrasil-sh/core/registry"
)

func TestCompileRejectsEmptyExpression(t *testing.T) {
	_, err := policy.Compile("")
	require.Error(t, err)
}

func TestCompileRejectsInvalidSyntax(t *testing.T) {
	_, err := policy.Compile("this is not cel (")
	require.Error(t, err)
}

func TestAllowsEvaluatesAgeAndMetadata(t *testing.T) {
	p, err := policy.Compile(`age_ms > 60000 && !("retain" in metadata && metadata["retain"] == "true")`)
	require.NoError(t, err)

	young := registry.Entry{HLC: yggdrasil.HLC{Physical: 990_000}}
	allowed, err := p.Allows(young, 1_000_000)
	require.NoError(t, err)
	require.False(t, allowed, "candidates younger than 60s should not be allowed")

	old := registry.Entry{HLC: yggdrasil.HLC{Physical: 0}}
	allowed, err = p.Allows(old, 1_000_000)
	require.NoError(t, err)
	require.True(t, allowed)

	retained := registry.Entry{HLC: yggdrasil.HLC{Physical: 0}, Metadata: map[string]string{"retain": "true"}}
	allowed, err = p.Allows(retained, 1_000_000)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestAllowsRejectsNonBoolExpression(t *testing.T) {
	p, err := policy.Compile(`age_ms`)
	require.NoError(t, err)
	_, err = p.Allows(registry.Entry{}, 0)
	require.Error(t, err)
}
