package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minhduc9699/vibe-kanban/internal/protocol"
)

func TestCcsAcceptsValidProviders(t *testing.T) {
	for _, provider := range knownProviders {
		c, err := NewCcs(Profile{Variant: "ccs", Provider: provider})
		require.NoError(t, err, provider)
		assert.Equal(t, provider, c.provider)
	}
}

func TestCcsRejectsInjectionAttempts(t *testing.T) {
	for _, provider := range []string{
		"gemini; rm -rf /",
		"foo|bar",
		"$(whoami)",
		"a b",
		"../../bin/sh",
		"",
	} {
		_, err := NewCcs(Profile{Variant: "ccs", Provider: provider})
		assert.ErrorIs(t, err, ErrInvalidConfiguration, "provider %q must be rejected", provider)
	}
}

func TestCcsUnknownButValidProviderAllowed(t *testing.T) {
	c, err := NewCcs(Profile{Variant: "ccs", Provider: "future_provider"})
	require.NoError(t, err)
	assert.Equal(t, "future_provider", c.provider)
}

func TestCcsBuilderIncludesStreamJSONFlags(t *testing.T) {
	c, err := NewCcs(Profile{Variant: "ccs", Provider: "agy"})
	require.NoError(t, err)

	args := c.builder().BuildInitial("do the thing")
	assert.Equal(t, "agy", args[0])
	assert.Contains(t, args, "--output-format=stream-json")
	assert.Contains(t, args, "--input-format=stream-json")
	assert.NotContains(t, args, "-p")
	// Prompt rides as the final positional argument.
	assert.Equal(t, "do the thing", args[len(args)-1])
}

func TestCcsBuilderWithModel(t *testing.T) {
	c, err := NewCcs(Profile{Variant: "ccs", Provider: "qwen", Model: "qwen-max"})
	require.NoError(t, err)

	args := c.builder().BuildInitial("p")
	assert.Contains(t, args, "--model")
	assert.Contains(t, args, "qwen-max")
}

func TestCcsBuilderSkipPermissions(t *testing.T) {
	c, err := NewCcs(Profile{Variant: "ccs", Provider: "iflow", DangerouslySkipPermissions: true})
	require.NoError(t, err)

	args := c.builder().BuildInitial("p")
	assert.Contains(t, args, "--dangerously-skip-permissions")
}

func TestCcsApprovalsDrivePermissionMode(t *testing.T) {
	withApprovals, err := NewCcs(Profile{Variant: "ccs", Provider: "gemini", Approvals: true})
	require.NoError(t, err)
	assert.Equal(t, protocol.PermissionDefault, withApprovals.permissionMode())
	assert.Contains(t, withApprovals.hooks(), "PreToolUse")
	assert.Contains(t, withApprovals.builder().BuildInitial("p"), "--permission-prompt-tool=stdio")

	without, err := NewCcs(Profile{Variant: "ccs", Provider: "gemini"})
	require.NoError(t, err)
	assert.Equal(t, protocol.PermissionBypass, without.permissionMode())
	assert.Nil(t, without.hooks())
}
