package approvals

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLuaPolicyAllowString(t *testing.T) {
	policy := NewLuaPolicy(`
		function decide(request)
			return "allow"
		end
	`)

	d, err := policy.Decide(context.Background(), Request{ToolName: "Read"})
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Behavior)
}

func TestLuaPolicyDenyTableWithMessage(t *testing.T) {
	policy := NewLuaPolicy(`
		function decide(request)
			if request.tool_name == "Bash" then
				return {behavior = "deny", message = "shell access is disabled"}
			end
			return "allow"
		end
	`)

	d, err := policy.Decide(context.Background(), Request{ToolName: "Bash"})
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Behavior)
	assert.Equal(t, "shell access is disabled", d.Message)

	d, err = policy.Decide(context.Background(), Request{ToolName: "Edit"})
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Behavior)
}

func TestLuaPolicyInspectsInput(t *testing.T) {
	policy := NewLuaPolicy(`
		function decide(request)
			local cmd = request.input.command or ""
			if string.find(cmd, "rm ", 1, true) then
				return "deny"
			end
			return "allow"
		end
	`)

	d, err := policy.Decide(context.Background(), Request{
		ToolName: "Bash",
		Input:    map[string]any{"command": "rm -rf build"},
	})
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Behavior)

	d, err = policy.Decide(context.Background(), Request{
		ToolName: "Bash",
		Input:    map[string]any{"command": "go test ./..."},
	})
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Behavior)
}

func TestLuaPolicyMissingDecide(t *testing.T) {
	policy := NewLuaPolicy(`local x = 1`)
	_, err := policy.Decide(context.Background(), Request{})
	assert.ErrorContains(t, err, "must define a 'decide' function")
}

func TestLuaPolicyUnknownBehavior(t *testing.T) {
	policy := NewLuaPolicy(`
		function decide(request)
			return "maybe"
		end
	`)
	_, err := policy.Decide(context.Background(), Request{})
	assert.ErrorContains(t, err, "unknown behavior")
}

func TestLuaPolicySandboxStripsLoaders(t *testing.T) {
	policy := NewLuaPolicy(`
		function decide(request)
			if loadfile == nil and dofile == nil and load == nil then
				return "deny"
			end
			return "allow"
		end
	`)

	d, err := policy.Decide(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Behavior, "loaders must be stripped from the sandbox")
}
