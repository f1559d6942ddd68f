package approvals

import (
	"context"
	"fmt"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// LuaPolicy evaluates approval requests against a user-supplied Lua script.
// The script must define a global `decide(request)` function returning
// either "allow"/"deny" or a table {behavior=..., message=...}.
type LuaPolicy struct {
	script string
	path   string
}

func LoadLuaPolicy(path string) (*LuaPolicy, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy script: %w", err)
	}
	return &LuaPolicy{script: string(script), path: path}, nil
}

// NewLuaPolicy builds a policy from an in-memory script.
func NewLuaPolicy(script string) *LuaPolicy {
	return &LuaPolicy{script: script, path: "<inline>"}
}

// Decide runs the script in a fresh sandboxed state. A script error is an
// error, not a silent allow.
func (p *LuaPolicy) Decide(ctx context.Context, req Request) (Decision, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // nothing but the libraries we open below
	})
	defer L.Close()
	L.SetContext(ctx)

	openSafeLibs(L)

	if err := L.DoString(p.script); err != nil {
		return Decision{}, fmt.Errorf("failed to load policy %s: %w", p.path, err)
	}

	decide := L.GetGlobal("decide")
	if decide == lua.LNil {
		return Decision{}, fmt.Errorf("policy %s must define a 'decide' function", p.path)
	}

	L.Push(decide)
	L.Push(requestToTable(L, req))
	if err := L.PCall(1, 1, nil); err != nil {
		return Decision{}, fmt.Errorf("policy evaluation failed: %w", err)
	}

	return parseVerdict(L.Get(-1))
}

// openSafeLibs loads only libraries safe for untrusted policy scripts.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil)

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

func requestToTable(L *lua.LState, req Request) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "tool_name", lua.LString(req.ToolName))
	L.SetField(tbl, "session_id", lua.LString(req.SessionID))
	L.SetField(tbl, "input", goToLua(L, req.Input))
	return tbl
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

func parseVerdict(v lua.LValue) (Decision, error) {
	switch val := v.(type) {
	case lua.LString:
		return behaviorFromString(string(val))
	case *lua.LTable:
		behavior, err := behaviorFromString(lua.LVAsString(val.RawGetString("behavior")))
		if err != nil {
			return Decision{}, err
		}
		behavior.Message = lua.LVAsString(val.RawGetString("message"))
		return behavior, nil
	default:
		return Decision{}, fmt.Errorf("policy returned %s, want string or table", v.Type())
	}
}

func behaviorFromString(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return Decision{Behavior: Allow}, nil
	case "deny":
		return Decision{Behavior: Deny}, nil
	default:
		return Decision{}, fmt.Errorf("policy returned unknown behavior %q", s)
	}
}
