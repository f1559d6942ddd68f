package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minhduc9699/vibe-kanban/internal/approvals"
)

// fakeAgent sits on the far side of the pipes and plays the agent's role:
// it records every frame the peer writes and can emit frames back.
type fakeAgent struct {
	stdout *io.PipeWriter
	frames chan envelope
}

func newFakeAgent(t *testing.T, cfg *Config) *fakeAgent {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	cfg.Stdin = stdinW
	cfg.Stdout = stdoutR

	a := &fakeAgent{stdout: stdoutW, frames: make(chan envelope, 64)}
	go func() {
		defer close(a.frames)
		scanner := bufio.NewScanner(stdinR)
		for scanner.Scan() {
			var env envelope
			if err := json.Unmarshal(scanner.Bytes(), &env); err == nil {
				a.frames <- env
			}
		}
	}()
	t.Cleanup(func() {
		stdoutW.Close()
		stdinR.Close()
	})
	return a
}

func (a *fakeAgent) emit(t *testing.T, frame string) {
	t.Helper()
	if _, err := a.stdout.Write([]byte(frame + "\n")); err != nil {
		t.Fatalf("fake agent write: %v", err)
	}
}

func (a *fakeAgent) nextFrame(t *testing.T) envelope {
	t.Helper()
	select {
	case env, ok := <-a.frames:
		if !ok {
			t.Fatal("peer stdin closed before expected frame")
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame from peer")
		return envelope{}
	}
}

func TestInitializeHandshake(t *testing.T) {
	cfg := Config{Interrupt: make(chan struct{})}
	agent := newFakeAgent(t, &cfg)
	peer := Start(cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- peer.Initialize(map[string]any{"PreToolUse": []any{}})
	}()

	frame := agent.nextFrame(t)
	assert.Equal(t, "control_request", frame.Type)
	require.NotNil(t, frame.Request)
	assert.Equal(t, "initialize", frame.Request.Subtype)
	assert.Contains(t, frame.Request.Hooks, "PreToolUse")

	agent.emit(t, fmt.Sprintf(`{"type":"control_response","response":{"subtype":"success","request_id":"%s"}}`, frame.RequestID))

	require.NoError(t, <-errCh)
}

func TestInitializeTimeoutIsHandshakeFailure(t *testing.T) {
	cfg := Config{Interrupt: make(chan struct{}), RequestTimeout: 50 * time.Millisecond}
	agent := newFakeAgent(t, &cfg)
	peer := Start(cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- peer.Initialize(nil) }()
	agent.nextFrame(t) // swallow the request, never answer

	err := <-errCh
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestSetPermissionModeRejection(t *testing.T) {
	cfg := Config{Interrupt: make(chan struct{})}
	agent := newFakeAgent(t, &cfg)
	peer := Start(cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- peer.SetPermissionMode(PermissionAcceptEdits) }()

	frame := agent.nextFrame(t)
	assert.Equal(t, "set_permission_mode", frame.Request.Subtype)
	assert.Equal(t, PermissionAcceptEdits, frame.Request.Mode)

	agent.emit(t, fmt.Sprintf(`{"type":"control_response","response":{"subtype":"error","request_id":"%s","error":"unsupported"}}`, frame.RequestID))

	err := <-errCh
	assert.ErrorIs(t, err, ErrModeFailed)
}

func TestSendUserMessage(t *testing.T) {
	cfg := Config{Interrupt: make(chan struct{})}
	agent := newFakeAgent(t, &cfg)
	peer := Start(cfg)

	require.NoError(t, peer.SendUserMessage("fix the login bug"))

	frame := agent.nextFrame(t)
	assert.Equal(t, "user", frame.Type)
	var msg userMessage
	require.NoError(t, json.Unmarshal(frame.Message, &msg))
	assert.Equal(t, "user", msg.Role)
	assert.Equal(t, "fix the login bug", msg.Content)
}

func TestPermissionRequestRoutedToApprovals(t *testing.T) {
	svc := &approvals.Static{Answer: approvals.Decision{Behavior: approvals.Deny, Message: "not today"}}
	cfg := Config{Interrupt: make(chan struct{}), Approvals: svc, SessionID: "sess-1"}
	agent := newFakeAgent(t, &cfg)
	peer := Start(cfg)
	_ = peer

	agent.emit(t, `{"type":"control_request","request_id":"agent_req_1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"rm -rf /"}}}`)

	frame := agent.nextFrame(t)
	assert.Equal(t, "control_response", frame.Type)
	require.NotNil(t, frame.Response)
	assert.Equal(t, "success", frame.Response.Subtype)
	assert.Equal(t, "agent_req_1", frame.Response.RequestID)

	var result permissionResult
	require.NoError(t, json.Unmarshal(frame.Response.Response, &result))
	assert.Equal(t, "deny", result.Behavior)
	assert.Equal(t, "not today", result.Message)

	require.Len(t, svc.Requests, 1)
	assert.Equal(t, "Bash", svc.Requests[0].ToolName)
	assert.Equal(t, "sess-1", svc.Requests[0].SessionID)
}

func TestPermissionRequestWithoutServiceUsesDefaultMode(t *testing.T) {
	tests := []struct {
		mode PermissionMode
		want string
	}{
		{PermissionBypass, "allow"},
		{PermissionAcceptEdits, "allow"},
		{PermissionDefault, "deny"},
		{PermissionPlan, "deny"},
	}

	for _, tc := range tests {
		t.Run(string(tc.mode), func(t *testing.T) {
			cfg := Config{Interrupt: make(chan struct{}), DefaultMode: tc.mode}
			agent := newFakeAgent(t, &cfg)
			Start(cfg)

			agent.emit(t, `{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool","tool_name":"Edit"}}`)

			frame := agent.nextFrame(t)
			var result permissionResult
			require.NoError(t, json.Unmarshal(frame.Response.Response, &result))
			assert.Equal(t, tc.want, result.Behavior)
		})
	}
}

func TestEventsForwardedInOrder(t *testing.T) {
	cfg := Config{Interrupt: make(chan struct{})}
	agent := newFakeAgent(t, &cfg)
	peer := Start(cfg)

	agent.emit(t, `{"type":"system","subtype":"init","session_id":"s-9"}`)
	agent.emit(t, `{"type":"assistant","message":{"content":"working on it"}}`)
	agent.stdout.Close()

	var got []string
	for raw := range peer.Events() {
		var ev struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(raw, &ev))
		got = append(got, ev.Type)
	}
	assert.Equal(t, []string{"system", "assistant"}, got)

	<-peer.Done()
	assert.NoError(t, peer.Err())
}

func TestInterruptStopsSessionAndSendsStopMessage(t *testing.T) {
	interrupt := make(chan struct{})
	cfg := Config{Interrupt: interrupt}
	agent := newFakeAgent(t, &cfg)
	peer := Start(cfg)

	close(interrupt)

	frame := agent.nextFrame(t)
	require.NotNil(t, frame.Request)
	assert.Equal(t, "interrupt", frame.Request.Subtype)

	select {
	case <-peer.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not close after interrupt")
	}
	assert.ErrorIs(t, peer.Err(), ErrInterrupted)
}

func TestRequestAfterInterruptFailsFast(t *testing.T) {
	interrupt := make(chan struct{})
	cfg := Config{Interrupt: interrupt}
	newFakeAgent(t, &cfg)
	peer := Start(cfg)

	close(interrupt)
	<-peer.Done()

	err := peer.Initialize(nil)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestSendUserMessageAfterInterruptFailsFast(t *testing.T) {
	interrupt := make(chan struct{})
	cfg := Config{Interrupt: interrupt}
	newFakeAgent(t, &cfg)
	peer := Start(cfg)

	close(interrupt)
	<-peer.Done()

	err := peer.SendUserMessage("late prompt")
	assert.ErrorIs(t, err, ErrSendFailed)
}

func TestNonJSONLinesForwardedAsEvents(t *testing.T) {
	cfg := Config{Interrupt: make(chan struct{})}
	agent := newFakeAgent(t, &cfg)
	peer := Start(cfg)

	agent.emit(t, "plain diagnostic text on stdout")
	agent.stdout.Close()

	raw := <-peer.Events()
	assert.Equal(t, "plain diagnostic text on stdout", string(raw))
}
