package protocol

import (
	"encoding/json"
	"errors"
)

// PermissionMode mirrors the agent-side permission modes.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionPlan        PermissionMode = "plan"
	PermissionBypass      PermissionMode = "bypassPermissions"
)

var (
	// ErrHandshakeFailed: the initialize exchange did not complete. Fatal
	// to the invocation, never retried.
	ErrHandshakeFailed = errors.New("protocol handshake failed")
	// ErrModeFailed: set_permission_mode was rejected. Non-fatal, the
	// agent keeps its default mode.
	ErrModeFailed = errors.New("set permission mode failed")
	// ErrSendFailed: the prompt could not be delivered. Fatal.
	ErrSendFailed = errors.New("prompt send failed")
	// ErrInterrupted: the session's interrupt fired while waiting.
	ErrInterrupted = errors.New("session interrupted")
	// ErrStreamClosed: the agent's output stream ended while a reply was
	// still outstanding.
	ErrStreamClosed = errors.New("protocol stream closed")
)

// envelope is the newline-delimited JSON frame exchanged with the agent
// over its standard streams.
type envelope struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id,omitempty"`
	Request   *controlRequest  `json:"request,omitempty"`
	Response  *controlResponse `json:"response,omitempty"`
	Message   json.RawMessage  `json:"message,omitempty"`

	// Remaining fields of non-control events stay opaque; they are
	// forwarded whole to the log normalizer.
}

type controlRequest struct {
	Subtype  string          `json:"subtype"`
	Hooks    map[string]any  `json:"hooks,omitempty"`
	Mode     PermissionMode  `json:"mode,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Input    map[string]any  `json:"input,omitempty"`
}

type controlResponse struct {
	Subtype   string          `json:"subtype"` // success | error
	RequestID string          `json:"request_id"`
	Error     string          `json:"error,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
}

// permissionResult is the payload answering a can_use_tool request.
type permissionResult struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

// userMessage wraps the prompt as a stream-json user turn.
type userMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
