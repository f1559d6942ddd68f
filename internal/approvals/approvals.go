// Package approvals decides whether a tool call requested by a running
// agent may proceed. The protocol peer consults a Service for every
// permission request it receives; when no service is attached the peer
// falls back to the invocation's default permission mode.
package approvals

import "context"

type Behavior string

const (
	Allow Behavior = "allow"
	Deny  Behavior = "deny"
)

// Request is one permission-gated tool call reported by the agent.
type Request struct {
	ToolName  string
	Input     map[string]any
	SessionID string
}

// Decision is the verdict relayed back over the control protocol.
type Decision struct {
	Behavior Behavior
	// Message explains a denial to the agent. Ignored on allow.
	Message string
}

type Service interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// Static always answers with a fixed behavior. Used for tests and for the
// allow-all / deny-all policy shortcuts.
type Static struct {
	Answer   Decision
	Requests []Request
}

func (s *Static) Decide(_ context.Context, req Request) (Decision, error) {
	s.Requests = append(s.Requests, req)
	return s.Answer, nil
}
