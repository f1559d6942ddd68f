package executor

import (
	"log/slog"

	"github.com/minhduc9699/vibe-kanban/internal/approvals"
	"github.com/minhduc9699/vibe-kanban/internal/msgstore"
	"github.com/minhduc9699/vibe-kanban/internal/protocol"
)

// Claude runs the Claude Code CLI over the bidirectional stream-json
// control protocol.
type Claude struct {
	model                      string
	approvals                  bool
	dangerouslySkipPermissions bool
	appendPrompt               string

	approvalsSvc approvals.Service
	onToolAsked  func(approvals.Request)
	log          *slog.Logger
}

func NewClaude(p Profile) *Claude {
	return &Claude{
		model:                      p.Model,
		approvals:                  p.Approvals,
		dangerouslySkipPermissions: p.DangerouslySkipPermissions,
		appendPrompt:               p.AppendPrompt,
		log:                        slog.Default(),
	}
}

func (c *Claude) UseApprovals(svc approvals.Service) {
	c.approvalsSvc = svc
}

// OnPermissionRequest registers an observer for incoming tool requests.
func (c *Claude) OnPermissionRequest(fn func(approvals.Request)) {
	c.onToolAsked = fn
}

func (c *Claude) builder() CommandBuilder {
	b := NewCommandBuilder("claude")

	if c.approvals {
		b = b.ExtendParams(
			"--permission-prompt-tool=stdio",
			"--permission-mode="+string(protocol.PermissionBypass),
		)
	}
	if c.dangerouslySkipPermissions {
		b = b.ExtendParams("--dangerously-skip-permissions")
	}

	b = b.ExtendParams(
		"--verbose",
		"--print",
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--include-partial-messages",
		"--disallowedTools=AskUserQuestion",
	)

	if c.model != "" {
		b = b.ExtendParams("--model", c.model)
	}

	return b
}

// permissionMode is the default mode requests fall back to: with
// interactive approvals the agent asks first, otherwise it bypasses.
func (c *Claude) permissionMode() protocol.PermissionMode {
	if c.approvals {
		return protocol.PermissionDefault
	}
	return protocol.PermissionBypass
}

// hooks registers the approval callback for every tool except the
// read-only set that never needs a decision.
func (c *Claude) hooks() map[string]any {
	if !c.approvals {
		return nil
	}
	return map[string]any{
		"PreToolUse": []any{
			map[string]any{
				"matcher":         "^(?!(Glob|Grep|NotebookRead|Read|Task|TodoWrite)$).*",
				"hookCallbackIds": []string{"tool_approval"},
			},
		},
	}
}

func (c *Claude) combinePrompt(prompt string) string {
	if c.appendPrompt == "" {
		return prompt
	}
	return prompt + "\n\n" + c.appendPrompt
}

func (c *Claude) launcher(workdir, prompt string, args []string, env []string) launcher {
	return launcher{
		program:     "claude",
		args:        args,
		workdir:     workdir,
		env:         env,
		hooks:       c.hooks(),
		mode:        c.permissionMode(),
		prompt:      c.combinePrompt(prompt),
		approvals:   c.approvalsSvc,
		onToolAsked: c.onToolAsked,
		log:         c.log,
	}
}

func (c *Claude) Spawn(workdir, prompt string, env []string) (*Session, error) {
	combined := c.combinePrompt(prompt)
	args := c.builder().BuildInitial(combined)
	return c.launcher(workdir, prompt, args, env).launch()
}

func (c *Claude) SpawnFollowUp(workdir, prompt, sessionID string, env []string) (*Session, error) {
	combined := c.combinePrompt(prompt)
	args := c.builder().BuildFollowUp(sessionID, combined)
	return c.launcher(workdir, prompt, args, env).launch()
}

func (c *Claude) NormalizeLogs(sess *Session, sink *msgstore.Store, workdir string) {
	normalizeSessionLogs(sess, sink, workdir)
}

func (c *Claude) Availability() Availability {
	return probe("claude")
}
