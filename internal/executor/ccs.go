package executor

import (
	"log/slog"
	"strings"

	"github.com/minhduc9699/vibe-kanban/internal/approvals"
	"github.com/minhduc9699/vibe-kanban/internal/msgstore"
	"github.com/minhduc9699/vibe-kanban/internal/protocol"
)

// knownProviders are the CCS routes we expect. Others are allowed for
// extensibility once they pass token validation, with a warning.
var knownProviders = []string{"gemini", "codev", "agy", "qwen", "iflow", "kiro", "ghcp"}

// Ccs routes to multiple AI providers through the ccs CLI, a unified
// Claude-compatible front. Speaks the same control protocol as Claude;
// only the command line differs.
type Ccs struct {
	provider                   string
	model                      string
	approvals                  bool
	dangerouslySkipPermissions bool
	appendPrompt               string

	approvalsSvc approvals.Service
	onToolAsked  func(approvals.Request)
	log          *slog.Logger
}

// NewCcs validates the provider before anything else: the token lands on
// the command line, so it must survive the injection allow-list first.
func NewCcs(p Profile) (*Ccs, error) {
	provider := strings.TrimSpace(p.Provider)
	if err := validateToken("ccs provider", provider); err != nil {
		return nil, err
	}

	c := &Ccs{
		provider:                   provider,
		model:                      p.Model,
		approvals:                  p.Approvals,
		dangerouslySkipPermissions: p.DangerouslySkipPermissions,
		appendPrompt:               p.AppendPrompt,
		log:                        slog.Default(),
	}

	if !isKnownProvider(provider) {
		c.log.Warn("ccs provider not in known list", "provider", provider, "known", knownProviders)
	}

	return c, nil
}

func isKnownProvider(provider string) bool {
	for _, p := range knownProviders {
		if p == provider {
			return true
		}
	}
	return false
}

func (c *Ccs) UseApprovals(svc approvals.Service) {
	c.approvalsSvc = svc
}

func (c *Ccs) OnPermissionRequest(fn func(approvals.Request)) {
	c.onToolAsked = fn
}

func (c *Ccs) builder() CommandBuilder {
	b := NewCommandBuilder("ccs", c.provider)

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

func (c *Ccs) permissionMode() protocol.PermissionMode {
	if c.approvals {
		return protocol.PermissionDefault
	}
	return protocol.PermissionBypass
}

func (c *Ccs) hooks() map[string]any {
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

func (c *Ccs) combinePrompt(prompt string) string {
	if c.appendPrompt == "" {
		return prompt
	}
	return prompt + "\n\n" + c.appendPrompt
}

func (c *Ccs) launcher(workdir, prompt string, args []string, env []string) launcher {
	return launcher{
		program:     "ccs",
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

func (c *Ccs) Spawn(workdir, prompt string, env []string) (*Session, error) {
	combined := c.combinePrompt(prompt)
	args := c.builder().BuildInitial(combined)
	return c.launcher(workdir, prompt, args, env).launch()
}

func (c *Ccs) SpawnFollowUp(workdir, prompt, sessionID string, env []string) (*Session, error) {
	combined := c.combinePrompt(prompt)
	args := c.builder().BuildFollowUp(sessionID, combined)
	return c.launcher(workdir, prompt, args, env).launch()
}

func (c *Ccs) NormalizeLogs(sess *Session, sink *msgstore.Store, workdir string) {
	normalizeSessionLogs(sess, sink, workdir)
}

func (c *Ccs) Availability() Availability {
	return probe("ccs")
}
