// Package executor resolves configured agent variants into running,
// protocol-driven sessions. Each variant knows how to build its command
// line; the protocol handshake, approval routing, and teardown are shared.
package executor

import (
	"errors"
	"fmt"
	"os/exec"
	"regexp"

	"github.com/minhduc9699/vibe-kanban/internal/approvals"
	"github.com/minhduc9699/vibe-kanban/internal/msgstore"
)

var (
	// ErrInvalidConfiguration: an untrusted configuration token failed
	// validation. Raised before any process is spawned, never sanitized.
	ErrInvalidConfiguration = errors.New("invalid executor configuration")
	// ErrSpawnFailure: the OS could not create the agent process.
	ErrSpawnFailure = errors.New("failed to spawn agent process")
)

type Availability string

const (
	InstallationFound Availability = "found"
	NotFound          Availability = "not_found"
)

// Executor is the per-provider capability: spawn fresh, spawn against a
// prior session, attach log normalization, report availability.
type Executor interface {
	Spawn(workdir, prompt string, env []string) (*Session, error)
	SpawnFollowUp(workdir, prompt, sessionID string, env []string) (*Session, error)
	NormalizeLogs(sess *Session, sink *msgstore.Store, workdir string)
	Availability() Availability
	UseApprovals(svc approvals.Service)
}

// Profile is the discriminated configuration value selecting and tuning a
// variant.
type Profile struct {
	Variant                    string `mapstructure:"variant"`
	Provider                   string `mapstructure:"provider"`
	Model                      string `mapstructure:"model"`
	Approvals                  bool   `mapstructure:"approvals"`
	DangerouslySkipPermissions bool   `mapstructure:"dangerously_skip_permissions"`
	AppendPrompt               string `mapstructure:"append_prompt"`
}

// Resolve turns a profile into a configured executor. Unknown variants are
// an InvalidConfiguration, reported before anything runs.
func Resolve(p Profile) (Executor, error) {
	switch p.Variant {
	case "claude", "":
		return NewClaude(p), nil
	case "ccs":
		return NewCcs(p)
	default:
		return nil, fmt.Errorf("%w: unknown executor variant %q", ErrInvalidConfiguration, p.Variant)
	}
}

// tokenRe is the allow-list for configuration tokens that end up on the
// command line: anything outside letters, digits, and underscore is
// rejected outright. Command-injection guard, do not widen.
var tokenRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

func validateToken(kind, token string) error {
	if !tokenRe.MatchString(token) {
		return fmt.Errorf("%w: %s %q must be alphanumeric", ErrInvalidConfiguration, kind, token)
	}
	return nil
}

func probe(program string) Availability {
	if _, err := exec.LookPath(program); err != nil {
		return NotFound
	}
	return InstallationFound
}
