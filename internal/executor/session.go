package executor

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/minhduc9699/vibe-kanban/internal/approvals"
	"github.com/minhduc9699/vibe-kanban/internal/logs"
	"github.com/minhduc9699/vibe-kanban/internal/msgstore"
	"github.com/minhduc9699/vibe-kanban/internal/process"
	"github.com/minhduc9699/vibe-kanban/internal/protocol"
)

const stopGrace = 5 * time.Second

// Session is one live agent execution: the supervised process, its
// protocol peer, and the lifecycle state shared between them.
type Session struct {
	Child *process.Child
	Peer  *protocol.Peer

	mu        sync.Mutex
	agentSess string
	err       error

	done     chan struct{}
	doneOnce sync.Once
}

// Interrupt requests cooperative shutdown over the protocol and, without
// waiting for it, force-terminates the process group. Idempotent.
func (s *Session) Interrupt() {
	s.Child.Interrupt()
	go s.Child.Stop(stopGrace)
}

// Done is closed when the handshake-and-drain goroutine has finished and
// the process has been reaped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports the session outcome once Done is closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SessionID returns the agent-announced session identifier, empty until
// the init event arrives.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentSess
}

func (s *Session) setSessionID(id string) {
	s.mu.Lock()
	s.agentSess = id
	s.mu.Unlock()
}

func (s *Session) finish(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// launcher is the protocol-driving logic shared by every variant: spawn
// the group, start the peer, run initialize → set-mode → prompt, then
// drain until end of stream or interrupt.
type launcher struct {
	program string
	args    []string
	workdir string
	env     []string

	hooks       map[string]any
	mode        protocol.PermissionMode
	prompt      string
	approvals   approvals.Service
	onToolAsked func(approvals.Request)
	log         *slog.Logger
}

func (l launcher) launch() (*Session, error) {
	child, err := process.Spawn(process.Spec{
		Program: l.program,
		Args:    l.args,
		Dir:     l.workdir,
		Env:     l.env,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}

	peer := protocol.Start(protocol.Config{
		Stdin:               child.Stdin,
		Stdout:              child.Stdout,
		Interrupt:           child.InterruptSignal(),
		Approvals:           l.approvals,
		DefaultMode:         l.mode,
		OnPermissionRequest: l.onToolAsked,
		Logger:              l.log,
	})

	sess := &Session{
		Child: child,
		Peer:  peer,
		done:  make(chan struct{}),
	}

	go l.drive(sess)

	return sess, nil
}

func (l launcher) drive(sess *Session) {
	child, peer := sess.Child, sess.Peer

	if err := peer.Initialize(l.hooks); err != nil {
		l.log.Error("control protocol initialize failed", "error", err)
		child.Stop(stopGrace)
		sess.finish(err)
		return
	}

	if err := peer.SetPermissionMode(l.mode); err != nil {
		// Non-fatal: the agent keeps running under its default mode.
		l.log.Warn("could not set permission mode", "mode", l.mode, "error", err)
	}

	if err := peer.SendUserMessage(l.prompt); err != nil {
		l.log.Error("failed to send prompt", "error", err)
		child.Stop(stopGrace)
		sess.finish(err)
		return
	}

	// Steady state: the peer drains events until the stream closes or the
	// interrupt fires. The forceful kill on interrupt comes from
	// Session.Interrupt, independent of the peer's cooperative stop.
	<-peer.Done()
	err := peer.Err()

	waitErr := child.Wait()
	if err == nil && waitErr != nil {
		err = fmt.Errorf("agent exited abnormally: %w", waitErr)
	}

	sess.finish(err)
}

// normalizeSessionLogs fans the session's streams into the sink under one
// shared index: structured events from the protocol branch, classified
// diagnostics from stderr, and a raw stdout transcript on disk.
func normalizeSessionLogs(sess *Session, sink *msgstore.Store, workdir string) {
	idx := logs.StartFrom(sink)

	go func() {
		logs.ProcessEvents(sess.Peer.Events(), sink, idx, sess.setSessionID)
	}()
	go func() {
		logs.NormalizeStderr(sess.Child.Stderr, sink, idx)
	}()
	go drainRawLogs(sess.Child.RawLogs, workdir)

	go func() {
		<-sess.Done()
		sink.Push(msgstore.Entry{
			Index:   idx.Next(),
			Kind:    msgstore.KindFinished,
			Payload: "session finished",
			Time:    time.Now(),
		})
		sink.Close()
	}()
}

// drainRawLogs keeps an unparsed stdout transcript next to the work, and
// keeps the duplicated branch flowing even when the file cannot be made.
func drainRawLogs(r io.Reader, workdir string) {
	dir := filepath.Join(workdir, ".vibe-kanban")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		io.Copy(io.Discard, r)
		return
	}
	f, err := os.Create(filepath.Join(dir, "agent-stdout.log"))
	if err != nil {
		io.Copy(io.Discard, r)
		return
	}
	defer f.Close()
	io.Copy(f, r)
}
