package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/minhduc9699/vibe-kanban/internal/approvals"
)

const defaultRequestTimeout = 30 * time.Second

// Config wires one Peer to one spawned process.
type Config struct {
	Stdin     io.WriteCloser
	Stdout    io.Reader
	Interrupt <-chan struct{}

	// Approvals decides permission requests. When nil, requests are
	// answered from DefaultMode without an external round-trip.
	Approvals   approvals.Service
	DefaultMode PermissionMode

	// SessionID tags approval requests; may be empty before the agent
	// announces one.
	SessionID string

	// OnPermissionRequest observes every permission request before it is
	// decided. Optional.
	OnPermissionRequest func(approvals.Request)

	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Peer drives the bidirectional control protocol with a spawned agent:
// framed requests out over stdin, framed events and replies in over
// stdout. One Peer per process.
type Peer struct {
	cfg Config
	log *slog.Logger

	writeMu sync.Mutex

	events chan json.RawMessage
	lines  chan []byte
	done   chan struct{}

	pendingMu sync.Mutex
	pending   map[string]chan controlResponse

	nextID      atomic.Int64
	interrupted atomic.Bool
	err         error
}

// Start launches the read loop. The caller must eventually drain Events
// until it closes.
func Start(cfg Config) *Peer {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Peer{
		cfg:     cfg,
		log:     cfg.Logger,
		events:  make(chan json.RawMessage, 256),
		lines:   make(chan []byte, 64),
		done:    make(chan struct{}),
		pending: map[string]chan controlResponse{},
	}

	go p.readLines()
	go p.dispatch()

	return p
}

// Events yields every non-control message the agent emits, in arrival
// order. Closed when the session ends.
func (p *Peer) Events() <-chan json.RawMessage {
	return p.events
}

// Done is closed once the read loop has exited and Events is closed.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Err reports why the session ended. Nil on clean end-of-stream.
func (p *Peer) Err() error {
	<-p.done
	return p.err
}

// readLines moves raw frames from the process's stdout onto an internal
// channel so dispatch can select over frames and the interrupt together.
func (p *Peer) readLines() {
	defer close(p.lines)

	scanner := bufio.NewScanner(p.cfg.Stdout)
	scanner.Buffer(make([]byte, 0, 256*1024), 16*1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		select {
		case p.lines <- line:
		case <-p.cfg.Interrupt:
			return
		}
	}
}

func (p *Peer) dispatch() {
	defer func() {
		close(p.events)
		p.failPending(ErrStreamClosed)
		close(p.done)
	}()

	for {
		select {
		case <-p.cfg.Interrupt:
			p.onInterrupt()
			return
		case line, ok := <-p.lines:
			if !ok {
				return
			}
			p.handleLine(line)
		}
	}
}

// onInterrupt stops issuing protocol requests and sends one best-effort
// stop message. The supervisor's group kill does not depend on it landing.
func (p *Peer) onInterrupt() {
	if !p.interrupted.CompareAndSwap(false, true) {
		return
	}
	p.err = ErrInterrupted
	id := p.requestID()
	if err := p.writeFrame(envelope{
		Type:      "control_request",
		RequestID: id,
		Request:   &controlRequest{Subtype: "interrupt"},
	}); err != nil {
		p.log.Debug("interrupt message not delivered", "error", err)
	}
}

func (p *Peer) handleLine(line []byte) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		// Not a frame; forward as an opaque event so nothing is lost.
		p.forwardEvent(json.RawMessage(line))
		return
	}

	switch env.Type {
	case "control_response":
		if env.Response != nil {
			p.resolvePending(*env.Response)
		}
	case "control_request":
		p.handleControlRequest(env)
	default:
		p.forwardEvent(json.RawMessage(line))
	}
}

func (p *Peer) forwardEvent(raw json.RawMessage) {
	select {
	case p.events <- raw:
	case <-p.cfg.Interrupt:
	}
}

// handleControlRequest answers agent-initiated requests. The decision is
// written back before the next frame is read, so the agent never sees
// reordered replies.
func (p *Peer) handleControlRequest(env envelope) {
	if env.Request == nil {
		return
	}

	switch env.Request.Subtype {
	case "can_use_tool":
		result := p.decidePermission(env.Request)
		p.respond(env.RequestID, result)
	default:
		p.log.Warn("unhandled control request", "subtype", env.Request.Subtype)
		p.respondError(env.RequestID, fmt.Sprintf("unsupported request subtype: %s", env.Request.Subtype))
	}
}

func (p *Peer) decidePermission(req *controlRequest) permissionResult {
	areq := approvals.Request{
		ToolName:  req.ToolName,
		Input:     req.Input,
		SessionID: p.cfg.SessionID,
	}

	if p.cfg.OnPermissionRequest != nil {
		p.cfg.OnPermissionRequest(areq)
	}

	if p.cfg.Approvals == nil {
		// No collaborator attached: fall back to the invocation's default
		// permission mode.
		switch p.cfg.DefaultMode {
		case PermissionBypass, PermissionAcceptEdits:
			return permissionResult{Behavior: string(approvals.Allow)}
		default:
			return permissionResult{
				Behavior: string(approvals.Deny),
				Message:  fmt.Sprintf("no approval service attached and permission mode is %s", p.cfg.DefaultMode),
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RequestTimeout)
	defer cancel()

	decision, err := p.cfg.Approvals.Decide(ctx, areq)
	if err != nil {
		p.log.Error("approval decision failed", "tool", req.ToolName, "error", err)
		return permissionResult{Behavior: string(approvals.Deny), Message: fmt.Sprintf("approval error: %v", err)}
	}
	return permissionResult{Behavior: string(decision.Behavior), Message: decision.Message}
}

func (p *Peer) respond(requestID string, result permissionResult) {
	raw, err := json.Marshal(result)
	if err != nil {
		p.log.Error("failed to encode permission result", "error", err)
		return
	}
	frame := envelope{
		Type: "control_response",
		Response: &controlResponse{
			Subtype:   "success",
			RequestID: requestID,
			Response:  raw,
		},
	}
	if err := p.writeFrame(frame); err != nil {
		p.log.Error("failed to write permission decision", "error", err)
	}
}

func (p *Peer) respondError(requestID, message string) {
	frame := envelope{
		Type: "control_response",
		Response: &controlResponse{
			Subtype:   "error",
			RequestID: requestID,
			Error:     message,
		},
	}
	if err := p.writeFrame(frame); err != nil {
		p.log.Error("failed to write error response", "error", err)
	}
}

// Initialize performs the first handshake step, optionally registering
// hook configuration. A failure here is fatal to the invocation; there is
// no retry.
func (p *Peer) Initialize(hooks map[string]any) error {
	_, err := p.roundTrip(&controlRequest{Subtype: "initialize", Hooks: hooks})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return nil
}

// SetPermissionMode asks the agent to switch modes. Callers treat failure
// as a warning; the agent keeps running under its default mode.
func (p *Peer) SetPermissionMode(mode PermissionMode) error {
	_, err := p.roundTrip(&controlRequest{Subtype: "set_permission_mode", Mode: mode})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModeFailed, err)
	}
	return nil
}

// SendUserMessage streams the prompt as a user turn. Fire-and-forget on
// the wire; the agent's work arrives as events.
func (p *Peer) SendUserMessage(text string) error {
	if p.interrupted.Load() {
		return fmt.Errorf("%w: %v", ErrSendFailed, ErrInterrupted)
	}
	raw, err := json.Marshal(userMessage{Role: "user", Content: text})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if err := p.writeFrame(envelope{Type: "user", Message: raw}); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

func (p *Peer) requestID() string {
	return fmt.Sprintf("req_%d", p.nextID.Add(1))
}

// roundTrip sends one control request and waits, bounded, for its reply.
// Interrupt and stream close both abort the wait.
func (p *Peer) roundTrip(req *controlRequest) (controlResponse, error) {
	if p.interrupted.Load() {
		return controlResponse{}, ErrInterrupted
	}

	id := p.requestID()
	respCh := make(chan controlResponse, 1)

	p.pendingMu.Lock()
	p.pending[id] = respCh
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
	}()

	if err := p.writeFrame(envelope{Type: "control_request", RequestID: id, Request: req}); err != nil {
		return controlResponse{}, err
	}

	timer := time.NewTimer(p.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Subtype == "error" {
			return resp, fmt.Errorf("agent rejected %s: %s", req.Subtype, resp.Error)
		}
		return resp, nil
	case <-timer.C:
		return controlResponse{}, fmt.Errorf("timed out waiting for %s response", req.Subtype)
	case <-p.cfg.Interrupt:
		return controlResponse{}, ErrInterrupted
	case <-p.done:
		return controlResponse{}, ErrStreamClosed
	}
}

func (p *Peer) resolvePending(resp controlResponse) {
	p.pendingMu.Lock()
	ch, ok := p.pending[resp.RequestID]
	p.pendingMu.Unlock()
	if !ok {
		p.log.Debug("response for unknown request", "request_id", resp.RequestID)
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func (p *Peer) failPending(err error) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	for id, ch := range p.pending {
		select {
		case ch <- controlResponse{Subtype: "error", RequestID: id, Error: err.Error()}:
		default:
		}
	}
}

func (p *Peer) writeFrame(frame envelope) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err = p.cfg.Stdin.Write(raw)
	return err
}
