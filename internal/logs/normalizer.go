package logs

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/minhduc9699/vibe-kanban/internal/msgstore"
)

// sessionIDEvent is the slice of an agent event we care about here: the
// init event announces the agent-side session identifier.
type sessionIDEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
}

// ProcessEvents drains structured protocol events into the store, indexing
// each one. When the init event carries a session id, onSessionID is
// invoked once with it. Blocks until the channel closes.
func ProcessEvents(events <-chan json.RawMessage, store *msgstore.Store, idx *EntryIndexProvider, onSessionID func(string)) {
	announced := false
	for raw := range events {
		if !announced && onSessionID != nil {
			var ev sessionIDEvent
			if err := json.Unmarshal(raw, &ev); err == nil && ev.Type == "system" && ev.Subtype == "init" && ev.SessionID != "" {
				onSessionID(ev.SessionID)
				announced = true
			}
		}
		store.Push(msgstore.Entry{
			Index:   idx.Next(),
			Kind:    msgstore.KindEvent,
			Payload: string(raw),
			Time:    time.Now(),
		})
	}
}

// stderr noise that adds nothing to a transcript.
var stderrNoise = []string{
	"ExperimentalWarning:",
	"(node:",
	"npm warn",
	"Debugger attached",
	"Waiting for the debugger to disconnect",
}

func isNoise(line string) bool {
	for _, pattern := range stderrNoise {
		if strings.Contains(line, pattern) {
			return true
		}
	}
	return false
}

// NormalizeStderr classifies raw diagnostic output line by line: blank
// lines, known noise, and consecutive duplicates are suppressed, the rest
// is indexed and forwarded. Stderr is never parsed as protocol. Blocks
// until the reader closes.
func NormalizeStderr(r io.Reader, store *msgstore.Store, idx *EntryIndexProvider) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var last string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if line == "" || isNoise(line) {
			continue
		}
		if line == last {
			continue
		}
		last = line
		store.Push(msgstore.Entry{
			Index:   idx.Next(),
			Kind:    msgstore.KindStderr,
			Payload: line,
			Time:    time.Now(),
		})
	}
}
