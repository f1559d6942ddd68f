// Package msgstore is the append-only ordered log target that execution
// output flows into. Entries from the structured-protocol stream and the
// diagnostic stream share one index space so consumers can interleave them
// chronologically.
package msgstore

import (
	"sync"
	"time"
)

type Kind string

const (
	KindEvent    Kind = "event"    // structured protocol payload (JSON)
	KindStderr   Kind = "stderr"   // normalized diagnostic line
	KindFinished Kind = "finished" // session end marker
)

type Entry struct {
	Index   int
	Kind    Kind
	Payload string
	Time    time.Time
}

type Store struct {
	mu      sync.Mutex
	entries []Entry
	subs    []chan Entry
	closed  bool
}

func New() *Store {
	return &Store{}
}

// Push appends an entry and fans it out to subscribers. A subscriber that
// stops draining its channel loses further entries rather than blocking
// the producer.
func (s *Store) Push(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.entries = append(s.entries, e)
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// History returns a snapshot of everything pushed so far.
func (s *Store) History() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Subscribe returns a channel of future entries. The channel closes when
// the store closes.
func (s *Store) Subscribe() <-chan Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Entry, 256)
	if s.closed {
		close(ch)
		return ch
	}
	s.subs = append(s.subs, ch)
	return ch
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close marks the session log finished and releases subscribers.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}
