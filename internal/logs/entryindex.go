package logs

import (
	"sync/atomic"

	"github.com/minhduc9699/vibe-kanban/internal/msgstore"
)

// EntryIndexProvider hands out strictly increasing entry indexes. One
// provider is shared by every stream of a session so entries from stdout
// and stderr interleave in true chronological order.
type EntryIndexProvider struct {
	counter atomic.Int64
}

func NewEntryIndexProvider() *EntryIndexProvider {
	return &EntryIndexProvider{}
}

// StartFrom seeds the counter past whatever the store already holds, so a
// resumed session keeps appending instead of reusing indexes.
func StartFrom(store *msgstore.Store) *EntryIndexProvider {
	p := &EntryIndexProvider{}
	p.counter.Store(int64(store.Len()))
	return p
}

func (p *EntryIndexProvider) Next() int {
	return int(p.counter.Add(1)) - 1
}

func (p *EntryIndexProvider) Current() int {
	return int(p.counter.Load())
}
