package engine

import (
	"sort"
	"sync"
)

// BusySet tracks sessions with a turn in flight. A session in the set
// rejects new turns until the running one releases it.
type BusySet struct {
	mu sync.Mutex
	in map[string]struct{}
}

// NewBusySet returns an empty busy set.
func NewBusySet() *BusySet {
	return &BusySet{in: make(map[string]struct{})}
}

// TryAcquire claims the session for one turn. Returns false when a turn is
// already running.
func (b *BusySet) TryAcquire(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.in[name]; ok {
		return false
	}
	b.in[name] = struct{}{}
	return true
}

// Release frees the session. Safe to call for a session not in the set.
func (b *BusySet) Release(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.in, name)
}

// Busy reports whether the session has a turn in flight.
func (b *BusySet) Busy(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.in[name]
	return ok
}

// Names returns the busy session names, sorted.
func (b *BusySet) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.in))
	for name := range b.in {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
