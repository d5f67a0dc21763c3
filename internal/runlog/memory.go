package runlog

import (
	"context"
	"sync"
	"time"
)

// DefaultCapacity is the ring size of a MemoryStore created with zero.
const DefaultCapacity = 1000

// MemoryStore keeps the most recent entries in a fixed-size ring.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a ring holding up to capacity entries.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{entries: make([]Entry, capacity)}
}

// Record implements Store. The oldest entry is overwritten when full.
func (s *MemoryStore) Record(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[s.next] = e
	s.next = (s.next + 1) % len(s.entries)
	if s.next == 0 {
		s.full = true
	}
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, f Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := f.EffectiveLimit()
	var out []Entry
	s.each(func(e Entry) bool {
		if f.Match(e) {
			out = append(out, e)
		}
		return len(out) < limit
	})
	return out, nil
}

// Prune implements Store.
func (s *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []Entry
	removed := 0
	s.each(func(e Entry) bool {
		if e.StartedAt.Before(cutoff) {
			removed++
		} else {
			kept = append(kept, e)
		}
		return true
	})

	// kept is newest first; rebuild oldest first.
	s.entries = make([]Entry, len(s.entries))
	s.next, s.full = 0, false
	for i := len(kept) - 1; i >= 0; i-- {
		s.entries[s.next] = kept[i]
		s.next++
	}
	if s.next == len(s.entries) {
		s.next, s.full = 0, true
	}
	return removed, nil
}

// each visits entries newest first until fn returns false.
// Must hold s.mu.
func (s *MemoryStore) each(fn func(Entry) bool) {
	n := s.next
	if s.full {
		n = len(s.entries)
	}
	for i := 1; i <= n; i++ {
		idx := (s.next - i + len(s.entries)) % len(s.entries)
		if !fn(s.entries[idx]) {
			return
		}
	}
}
