package dispatch

import (
	"slices"
	"sync"
)

// LaneLock provides per-key serialization. Turns for the same conversation
// key run one at a time; turns for different keys run concurrently.
//
// A global mutex protects the lane map and is held only to look up or
// create a lane. Each lane has its own mutex. Lanes are dropped once no
// goroutine holds or waits on them, so the map only contains active keys.
type LaneLock struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

// lane counts goroutines that hold or wait on it.
type lane struct {
	mu   sync.Mutex
	refs int
}

// NewLaneLock creates a ready-to-use LaneLock.
func NewLaneLock() *LaneLock {
	return &LaneLock{lanes: make(map[string]*lane)}
}

// Acquire locks the lane for key. The caller must call Release with the
// same key when done.
func (l *LaneLock) Acquire(key string) {
	l.mu.Lock()
	ln, ok := l.lanes[key]
	if !ok {
		ln = &lane{}
		l.lanes[key] = ln
	}
	ln.refs++
	l.mu.Unlock()

	// Lock outside the global mutex so other keys are not blocked.
	ln.mu.Lock()
}

// Release unlocks the lane for key.
func (l *LaneLock) Release(key string) {
	l.mu.Lock()
	ln, ok := l.lanes[key]
	if !ok {
		l.mu.Unlock()
		return
	}
	ln.refs--
	if ln.refs == 0 {
		delete(l.lanes, key)
	}
	l.mu.Unlock()

	ln.mu.Unlock()
}

// AcquireAll locks the lanes of every distinct key in sorted order and
// returns a function that releases them. Sorted acquisition keeps two
// multi-key holders from deadlocking each other.
func (l *LaneLock) AcquireAll(keys ...string) (release func()) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	for _, k := range sorted {
		l.Acquire(k)
	}
	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			l.Release(sorted[i])
		}
	}
}

// Len returns the number of lanes currently held or awaited.
func (l *LaneLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}
