// Package crontest provides test doubles for the cron package.
package crontest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JasdewStarfield/nanobot/internal/cron"
)

// Handler records dispatched jobs. Err, when set, is returned for every
// call; ErrFunc takes precedence and decides per job.
type Handler struct {
	Err     error
	ErrFunc func(job cron.Job) error

	mu   sync.Mutex
	jobs []cron.Job
}

// Handle is a cron.Handler.
func (h *Handler) Handle(_ context.Context, job cron.Job) error {
	h.mu.Lock()
	h.jobs = append(h.jobs, job)
	h.mu.Unlock()

	if h.ErrFunc != nil {
		return h.ErrFunc(job)
	}
	return h.Err
}

// Jobs returns a copy of the dispatched jobs in call order.
func (h *Handler) Jobs() []cron.Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]cron.Job, len(h.jobs))
	copy(out, h.jobs)
	return out
}

// Count returns the number of dispatches.
func (h *Handler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.jobs)
}

// Observer records every cron.Run it is notified of.
type Observer struct {
	mu   sync.Mutex
	runs []cron.Run
}

var _ cron.Observer = (*Observer)(nil)

// JobRun implements cron.Observer.
func (o *Observer) JobRun(r cron.Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs = append(o.runs, r)
}

// Runs returns a copy of the recorded runs.
func (o *Observer) Runs() []cron.Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]cron.Run, len(o.runs))
	copy(out, o.runs)
	return out
}

// MockTask is a configurable test double for cron.Task.
type MockTask struct {
	NameVal string
	SpecVal string
	RunFunc func(ctx context.Context) error

	calls    atomic.Int32
	mu       sync.Mutex
	lastCall time.Time
}

var _ cron.Task = (*MockTask)(nil)

// Name implements cron.Task.
func (m *MockTask) Name() string { return m.NameVal }

// Spec implements cron.Task.
func (m *MockTask) Spec() string { return m.SpecVal }

// Run implements cron.Task and increments the call counter.
func (m *MockTask) Run(ctx context.Context) error {
	m.calls.Add(1)
	m.mu.Lock()
	m.lastCall = time.Now()
	m.mu.Unlock()
	if m.RunFunc != nil {
		return m.RunFunc(ctx)
	}
	return nil
}

// CallCount returns the number of times Run was called.
func (m *MockTask) CallCount() int { return int(m.calls.Load()) }

// LastCall returns the time of the last Run call.
func (m *MockTask) LastCall() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCall
}
