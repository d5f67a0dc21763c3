// Package runlog records one entry per dispatch turn so operators can see
// what ran, when, and whether it failed.
package runlog

import (
	"context"
	"time"
)

// Status is the outcome of a run.
type Status string

// Run outcomes.
const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Entry is one dispatch turn.
type Entry struct {
	ID         string        `json:"id"`
	SessionKey string        `json:"session_key"`
	Source     string        `json:"source"`
	JobID      string        `json:"job_id,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration_ns"`
	Status     Status        `json:"status"`
	Error      string        `json:"error,omitempty"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	SessionKey string
	JobID      string
	// Limit caps the number of entries, newest first. Zero means DefaultLimit.
	Limit int
}

// DefaultLimit bounds List when Filter.Limit is zero.
const DefaultLimit = 50

// EffectiveLimit returns the result cap of f.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultLimit
	}
	return f.Limit
}

// Match reports whether e satisfies f.
func (f Filter) Match(e Entry) bool {
	if f.SessionKey != "" && e.SessionKey != f.SessionKey {
		return false
	}
	if f.JobID != "" && e.JobID != f.JobID {
		return false
	}
	return true
}

// ServiceName is the AppContext service key of the active Store.
const ServiceName = "runlog.store"

// Store persists run entries.
// Implementations must be safe for concurrent use.
type Store interface {
	// Record appends an entry.
	Record(ctx context.Context, e Entry) error

	// List returns matching entries, newest first.
	List(ctx context.Context, f Filter) ([]Entry, error)

	// Prune deletes entries started before cutoff and returns how many
	// were removed.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}
