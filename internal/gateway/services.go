package gateway

import (
	"context"

	"github.com/JasdewStarfield/nanobot/internal/core"
	"github.com/JasdewStarfield/nanobot/internal/cron"
	"github.com/JasdewStarfield/nanobot/internal/dispatch"
	"github.com/JasdewStarfield/nanobot/internal/heartbeat"
	"github.com/JasdewStarfield/nanobot/internal/mcptools"
	"github.com/JasdewStarfield/nanobot/internal/metrics"
	"github.com/JasdewStarfield/nanobot/internal/runlog"
	"github.com/JasdewStarfield/nanobot/internal/security"
	"github.com/JasdewStarfield/nanobot/internal/session"
)

// SessionStore is the session persistence the admin API needs.
type SessionStore interface {
	ListSessions() ([]session.Info, error)
	Save(sess *session.Session) error
	Invalidate(key string)
}

// Runner accepts dispatch requests and serializes session access.
type Runner interface {
	dispatch.Submitter
	WithLane(key string, fn func(*session.Session) error) error
	InFlight() int
}

// JobStore is the job persistence the admin API needs.
type JobStore interface {
	mcptools.JobStore
	Get(id string) (cron.Job, error)
}

// Scheduler runs jobs on demand and reports its state.
type Scheduler interface {
	RunNow(ctx context.Context, id string) error
	Status() cron.Status
}

// Heartbeat is the periodic wake-up timer.
type Heartbeat interface {
	TriggerNow() heartbeat.Outcome
	Status() heartbeat.Status
}

// services are resolved from the AppContext at Start. Every field is
// optional; routes whose service is missing answer 503.
type services struct {
	sessions  SessionStore
	runner    Runner
	jobs      JobStore
	scheduler Scheduler
	heartbeat Heartbeat
	runs      runlog.Store
	metrics   *metrics.Metrics
	audit     *security.AuditLogger
}

func resolveServices(ctx *core.AppContext) services {
	var s services
	s.sessions, _ = lookup[SessionStore](ctx, session.ServiceName)
	s.runner, _ = lookup[Runner](ctx, dispatch.ServiceName)
	s.jobs, _ = lookup[JobStore](ctx, cron.StoreServiceName)
	s.scheduler, _ = lookup[Scheduler](ctx, cron.SchedulerServiceName)
	s.heartbeat, _ = lookup[Heartbeat](ctx, heartbeat.ServiceName)
	s.runs, _ = lookup[runlog.Store](ctx, runlog.ServiceName)
	s.metrics, _ = lookup[*metrics.Metrics](ctx, metrics.ServiceName)
	s.audit, _ = lookup[*security.AuditLogger](ctx, security.AuditServiceName)
	return s
}

func lookup[T any](ctx *core.AppContext, name string) (T, bool) {
	var zero T
	svc, ok := ctx.GetService(name)
	if !ok {
		return zero, false
	}
	v, ok := svc.(T)
	return v, ok
}
