package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sentinel errors for the scheduler lifecycle.
var (
	ErrAlreadyStarted = errors.New("cron: scheduler already started")
	ErrNoHandler      = errors.New("cron: dispatch handler is required")
)

// AppContext service keys.
const (
	StoreServiceName     = "cron.store"
	SchedulerServiceName = "cron.scheduler"
)

const defaultTick = time.Second

// Handler receives a due job. It must return once the job has been accepted
// for dispatch, not when the agent has finished with it. A non-nil error
// means the dispatch failed this tick.
type Handler func(ctx context.Context, job Job) error

// Run describes one dispatch attempt.
type Run struct {
	Job         Job
	Manual      bool
	At          time.Time
	Err         error
	Removed     bool
	NextRunAtMs int64
}

// Observer is notified after each dispatch attempt.
type Observer interface {
	JobRun(Run)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Run)

// JobRun implements Observer.
func (f ObserverFunc) JobRun(r Run) { f(r) }

// Config configures a Scheduler.
type Config struct {
	Store    *Store
	Handler  Handler
	Tick     time.Duration // default 1s
	Observer Observer      // optional
	Logger   *slog.Logger
	Now      func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = defaultTick
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running      bool  `json:"running"`
	Jobs         int   `json:"jobs"`
	EnabledJobs  int   `json:"enabled_jobs"`
	NextWakeAtMs int64 `json:"next_wake_at_ms,omitempty"`
}

// Scheduler polls the Store and dispatches due jobs.
//
// Per job: Pending → Due → Dispatching → Rescheduled | Removed. Disabled
// jobs are never evaluated. A one-shot job is removed only after the
// handler accepted it, so a crash before dispatch keeps it for the next run.
type Scheduler struct {
	cfg Config

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// fire serializes ticks with manual runs.
	fire sync.Mutex
}

// New creates a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("cron: store is required")
	}
	if cfg.Handler == nil {
		return nil, ErrNoHandler
	}
	return &Scheduler{cfg: cfg.withDefaults()}, nil
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, s.done)

	s.cfg.Logger.Info("cron: scheduler started", "tick", s.cfg.Tick)
	return nil
}

// Stop ends the tick loop and waits for the current tick to finish, so job
// state is never left half-written. Dispatches already accepted by the
// handler are owned by the handler and keep running.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		s.cfg.Logger.Info("cron: scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cron: stopping scheduler: %w", ctx.Err())
	}
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick dispatches every enabled job that is due.
func (s *Scheduler) tick(ctx context.Context) {
	s.fire.Lock()
	defer s.fire.Unlock()

	jobs, err := s.cfg.Store.ListJobs(false)
	if err != nil {
		s.cfg.Logger.Error("cron: listing jobs", "error", err)
		return
	}

	now := s.cfg.Now()
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if !job.Due(now) {
			continue
		}
		s.dispatch(ctx, job, job.State.NextRunAtMs, false)
	}
}

// RunNow dispatches the job immediately, whether or not it is due or
// enabled, and applies the same bookkeeping as a scheduled fire. It returns
// the handler's error.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.fire.Lock()
	defer s.fire.Unlock()

	job, err := s.cfg.Store.Get(id)
	if err != nil {
		return err
	}
	return s.dispatch(ctx, job, s.cfg.Now().UnixMilli(), true)
}

func (s *Scheduler) dispatch(ctx context.Context, job Job, scheduledMs int64, manual bool) error {
	logger := s.cfg.Logger.With("job", job.ID, "name", job.Name)

	err := s.invoke(ctx, job)
	now := s.cfg.Now()
	nowMs := now.UnixMilli()
	run := Run{Job: job, Manual: manual, At: now, Err: err}

	switch {
	case err == nil && job.OneShot():
		rmErr := s.cfg.Store.RemoveJob(job.ID)
		if rmErr != nil && !errors.Is(rmErr, ErrJobNotFound) {
			// Kept on disk: the job fires again, which is preferred over
			// losing it.
			logger.Error("cron: removing completed job", "error", rmErr)
		} else {
			run.Removed = true
			logger.Info("cron: one-shot job dispatched and removed")
		}

	case err != nil && job.Schedule.Kind == KindAt:
		logger.Warn("cron: dispatch failed, will retry", "error", err)
		s.update(logger, job.ID, func(j *Job) {
			j.State.LastRunAtMs = nowMs
			j.State.LastStatus = StatusError
			j.State.LastError = err.Error()
		})
		run.NextRunAtMs = job.State.NextRunAtMs

	default:
		next, _ := job.Schedule.NextRun(scheduledMs, nowMs)
		if err != nil {
			logger.Warn("cron: dispatch failed, advancing schedule", "error", err)
		} else {
			logger.Info("cron: job dispatched", "next_run_at_ms", next)
		}
		s.update(logger, job.ID, func(j *Job) {
			j.State.LastRunAtMs = nowMs
			j.State.NextRunAtMs = next
			j.State.LastStatus = StatusOK
			j.State.LastError = ""
			if err != nil {
				j.State.LastStatus = StatusError
				j.State.LastError = err.Error()
			}
		})
		run.NextRunAtMs = next
	}

	if s.cfg.Observer != nil {
		s.cfg.Observer.JobRun(run)
	}
	return err
}

// invoke calls the handler, converting a panic into a dispatch failure.
func (s *Scheduler) invoke(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cron: handler panic: %v", r)
		}
	}()
	return s.cfg.Handler(ctx, job)
}

func (s *Scheduler) update(logger *slog.Logger, id string, fn func(*Job)) {
	if _, err := s.cfg.Store.Update(id, fn); err != nil {
		if errors.Is(err, ErrJobNotFound) {
			logger.Debug("cron: job removed during dispatch")
			return
		}
		logger.Error("cron: persisting job state", "error", err)
	}
}

// Status reports whether the loop runs and when the next job is due.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{Running: s.cancel != nil}
	s.mu.Unlock()

	jobs, err := s.cfg.Store.ListJobs(true)
	if err != nil {
		return st
	}
	st.Jobs = len(jobs)
	for _, j := range jobs {
		if !j.Enabled {
			continue
		}
		st.EnabledJobs++
		if next := j.State.NextRunAtMs; next > 0 && (st.NextWakeAtMs == 0 || next < st.NextWakeAtMs) {
			st.NextWakeAtMs = next
		}
	}
	return st
}
