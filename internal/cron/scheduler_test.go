package cron_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/JasdewStarfield/nanobot/internal/cron"
	"github.com/JasdewStarfield/nanobot/internal/cron/crontest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	store    *cron.Store
	sched    *cron.Scheduler
	handler  *crontest.Handler
	observer *crontest.Observer
	clock    *clock
	t0       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	c := &clock{now: t0}
	store, err := cron.NewStore(cron.StoreConfig{Path: filepath.Join(t.TempDir(), "jobs.json"), Now: c.Now})
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{store: store, handler: &crontest.Handler{}, observer: &crontest.Observer{}, clock: c, t0: t0}
	f.sched, err = cron.New(cron.Config{
		Store:    store,
		Handler:  f.handler.Handle,
		Observer: f.observer,
		Now:      c.Now,
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) at(d time.Duration) { f.clock.Set(f.t0.Add(d)) }

func (f *fixture) get(t *testing.T, id string) cron.Job {
	t.Helper()
	j, err := f.store.Get(id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return j
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := cron.New(cron.Config{}); err == nil {
		t.Error("expected error without store")
	}
	store, _ := cron.NewStore(cron.StoreConfig{Path: filepath.Join(t.TempDir(), "j.json")})
	if _, err := cron.New(cron.Config{Store: store}); !errors.Is(err, cron.ErrNoHandler) {
		t.Errorf("err = %v, want ErrNoHandler", err)
	}
}

func TestScheduler_EveryFiresAndAdvances(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	job, err := f.store.AddJob("minutely", cron.Every(time.Minute), cron.Payload{Message: "tick"})
	if err != nil {
		t.Fatal(err)
	}

	f.at(30 * time.Second)
	f.sched.Tick(context.Background())
	if f.handler.Count() != 0 {
		t.Fatal("job fired before it was due")
	}

	f.at(time.Minute)
	f.sched.Tick(context.Background())
	if f.handler.Count() != 1 {
		t.Fatalf("dispatches = %d, want 1", f.handler.Count())
	}
	if got := f.handler.Jobs()[0]; got.ID != job.ID || got.Payload.Message != "tick" {
		t.Errorf("dispatched %+v", got)
	}

	got := f.get(t, job.ID)
	wantNext := f.t0.Add(2 * time.Minute).UnixMilli()
	if got.State.NextRunAtMs != wantNext {
		t.Errorf("NextRunAtMs = %d, want %d", got.State.NextRunAtMs, wantNext)
	}
	if got.State.LastStatus != cron.StatusOK || got.State.LastRunAtMs != f.t0.Add(time.Minute).UnixMilli() {
		t.Errorf("state = %+v", got.State)
	}
	if got.UpdatedAtMs != f.t0.Add(time.Minute).UnixMilli() {
		t.Errorf("UpdatedAtMs = %d, want tick time", got.UpdatedAtMs)
	}

	// Same instant again: nothing due.
	f.sched.Tick(context.Background())
	if f.handler.Count() != 1 {
		t.Errorf("dispatches = %d, want 1", f.handler.Count())
	}
}

func TestScheduler_EveryMissedIntervalsFireOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	job, err := f.store.AddJob("every", cron.Every(60*time.Second), cron.Payload{Message: "m"})
	if err != nil {
		t.Fatal(err)
	}

	// Due at t0+60s; the process comes back at t0+200s.
	f.at(200 * time.Second)
	f.sched.Tick(context.Background())
	f.sched.Tick(context.Background())
	if f.handler.Count() != 1 {
		t.Fatalf("dispatches = %d, want exactly 1 (no burst catch-up)", f.handler.Count())
	}
	if got := f.get(t, job.ID).State.NextRunAtMs; got != f.t0.Add(260*time.Second).UnixMilli() {
		t.Errorf("NextRunAtMs = %d, want now+60s", got)
	}

	f.at(260 * time.Second)
	f.sched.Tick(context.Background())
	if f.handler.Count() != 2 {
		t.Errorf("dispatches = %d, want 2 after resuming cadence", f.handler.Count())
	}
}

func TestScheduler_AtRemovedAfterSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	job, err := f.store.AddJob("once", cron.At(f.t0.Add(time.Hour)), cron.Payload{Message: "remind"})
	if err != nil {
		t.Fatal(err)
	}

	f.at(time.Hour)
	f.sched.Tick(context.Background())
	f.sched.Tick(context.Background())

	if f.handler.Count() != 1 {
		t.Fatalf("dispatches = %d, want 1", f.handler.Count())
	}
	jobs, _ := f.store.ListJobs(true)
	if len(jobs) != 0 {
		t.Errorf("jobs after dispatch = %v, want none", jobs)
	}
	runs := f.observer.Runs()
	if len(runs) != 1 || !runs[0].Removed || runs[0].Job.ID != job.ID {
		t.Errorf("runs = %+v", runs)
	}
}

func TestScheduler_AtRetriedAfterFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	job, err := f.store.AddJob("once", cron.At(f.t0.Add(time.Minute)), cron.Payload{Message: "remind"})
	if err != nil {
		t.Fatal(err)
	}

	f.handler.Err = errors.New("agent busy")
	f.at(time.Minute)
	f.sched.Tick(context.Background())

	got := f.get(t, job.ID)
	if got.State.LastStatus != cron.StatusError || got.State.LastError != "agent busy" {
		t.Errorf("state = %+v, want recorded failure", got.State)
	}
	if got.State.NextRunAtMs != job.State.NextRunAtMs {
		t.Errorf("NextRunAtMs moved to %d on failure", got.State.NextRunAtMs)
	}

	f.handler.Err = nil
	f.at(time.Minute + time.Second)
	f.sched.Tick(context.Background())

	if f.handler.Count() != 2 {
		t.Fatalf("dispatches = %d, want retry", f.handler.Count())
	}
	if _, err := f.store.Get(job.ID); !errors.Is(err, cron.ErrJobNotFound) {
		t.Errorf("job still present after successful retry: %v", err)
	}
}

func TestScheduler_EveryAdvancesOnFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	job, err := f.store.AddJob("flaky", cron.Every(time.Minute), cron.Payload{Message: "m"})
	if err != nil {
		t.Fatal(err)
	}
	f.handler.Err = errors.New("boom")

	f.at(time.Minute)
	f.sched.Tick(context.Background())
	f.sched.Tick(context.Background())

	if f.handler.Count() != 1 {
		t.Errorf("dispatches = %d, want 1 (failure must not refire at polling rate)", f.handler.Count())
	}
	got := f.get(t, job.ID)
	if got.State.NextRunAtMs != f.t0.Add(2*time.Minute).UnixMilli() {
		t.Errorf("NextRunAtMs = %d, want advanced", got.State.NextRunAtMs)
	}
	if got.State.LastStatus != cron.StatusError {
		t.Errorf("LastStatus = %q, want error", got.State.LastStatus)
	}
}

func TestScheduler_DeleteAfterRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := f.store.AddJob("first-only", cron.Every(time.Minute), cron.Payload{Message: "m"}, cron.DeleteAfterRun()); err != nil {
		t.Fatal(err)
	}

	f.at(time.Minute)
	f.sched.Tick(context.Background())

	jobs, _ := f.store.ListJobs(true)
	if len(jobs) != 0 {
		t.Errorf("jobs = %v, want removed after run", jobs)
	}
}

func TestScheduler_DisabledJobNotEvaluated(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	job, err := f.store.AddJob("daily", cron.Every(24*time.Hour), cron.Payload{Message: "ping"})
	if err != nil {
		t.Fatal(err)
	}
	disabled, err := f.store.SetEnabled(job.ID, false)
	if err != nil {
		t.Fatal(err)
	}

	f.at(48 * time.Hour)
	f.sched.Tick(context.Background())

	if f.handler.Count() != 0 {
		t.Errorf("disabled job dispatched %d times", f.handler.Count())
	}
	if got := f.get(t, job.ID); got != disabled {
		t.Errorf("disabled job changed:\n%+v\nwant\n%+v", got, disabled)
	}
}

func TestScheduler_HandlerPanicIsFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	job, err := f.store.AddJob("once", cron.At(f.t0), cron.Payload{Message: "m"})
	if err != nil {
		t.Fatal(err)
	}
	f.handler.ErrFunc = func(cron.Job) error { panic("handler bug") }

	f.sched.Tick(context.Background())

	got := f.get(t, job.ID)
	if got.State.LastStatus != cron.StatusError {
		t.Errorf("LastStatus = %q, want error after panic", got.State.LastStatus)
	}
}

func TestScheduler_RunNow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	job, err := f.store.AddJob("hourly", cron.Every(time.Hour), cron.Payload{Message: "m"})
	if err != nil {
		t.Fatal(err)
	}

	f.at(10 * time.Minute)
	if err := f.sched.RunNow(context.Background(), job.ID); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if f.handler.Count() != 1 {
		t.Fatalf("dispatches = %d, want 1", f.handler.Count())
	}
	if got := f.get(t, job.ID).State.NextRunAtMs; got != f.t0.Add(70*time.Minute).UnixMilli() {
		t.Errorf("NextRunAtMs = %d, want one interval after the manual run", got)
	}
	if runs := f.observer.Runs(); len(runs) != 1 || !runs[0].Manual {
		t.Errorf("runs = %+v, want one manual run", runs)
	}

	if err := f.sched.RunNow(context.Background(), "missing"); !errors.Is(err, cron.ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestScheduler_Status(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a, _ := f.store.AddJob("a", cron.Every(time.Hour), cron.Payload{Message: "m"})
	_, _ = f.store.AddJob("b", cron.Every(time.Minute), cron.Payload{Message: "m"}, cron.Disabled())
	c, _ := f.store.AddJob("c", cron.Every(30*time.Minute), cron.Payload{Message: "m"})

	st := f.sched.Status()
	if st.Running {
		t.Error("Running = true before Start")
	}
	if st.Jobs != 3 || st.EnabledJobs != 2 {
		t.Errorf("Jobs/EnabledJobs = %d/%d, want 3/2", st.Jobs, st.EnabledJobs)
	}
	if st.NextWakeAtMs != c.State.NextRunAtMs || c.State.NextRunAtMs >= a.State.NextRunAtMs {
		t.Errorf("NextWakeAtMs = %d, want %d", st.NextWakeAtMs, c.State.NextRunAtMs)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	t.Parallel()

	c := &clock{now: time.Now()}
	store, err := cron.NewStore(cron.StoreConfig{Path: filepath.Join(t.TempDir(), "jobs.json"), Now: c.Now})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddJob("past", cron.At(c.Now().Add(-time.Second)), cron.Payload{Message: "m"}); err != nil {
		t.Fatal(err)
	}

	fired := make(chan cron.Job, 1)
	sched, err := cron.New(cron.Config{
		Store: store,
		Tick:  10 * time.Millisecond,
		Now:   c.Now,
		Handler: func(_ context.Context, j cron.Job) error {
			fired <- j
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sched.Start(context.Background()); !errors.Is(err, cron.ErrAlreadyStarted) {
		t.Errorf("second Start err = %v, want ErrAlreadyStarted", err)
	}
	if !sched.Status().Running {
		t.Error("Running = false after Start")
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("due job was not dispatched by the loop")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sched.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := sched.Stop(ctx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}
