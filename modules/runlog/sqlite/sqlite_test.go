package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/JasdewStarfield/nanobot/internal/core"
	"github.com/JasdewStarfield/nanobot/internal/runlog"
)

func newTestModule(t *testing.T) (*Module, *core.AppContext) {
	t.Helper()

	dir := t.TempDir()
	m := &Module{
		config: Config{
			Path:        filepath.Join(dir, "test.db"),
			BusyTimeout: defaultBusyTimeout,
		},
	}
	m.config.defaults()

	ctx := core.NewAppContext(slog.Default(), dir, dir)

	if err := m.Provision(ctx); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	t.Cleanup(func() {
		_ = m.Stop(context.Background())
	})

	return m, ctx
}

func entryAt(i int, base time.Time, key, job string) runlog.Entry {
	return runlog.Entry{
		ID:         fmt.Sprintf("run-%d", i),
		SessionKey: key,
		Source:     "cron",
		JobID:      job,
		StartedAt:  base.Add(time.Duration(i) * time.Minute),
		Duration:   1500 * time.Millisecond,
		Status:     runlog.StatusOK,
	}
}

func TestProvisionRegistersService(t *testing.T) {
	m, ctx := newTestModule(t)

	svc, ok := ctx.GetService(runlog.ServiceName)
	if !ok {
		t.Fatal("runlog.store service not registered")
	}
	if svc.(runlog.Store) != m.Store() {
		t.Error("registered service is not the module store")
	}
}

func TestRecordAndList(t *testing.T) {
	m, _ := newTestModule(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	for i := range 5 {
		key, job := "cron:a1b2c3d4", "a1b2c3d4"
		if i%2 == 1 {
			key, job = "heartbeat", ""
		}
		if err := m.Store().Record(ctx, entryAt(i, base, key, job)); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	failed := entryAt(9, base, "heartbeat", "")
	failed.Status = runlog.StatusError
	failed.Error = "agent: timeout"
	if err := m.Store().Record(ctx, failed); err != nil {
		t.Fatalf("record failed run: %v", err)
	}

	all, err := m.Store().List(ctx, runlog.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("len = %d, want 6", len(all))
	}
	if all[0].ID != "run-9" {
		t.Errorf("newest = %q, want run-9", all[0].ID)
	}
	if all[0].Status != runlog.StatusError || all[0].Error != "agent: timeout" {
		t.Errorf("newest entry = %+v", all[0])
	}
	if all[1].Duration != 1500*time.Millisecond {
		t.Errorf("duration = %s, want 1.5s", all[1].Duration)
	}
	if !all[len(all)-1].StartedAt.Equal(base) {
		t.Errorf("oldest started = %s, want %s", all[len(all)-1].StartedAt, base)
	}

	jobRuns, err := m.Store().List(ctx, runlog.Filter{JobID: "a1b2c3d4"})
	if err != nil {
		t.Fatalf("list by job: %v", err)
	}
	if len(jobRuns) != 3 {
		t.Errorf("job runs = %d, want 3", len(jobRuns))
	}

	limited, err := m.Store().List(ctx, runlog.Filter{SessionKey: "heartbeat", Limit: 2})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != "run-9" || limited[1].ID != "run-3" {
		t.Errorf("limited = %+v", limited)
	}
}

func TestPrune(t *testing.T) {
	m, _ := newTestModule(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	for i := range 4 {
		if err := m.Store().Record(ctx, entryAt(i, base, "heartbeat", "")); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	n, err := m.Store().Prune(ctx, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}

	rest, err := m.Store().List(ctx, runlog.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rest) != 2 {
		t.Errorf("remaining = %d, want 2", len(rest))
	}
}

func TestReopenKeepsEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "runs.db")
	ctx := context.Background()

	s, err := Open(ctx, path, true, defaultBusyTimeout)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Record(ctx, entryAt(0, time.Now(), "heartbeat", "")); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(ctx, path, true, defaultBusyTimeout)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s.Close() }()

	got, err := s.List(ctx, runlog.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("len = %d, want 1", len(got))
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	c := Config{BusyTimeout: -1}
	if err := c.validate(); err == nil {
		t.Error("negative busy_timeout accepted")
	}
	c = Config{}
	c.defaults()
	if !c.walEnabled() || c.BusyTimeout != defaultBusyTimeout || c.Retention != defaultRetention {
		t.Errorf("defaults = %+v", c)
	}
}
