package gateway

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/JasdewStarfield/nanobot/internal/cron"
	"github.com/JasdewStarfield/nanobot/internal/dispatch"
	"github.com/JasdewStarfield/nanobot/internal/dispatch/dispatchtest"
	"github.com/JasdewStarfield/nanobot/internal/metrics"
	"github.com/JasdewStarfield/nanobot/internal/runlog"
	"github.com/JasdewStarfield/nanobot/internal/security"
	"github.com/JasdewStarfield/nanobot/internal/security/securitytest"
	"github.com/JasdewStarfield/nanobot/internal/session"
)

const testToken = "test-token"

// fixture wires a gateway to real stores, a runner with a scripted agent
// and a scheduler that submits jobs to the runner.
type fixture struct {
	g         *Gateway
	srv       *httptest.Server
	sessions  *session.Store
	jobs      *cron.Store
	runner    *dispatch.Runner
	scheduler *cron.Scheduler
	agent     *dispatchtest.Agent
	runs      *runlog.MemoryStore
	metrics   *metrics.Metrics
	audit     func() []security.AuditEvent
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sessions, err := session.NewStore(session.Config{Dir: filepath.Join(dir, "sessions"), Logger: logger})
	if err != nil {
		t.Fatalf("session.NewStore: %v", err)
	}
	jobs, err := cron.NewStore(cron.StoreConfig{Path: filepath.Join(dir, "cron", "jobs.json"), Logger: logger})
	if err != nil {
		t.Fatalf("cron.NewStore: %v", err)
	}

	f := &fixture{
		sessions: sessions,
		jobs:     jobs,
		agent:    &dispatchtest.Agent{},
		runs:     runlog.NewMemoryStore(0),
		metrics:  metrics.New(),
	}
	f.runner, err = dispatch.NewRunner(dispatch.Config{
		Sessions: sessions,
		Agent:    f.agent,
		Recorder: f.runs,
		Metrics:  f.metrics,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	f.scheduler, err = cron.New(cron.Config{
		Store: jobs,
		Handler: func(_ context.Context, job cron.Job) error {
			return f.runner.Submit(dispatch.Request{
				SessionKey: job.SessionKey(),
				Prompt:     job.Payload.Message,
				Kind:       dispatch.Kind(job.Payload.Kind),
				Source:     dispatch.SourceCron,
				JobID:      job.ID,
			})
		},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("cron.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.runner.Close(ctx)
	})

	audit, events := securitytest.NewTestAuditLogger()
	f.audit = events

	cfg.defaults()
	f.g = &Gateway{
		config:  cfg,
		logger:  logger,
		now:     time.Now,
		events:  NewEventHub(logger),
		limiter: security.NewRateLimiter(cfg.RateLimit),
		svc: services{
			sessions:  sessions,
			runner:    f.runner,
			jobs:      jobs,
			scheduler: f.scheduler,
			runs:      f.runs,
			metrics:   f.metrics,
			audit:     audit,
		},
	}
	f.g.startedAt = f.g.now()

	handler, err := f.g.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter: %v", err)
	}
	f.srv = httptest.NewServer(handler)
	t.Cleanup(f.srv.Close)
	t.Cleanup(f.g.events.Close)
	return f
}

// do sends an authenticated request with an optional JSON body.
func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func authed() Config {
	return Config{Auth: AuthConfig{BearerToken: testToken}}
}
