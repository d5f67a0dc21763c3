package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/JasdewStarfield/nanobot/internal/cron"
	"github.com/JasdewStarfield/nanobot/internal/runlog"
	"github.com/JasdewStarfield/nanobot/internal/security"
	"github.com/JasdewStarfield/nanobot/internal/session"
)

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode %T: %v", v, err)
	}
	return v
}

func seedSession(t *testing.T, f *fixture, key string, contents ...string) {
	t.Helper()
	err := f.runner.WithLane(key, func(sess *session.Session) error {
		for i, c := range contents {
			role := "user"
			if i%2 == 1 {
				role = "assistant"
			}
			sess.Append(role, c)
		}
		return f.sessions.Save(sess)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAdmin_ListSessionsAndHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t, authed())
	seedSession(t, f, "telegram:42", "hello", "hi there", "how are you", "fine")

	resp := f.do(t, http.MethodGet, "/api/sessions", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	infos := decode[[]session.Info](t, resp)
	if len(infos) != 1 || infos[0].Key != "telegram:42" {
		t.Fatalf("infos = %+v", infos)
	}

	resp = f.do(t, http.MethodGet, "/api/sessions/"+url.PathEscape("telegram:42")+"/history", "")
	history := decode[[]session.Message](t, resp)
	if len(history) != 4 || history[0].Content != "hello" {
		t.Errorf("history = %+v", history)
	}

	resp = f.do(t, http.MethodGet, "/api/sessions/telegram:42/history?max=1", "")
	history = decode[[]session.Message](t, resp)
	if len(history) == 0 || len(history) >= 4 {
		t.Errorf("windowed history has %d messages", len(history))
	}
}

func TestAdmin_ClearSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, authed())
	seedSession(t, f, "cli:direct", "remember this", "ok")

	resp := f.do(t, http.MethodDelete, "/api/sessions/cli:direct", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	f.sessions.Invalidate("cli:direct")
	reloaded, ok := f.sessions.Load("cli:direct")
	if !ok {
		t.Fatal("cleared session file missing")
	}
	if len(reloaded.Messages) != 0 {
		t.Errorf("cleared session still has %d messages", len(reloaded.Messages))
	}

	events := f.audit()
	if len(events) == 0 || events[len(events)-1].Type != security.EventSessionClear {
		t.Errorf("audit events = %+v", events)
	}
}

func TestAdmin_InvalidateSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, authed())
	seedSession(t, f, "cli:direct", "a")

	resp := f.do(t, http.MethodPost, "/api/sessions/cli:direct/invalidate", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("invalidate status = %d", resp.StatusCode)
	}
	if f.sessions.Cached("cli:direct") {
		t.Error("session still cached after invalidate")
	}
}

func TestAdmin_JobLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, authed())

	resp := f.do(t, http.MethodPost, "/api/jobs", `{
		"name": "digest",
		"schedule": {"kind": "every", "everyMs": 3600000},
		"payload": {"message": "Send me the digest"}
	}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add status = %d", resp.StatusCode)
	}
	job := decode[cron.Job](t, resp)
	if job.ID == "" || !job.Enabled || job.State.NextRunAtMs == 0 {
		t.Fatalf("job = %+v", job)
	}

	resp = f.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/disable", "")
	if got := decode[cron.Job](t, resp); got.Enabled {
		t.Error("job still enabled after disable")
	}

	resp = f.do(t, http.MethodGet, "/api/jobs", "")
	if jobs := decode[[]cron.Job](t, resp); len(jobs) != 0 {
		t.Errorf("disabled job listed without all: %+v", jobs)
	}
	resp = f.do(t, http.MethodGet, "/api/jobs?all=1", "")
	if jobs := decode[[]cron.Job](t, resp); len(jobs) != 1 {
		t.Errorf("all=1 listed %d jobs", len(jobs))
	}

	resp = f.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/enable", "")
	if got := decode[cron.Job](t, resp); !got.Enabled {
		t.Error("job not enabled")
	}

	resp = f.do(t, http.MethodDelete, "/api/jobs/"+job.ID, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("remove status = %d", resp.StatusCode)
	}
	resp = f.do(t, http.MethodGet, "/api/jobs/"+job.ID, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get removed job = %d, want 404", resp.StatusCode)
	}

	var types []security.EventType
	for _, e := range f.audit() {
		types = append(types, e.Type)
	}
	want := []security.EventType{
		security.EventAuthSuccess, security.EventJobAdd,
		security.EventAuthSuccess, security.EventJobDisable,
	}
	for i, w := range want {
		if i >= len(types) || types[i] != w {
			t.Fatalf("audit types = %v, want prefix %v", types, want)
		}
	}
}

func TestAdmin_AddJobRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"name":`},
		{"no name", `{"schedule":{"kind":"every","everyMs":1000},"payload":{"message":"m"}}`},
		{"bad schedule", `{"name":"x","schedule":{"kind":"every"},"payload":{"message":"m"}}`},
		{"bad payload", `{"name":"x","schedule":{"kind":"every","everyMs":1000},"payload":{"message":"m","deliver":true}}`},
	}

	f := newFixture(t, authed())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/api/jobs", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestAdmin_RunJobNowAndRuns(t *testing.T) {
	t.Parallel()

	f := newFixture(t, authed())
	job, err := f.jobs.AddJob("ping", cron.Every(24*time.Hour), cron.Payload{Message: "ping"})
	if err != nil {
		t.Fatal(err)
	}

	resp := f.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/run", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("run status = %d", resp.StatusCode)
	}

	waitFor(t, "run log entry", func() bool {
		entries, _ := f.runs.List(context.Background(), runlog.Filter{JobID: job.ID})
		return len(entries) == 1
	})

	resp = f.do(t, http.MethodGet, "/api/jobs/"+job.ID+"/runs", "")
	entries := decode[[]runlog.Entry](t, resp)
	if len(entries) != 1 || entries[0].SessionKey != job.SessionKey() || entries[0].Status != runlog.StatusOK {
		t.Errorf("entries = %+v", entries)
	}

	resp = f.do(t, http.MethodPost, "/api/jobs/missing/run", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("run unknown job = %d, want 404", resp.StatusCode)
	}
}

func TestAdmin_HeartbeatNotEnabled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, authed())
	resp := f.do(t, http.MethodPost, "/api/heartbeat/trigger", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
