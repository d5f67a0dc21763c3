package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nanobot.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ParsesSections(t *testing.T) {
	path := writeConfig(t, `
version: "1"
workspace: /srv/agent
log_level: debug
sessions:
  history_window: 200
  watch: true
cron:
  tick: 500ms
heartbeat:
  enabled: true
  interval: 15m
  quiet_hours: "22:00-07:00"
  timezone: Europe/Paris
telemetry:
  endpoint: localhost:4318
  sample_ratio: 0.5
modules:
  gateway.http:
    bind: 127.0.0.1:9000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace != "/srv/agent" || cfg.LogLevel != "debug" {
		t.Errorf("top-level = %+v", cfg)
	}
	if cfg.Sessions.HistoryWindow != 200 || !cfg.Sessions.Watch {
		t.Errorf("sessions = %+v", cfg.Sessions)
	}
	if cfg.Cron.Tick != 500*time.Millisecond {
		t.Errorf("cron.tick = %s", cfg.Cron.Tick)
	}
	if !cfg.Heartbeat.Enabled || cfg.Heartbeat.Interval != 15*time.Minute {
		t.Errorf("heartbeat = %+v", cfg.Heartbeat)
	}
	if cfg.Telemetry.Endpoint != "localhost:4318" || cfg.Telemetry.SampleRatio != 0.5 {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
	if _, ok := cfg.Modules["gateway.http"]; !ok {
		t.Error("gateway.http module node missing")
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("NANOBOT_TEST_WS", "/tmp/ws")
	path := writeConfig(t, `
version: "1"
workspace: ${NANOBOT_TEST_WS}
log_level: ${NANOBOT_TEST_UNSET_LEVEL:-warn}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace != "/tmp/ws" {
		t.Errorf("workspace = %q", cfg.Workspace)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log_level = %q, want default warn", cfg.LogLevel)
	}
}

func TestLoad_UnresolvedVariable(t *testing.T) {
	path := writeConfig(t, `
version: "1"
workspace: ${NANOBOT_TEST_DEFINITELY_UNSET}
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "NANOBOT_TEST_DEFINITELY_UNSET") {
		t.Errorf("error should name the variable: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestResolvePaths(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	cfg.Heartbeat.TaskFile = "HEARTBEAT.md"
	p := ResolvePaths(cfg, "/ws", "/data")

	if p.SessionsDir != filepath.Join("/ws", "sessions") {
		t.Errorf("SessionsDir = %q", p.SessionsDir)
	}
	if p.JobStore != filepath.Join("/ws", "cron", "jobs.json") {
		t.Errorf("JobStore = %q", p.JobStore)
	}
	if p.TaskFile != filepath.Join("/ws", "HEARTBEAT.md") {
		t.Errorf("TaskFile = %q", p.TaskFile)
	}
	if p.AuditLog != filepath.Join("/data", "audit.jsonl") {
		t.Errorf("AuditLog = %q", p.AuditLog)
	}

	cfg.Workspace = "/custom"
	cfg.Sessions.Dir = "/elsewhere/sessions"
	p = ResolvePaths(cfg, "/ws", "/data")
	if p.SessionsDir != "/elsewhere/sessions" {
		t.Errorf("explicit SessionsDir = %q", p.SessionsDir)
	}
	if p.JobStore != filepath.Join("/custom", "cron", "jobs.json") {
		t.Errorf("JobStore under custom workspace = %q", p.JobStore)
	}
}

func TestResolve_Sorted(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(`modules: {b.x: {}, a.y: {}}`), cfg); err != nil {
		t.Fatal(err)
	}
	ids := Resolve(cfg)
	if len(ids) != 2 || ids[0] != "a.y" || ids[1] != "b.x" {
		t.Errorf("Resolve() = %v", ids)
	}
}

func TestDefault_MarshalsToValidConfig(t *testing.T) {
	t.Parallel()

	raw, err := Marshal(Default())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config invalid: %v\n%s", err, raw)
	}
}
