// Package config handles YAML configuration loading, environment variable
// expansion, and structural validation for nanobot.
package config

import (
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JasdewStarfield/nanobot/internal/telemetry"
)

// Config is the top-level configuration structure.
type Config struct {
	// Version is the config format version. Currently only "1" is supported.
	Version string `yaml:"version"`

	// Workspace is the agent workspace root. Sessions, the job store and the
	// heartbeat task file default to paths below it.
	Workspace string `yaml:"workspace,omitempty"`

	// DataDir holds runtime state that is not part of the workspace, such as
	// the run log database and the audit log.
	DataDir string `yaml:"data_dir,omitempty"`

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string `yaml:"log_level,omitempty"`

	// LogFormat is text or json. Defaults to text.
	LogFormat string `yaml:"log_format,omitempty"`

	Sessions  SessionsConfig  `yaml:"sessions"`
	Cron      CronConfig      `yaml:"cron"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Modules maps module IDs to their raw YAML configuration.
	// Keys must match registered module IDs (e.g. "gateway.http").
	Modules map[string]yaml.Node `yaml:"modules"`
}

// SessionsConfig configures the session store.
type SessionsConfig struct {
	// Dir defaults to <workspace>/sessions.
	Dir string `yaml:"dir,omitempty"`

	// LegacyDir is the previous global session directory. Sessions found
	// there are migrated into Dir on first access.
	LegacyDir string `yaml:"legacy_dir,omitempty"`

	// HistoryWindow is the maximum number of messages handed to the agent.
	HistoryWindow int `yaml:"history_window,omitempty"`

	// Watch invalidates cached sessions edited by another process.
	Watch bool `yaml:"watch,omitempty"`
}

// CronConfig configures the job store and scheduler.
type CronConfig struct {
	// Store defaults to <workspace>/cron/jobs.json.
	Store string `yaml:"store,omitempty"`

	// Tick is the scheduler polling interval. Defaults to 1s.
	Tick time.Duration `yaml:"tick,omitempty"`

	// Disabled stops the scheduler from running jobs. The store and admin
	// operations remain available.
	Disabled bool `yaml:"disabled,omitempty"`
}

// DispatchConfig configures the dispatch runner.
type DispatchConfig struct {
	// MaxInFlight bounds concurrently running turns.
	MaxInFlight int `yaml:"max_in_flight,omitempty"`

	// RunRetention is how long run records are kept. Defaults to 30 days.
	RunRetention time.Duration `yaml:"run_retention,omitempty"`
}

// HeartbeatConfig configures the periodic heartbeat. It is static
// configuration and never persisted.
type HeartbeatConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Interval          time.Duration `yaml:"interval,omitempty"`
	Prompt            string        `yaml:"prompt,omitempty"`
	SessionKey        string        `yaml:"session_key,omitempty"`
	ContextSessionKey string        `yaml:"context_session_key,omitempty"`
	Model             string        `yaml:"model,omitempty"`

	// QuietHours is a "HH:MM-HH:MM" window during which ticks are skipped.
	QuietHours string `yaml:"quiet_hours,omitempty"`

	// Timezone is an IANA name used for quiet hours. Defaults to UTC.
	Timezone string `yaml:"timezone,omitempty"`

	// TaskFile gates ticks on actionable content. Relative paths resolve
	// against the workspace.
	TaskFile string `yaml:"task_file,omitempty"`
}
