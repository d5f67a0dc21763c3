package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/JasdewStarfield/nanobot/internal/core"
	"github.com/JasdewStarfield/nanobot/internal/heartbeat"
	"github.com/JasdewStarfield/nanobot/internal/security"
)

// Validate checks the structural validity of a Config.
// It verifies the version field, checks that all referenced module IDs
// exist in the registry, and validates the runtime sections. Every problem
// found is reported in the joined error.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Version == "" {
		errs = append(errs, errors.New("config: version field is required"))
	} else if cfg.Version != "1" {
		errs = append(errs, fmt.Errorf("config: unsupported version %q (supported: \"1\")", cfg.Version))
	}

	for id := range cfg.Modules {
		if _, ok := core.GetModule(id); !ok {
			errs = append(errs, fmt.Errorf("config: unknown module %q", id))
		}
	}

	errs = append(errs, validateLogging(cfg)...)
	errs = append(errs, validateSessions(cfg.Sessions)...)
	errs = append(errs, validateCron(cfg.Cron)...)
	errs = append(errs, validateHeartbeat(cfg.Heartbeat)...)

	if cfg.Dispatch.RunRetention < 0 {
		errs = append(errs, fmt.Errorf("config: dispatch.run_retention must not be negative, got %s", cfg.Dispatch.RunRetention))
	}
	if cfg.Dispatch.MaxInFlight < 0 {
		errs = append(errs, fmt.Errorf("config: dispatch.max_in_flight must not be negative, got %d", cfg.Dispatch.MaxInFlight))
	}
	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("config: telemetry.sample_ratio must be in [0, 1], got %v", r))
	}

	return errors.Join(errs...)
}

func validateLogging(cfg *Config) []error {
	var errs []error
	if cfg.LogLevel != "" {
		if _, err := security.ParseLevel(cfg.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("config: log_level: %w", err))
		}
	}
	switch cfg.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: log_format must be text or json, got %q", cfg.LogFormat))
	}
	return errs
}

func validateSessions(s SessionsConfig) []error {
	if s.HistoryWindow < 0 {
		return []error{fmt.Errorf("config: sessions.history_window must not be negative, got %d", s.HistoryWindow)}
	}
	return nil
}

func validateCron(c CronConfig) []error {
	if c.Tick < 0 {
		return []error{fmt.Errorf("config: cron.tick must not be negative, got %s", c.Tick)}
	}
	if c.Tick > 0 && c.Tick < 10*time.Millisecond {
		return []error{fmt.Errorf("config: cron.tick must be at least 10ms, got %s", c.Tick)}
	}
	return nil
}

func validateHeartbeat(h HeartbeatConfig) []error {
	var errs []error

	if h.Interval < 0 {
		errs = append(errs, fmt.Errorf("config: heartbeat.interval must not be negative, got %s", h.Interval))
	} else if h.Interval > 0 && h.Interval < time.Second {
		errs = append(errs, fmt.Errorf("config: heartbeat.interval must be at least 1s, got %s", h.Interval))
	}

	if h.QuietHours != "" {
		if _, err := heartbeat.ParseQuietHours(h.QuietHours); err != nil {
			errs = append(errs, fmt.Errorf("config: heartbeat.quiet_hours: %w", err))
		}
	}
	if h.Timezone != "" {
		if _, err := time.LoadLocation(h.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("config: heartbeat.timezone: %w", err))
		}
	}
	return errs
}
