package config

import (
	"path/filepath"
	"slices"
)

// Resolve returns a sorted list of module IDs from the configuration.
// The deterministic order ensures consistent module loading.
func Resolve(cfg *Config) []string {
	ids := make([]string, 0, len(cfg.Modules))
	for id := range cfg.Modules {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Paths holds the resolved on-disk locations used by the runtime.
type Paths struct {
	Workspace   string
	DataDir     string
	SessionsDir string
	LegacyDir   string
	JobStore    string
	TaskFile    string
	AuditLog    string
}

// ResolvePaths fills in defaults below the workspace and data directory.
// defaultWorkspace and defaultDataDir are used when the config leaves them
// empty.
func ResolvePaths(cfg *Config, defaultWorkspace, defaultDataDir string) Paths {
	p := Paths{
		Workspace: cfg.Workspace,
		DataDir:   cfg.DataDir,
		LegacyDir: cfg.Sessions.LegacyDir,
	}
	if p.Workspace == "" {
		p.Workspace = defaultWorkspace
	}
	if p.DataDir == "" {
		p.DataDir = defaultDataDir
	}

	p.SessionsDir = orJoin(cfg.Sessions.Dir, p.Workspace, "sessions")
	p.JobStore = orJoin(cfg.Cron.Store, p.Workspace, "cron", "jobs.json")
	p.AuditLog = filepath.Join(p.DataDir, "audit.jsonl")

	if tf := cfg.Heartbeat.TaskFile; tf != "" {
		if filepath.IsAbs(tf) {
			p.TaskFile = tf
		} else {
			p.TaskFile = filepath.Join(p.Workspace, tf)
		}
	}
	return p
}

func orJoin(explicit, base string, elem ...string) string {
	if explicit != "" {
		return explicit
	}
	return filepath.Join(append([]string{base}, elem...)...)
}
