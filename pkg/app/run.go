// Package app provides the entry point shared by the nanobot commands: it
// loads the configuration, builds the runtime and runs it until a shutdown
// signal arrives.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/JasdewStarfield/nanobot/internal/config"
	"github.com/JasdewStarfield/nanobot/internal/core"
	"github.com/JasdewStarfield/nanobot/internal/reload"
	"github.com/JasdewStarfield/nanobot/internal/security"
)

// RunParams configures the main application loop.
type RunParams struct {
	// ConfigPath is an explicit path to the YAML configuration file.
	// If empty, ResolveConfigPath is called automatically.
	ConfigPath string

	// Version, Commit, and Date are injected at build time via ldflags.
	Version string
	Commit  string
	Date    string

	// DataDir overrides the configured persistent data directory.
	DataDir string

	// Workspace overrides the configured workspace.
	Workspace string

	// LogOutput receives process logs. Defaults to os.Stderr.
	LogOutput io.Writer

	// Stop, when set, ends Run like SIGTERM does.
	Stop <-chan struct{}
}

// Run loads configuration, starts all modules and the runtime, and blocks
// until a shutdown signal is received. SIGHUP and changes to the
// configuration file trigger a live reload.
func Run(params RunParams) error {
	cfgPath := params.ConfigPath
	if cfgPath == "" {
		resolved, err := ResolveConfigPath()
		if err != nil {
			return err
		}
		cfgPath = resolved
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	workspace := firstNonEmpty(params.Workspace, cfg.Workspace, DefaultWorkspace())
	dataDir := firstNonEmpty(params.DataDir, cfg.DataDir, DefaultDataDir())
	paths := config.ResolvePaths(cfg, workspace, dataDir)

	// Redact every configured credential from logs and audit records.
	redactor := security.NewRedactor()
	redactor.AddLiteral(config.Secrets(cfg)...)

	out := params.LogOutput
	if out == nil {
		out = os.Stderr
	}
	level := new(slog.LevelVar)
	logger, err := security.NewLogger(out, security.LogOptions{
		Level:    cfg.LogLevel,
		Format:   cfg.LogFormat,
		LevelVar: level,
	}, redactor)
	if err != nil {
		return err
	}
	logger.Info("starting nanobot", "version", params.Version, "commit", params.Commit, "config", cfgPath, "workspace", paths.Workspace)

	auditFile, err := openAuditLog(paths.AuditLog)
	if err != nil {
		return err
	}
	defer func() { _ = auditFile.Close() }()
	auditLogger := security.NewAuditLogger(security.AuditLoggerConfig{
		Writer:   auditFile,
		Redactor: redactor,
	})
	rateLimiter := security.NewRateLimiter(security.RateLimitConfig{})

	appCtx := core.NewAppContext(logger, paths.DataDir, paths.Workspace)
	appCtx = appCtx.WithModuleConfigs(cfg.Modules)
	appCtx.RegisterService(security.AuditServiceName, auditLogger)
	appCtx.RegisterService(security.RateLimiterServiceName, rateLimiter)

	application := core.NewApp(appCtx)
	if err := application.LoadModules(config.Resolve(cfg)); err != nil {
		return err
	}

	// Build the runtime between LoadModules and Start: modules have
	// registered their services (agent, run log, event hub) and the
	// runtime's own services must exist before the gateway resolves them.
	if _, err := wireRuntime(application, appCtx, cfg, paths, rateLimiter); err != nil {
		application.Abort()
		return err
	}

	if err := application.Start(); err != nil {
		return err
	}

	handler := reload.NewHandler(application, appCtx, level)

	// --- signal handling ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	// --- file watcher ---
	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	var fileEvents <-chan reload.Event
	watcher, err := reload.NewWatcher(reload.WatcherConfig{ConfigPath: cfgPath, Logger: logger})
	if err != nil {
		logger.Warn("config file watching disabled", "error", err)
	} else {
		watcher.Start(watchCtx)
		defer func() { _ = watcher.Stop() }()
		fileEvents = watcher.Events()
	}

	// --- main event loop ---
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				logger.Info("SIGHUP received, reloading configuration")
				if err := handler.HandleReload(watchCtx, cfgPath); err != nil {
					logger.Error("reload failed", "error", err)
				}
				continue
			}
			logger.Info("shutdown signal received", "signal", sig.String())
		case <-params.Stop:
			logger.Info("shutdown requested")
		case evt := <-fileEvents:
			logger.Info("config file changed, reloading", "path", evt.ConfigPath)
			if err := handler.HandleReload(watchCtx, cfgPath); err != nil {
				logger.Error("reload failed", "error", err)
			}
			continue
		}

		application.Stop()
		logger.Info("shutdown complete")
		return nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ResolveConfigPath searches for a config file in standard locations.
// Search order: $XDG_CONFIG_HOME/nanobot/nanobot.yaml → ~/.config/nanobot/nanobot.yaml → ./nanobot.yaml
func ResolveConfigPath() (string, error) {
	candidates := ConfigCandidates()
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no configuration file found (searched: %v)", candidates)
}

// ConfigCandidates lists the locations ResolveConfigPath searches, in order.
func ConfigCandidates() []string {
	var candidates []string
	if xdg, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok {
		candidates = append(candidates, filepath.Join(xdg, "nanobot", "nanobot.yaml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "nanobot", "nanobot.yaml"))
	}
	return append(candidates, "nanobot.yaml")
}

// DefaultDataDir returns the default persistent data directory.
// Uses $XDG_DATA_HOME/nanobot if set, otherwise ~/.local/share/nanobot.
func DefaultDataDir() string {
	if dir, ok := os.LookupEnv("XDG_DATA_HOME"); ok && dir != "" {
		return filepath.Join(dir, "nanobot")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "nanobot")
}

// DefaultWorkspace returns ~/.nanobot/workspace.
func DefaultWorkspace() string {
	home, err := os.UserHomeDir()
	if err != nil {
		dir, _ := os.Getwd()
		return dir
	}
	return filepath.Join(home, ".nanobot", "workspace")
}
