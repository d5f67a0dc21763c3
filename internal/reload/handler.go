package reload

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/JasdewStarfield/nanobot/internal/config"
	"github.com/JasdewStarfield/nanobot/internal/core"
	"github.com/JasdewStarfield/nanobot/internal/security"
)

// Handler re-reads the configuration file and applies what can change
// without a restart: the log level and the sections of modules that
// implement core.Reloader.
type Handler struct {
	app    *core.App
	appCtx *core.AppContext
	level  *slog.LevelVar
	logger *slog.Logger
}

// NewHandler creates a reload handler. appCtx is the running application
// context; reloaded modules keep seeing its services. level may be nil.
func NewHandler(app *core.App, appCtx *core.AppContext, level *slog.LevelVar) *Handler {
	return &Handler{
		app:    app,
		appCtx: appCtx,
		level:  level,
		logger: appCtx.Logger,
	}
}

// HandleReload loads a fresh config from disk, validates it, and applies it.
// The running configuration is untouched when loading or validation fails.
func (h *Handler) HandleReload(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return h.HandleReloadFromConfig(ctx, cfg)
}

// HandleReloadFromConfig applies an already validated config.
func (h *Handler) HandleReloadFromConfig(ctx context.Context, cfg *config.Config) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before reload: %w", err)
	}

	if h.level != nil {
		level, err := security.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		if level != h.level.Level() {
			h.logger.Info("log level changed", "from", h.level.Level().String(), "to", level.String())
			h.level.Set(level)
		}
	}

	if err := h.app.ReloadModules(h.appCtx.WithModuleConfigs(cfg.Modules)); err != nil {
		return fmt.Errorf("reloading modules: %w", err)
	}

	h.logger.Info("configuration reloaded")
	return nil
}
