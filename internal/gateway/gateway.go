// Package gateway provides an HTTP server for administration, monitoring,
// and webhooks. It binds to loopback by default and follows the module
// system pattern.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JasdewStarfield/nanobot/internal/core"
	"github.com/JasdewStarfield/nanobot/internal/mcptools"
	"github.com/JasdewStarfield/nanobot/internal/security"
)

// EventsServiceName is the AppContext service key of the gateway EventHub.
// The application subscribes it to the runner and the scheduler.
const EventsServiceName = "gateway.events"

func init() {
	core.RegisterModule(&Gateway{})
}

// Compile-time interface guards.
var (
	_ core.Configurable = (*Gateway)(nil)
	_ core.Provisioner  = (*Gateway)(nil)
	_ core.Validator    = (*Gateway)(nil)
	_ core.Starter      = (*Gateway)(nil)
	_ core.Stopper      = (*Gateway)(nil)
)

// Gateway is the HTTP gateway module. It exposes health, status, admin,
// metrics, event stream, MCP and webhook endpoints. It is a leaf module:
// nothing imports it.
type Gateway struct {
	config    Config
	appCtx    *core.AppContext
	logger    *slog.Logger
	server    *http.Server
	events    *EventHub
	limiter   *security.RateLimiter
	startedAt time.Time
	now       func() time.Time

	// Resolved at Start() via the service registry.
	svc services
}

// ModuleInfo implements core.Module.
func (g *Gateway) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "gateway.http",
		New: func() core.Module { return &Gateway{} },
	}
}

// Configure implements core.Configurable.
func (g *Gateway) Configure(node *yaml.Node) error {
	if err := node.Decode(&g.config); err != nil {
		return err
	}
	g.config.defaults()
	return nil
}

// Provision implements core.Provisioner.
func (g *Gateway) Provision(ctx *core.AppContext) error {
	g.config.defaults()
	g.appCtx = ctx
	g.logger = ctx.Logger
	g.now = time.Now
	g.events = NewEventHub(g.logger)
	g.limiter = security.NewRateLimiter(g.config.RateLimit)

	ctx.RegisterService(EventsServiceName, g.events)

	for source, wh := range g.config.Webhooks {
		g.logger.Info("gateway: webhook source configured",
			"source", source,
			"session", wh.sessionKey(source),
			"signed", wh.Secret != "",
		)
	}
	if !g.config.Auth.IsConfigured() {
		g.logger.Warn("gateway: no auth configured, admin endpoints disabled")
	}
	return nil
}

// Validate implements core.Validator.
func (g *Gateway) Validate() error {
	if _, err := net.ResolveTCPAddr("tcp", g.config.Bind); err != nil {
		return fmt.Errorf("gateway: invalid bind address %q: %w", g.config.Bind, err)
	}
	var errs []error
	for source, wh := range g.config.Webhooks {
		switch wh.Kind {
		case "", "agent_turn", "system_event":
		default:
			errs = append(errs, fmt.Errorf("gateway: webhook %q: unknown kind %q", source, wh.Kind))
		}
	}
	return errors.Join(errs...)
}

// Start implements core.Starter. It resolves dependencies from the service
// registry (lazy binding) and starts the HTTP server.
func (g *Gateway) Start() error {
	g.svc = resolveServices(g.appCtx)
	g.startedAt = g.now()

	handler, err := g.buildRouter()
	if err != nil {
		return err
	}

	g.server = &http.Server{
		Addr:         g.config.Bind,
		Handler:      handler,
		ReadTimeout:  g.config.ReadTimeout,
		WriteTimeout: g.config.WriteTimeout,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", g.config.Bind)
	if err != nil {
		return fmt.Errorf("gateway: listen failed: %w", err)
	}

	go func() {
		g.logger.Info("gateway: listening", "addr", ln.Addr().String())
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway: serve error", "error", err)
		}
	}()

	return nil
}

// Stop implements core.Stopper. Graceful shutdown with configured timeout.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.events != nil {
		g.events.Close()
	}
	if g.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, g.config.ShutdownTimeout)
	defer cancel()

	g.logger.Info("gateway: shutting down")
	return g.server.Shutdown(shutdownCtx)
}

// Events returns the hub streamed at /ws/events.
func (g *Gateway) Events() *EventHub { return g.events }

func (g *Gateway) mcpHandler() (http.Handler, error) {
	if !g.config.MCP || g.svc.jobs == nil {
		return nil, nil
	}
	cfg := mcptools.Config{
		Jobs:   g.svc.jobs,
		Logger: g.logger,
	}
	if g.svc.sessions != nil {
		cfg.Sessions = g.svc.sessions
	}
	srv, err := mcptools.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("gateway: mcp tools: %w", err)
	}
	return srv, nil
}
