package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// stopTimeout bounds how long Stop and Abort wait for components in total.
// The dispatch runner uses the deadline to cancel turns still in flight.
const stopTimeout = 30 * time.Second

// App owns the ordered list of runtime components: configured modules
// (gateway, agent, deliverers, run log) followed by the pieces pkg/app
// appends (dispatch runner, scheduler, heartbeat, housekeeping).
// Components start in order and stop in reverse.
type App struct {
	ctx        *AppContext
	components []component
	logger     *slog.Logger
}

type component struct {
	id      ModuleID
	module  Module
	started bool
}

// NewApp returns an empty App bound to ctx.
func NewApp(ctx *AppContext) *App {
	return &App{
		ctx:    ctx,
		logger: ctx.Logger.With("component", "core"),
	}
}

// LoadModules resolves each ID in the registry, then configures,
// provisions and validates it. On failure every module loaded so far is
// stopped and discarded.
func (a *App) LoadModules(ids []string) error {
	for _, id := range ids {
		mod, err := a.ctx.LoadModule(id)
		if err != nil {
			a.Abort()
			return fmt.Errorf("loading module %s: %w", id, err)
		}
		a.add(mod)
		a.logger.Info("module loaded", "module", id)
	}
	return nil
}

// Append adds a component built outside the registry. It starts after
// everything added before it and stops before them, so the scheduler and
// heartbeat are stopped ahead of the runner they submit to.
func (a *App) Append(mod Module) {
	a.add(mod)
}

func (a *App) add(mod Module) {
	a.components = append(a.components, component{id: mod.ModuleInfo().ID, module: mod})
}

// Module returns the component registered under id.
func (a *App) Module(id ModuleID) (Module, bool) {
	for _, c := range a.components {
		if c.id == id {
			return c.module, true
		}
	}
	return nil, false
}

// Start starts every component implementing Starter, in order. If one
// fails, the ones already started are stopped before the error returns.
func (a *App) Start() error {
	for i := range a.components {
		c := &a.components[i]
		s, ok := c.module.(Starter)
		if !ok {
			continue
		}
		a.logger.Info("starting component", "component", string(c.id))
		if err := s.Start(); err != nil {
			a.logger.Error("component start failed", "component", string(c.id), "error", err)
			a.stop(i-1, false)
			return fmt.Errorf("starting %s: %w", c.id, err)
		}
		c.started = true
	}
	a.logger.Info("runtime started", "components", len(a.components))
	return nil
}

// Stop stops the started components in reverse order.
func (a *App) Stop() {
	a.stop(len(a.components)-1, false)
}

// Abort stops every component, started or not, and forgets them. Modules
// may hold resources from Provision (an open database, a listener) that
// must be released when startup fails before Start.
func (a *App) Abort() {
	a.stop(len(a.components)-1, true)
	a.components = nil
}

// stop walks components from index from down to zero. Unless all is set,
// only started components are stopped.
func (a *App) stop(from int, all bool) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	for i := from; i >= 0; i-- {
		c := &a.components[i]
		if !c.started && !all {
			continue
		}
		c.started = false
		s, ok := c.module.(Stopper)
		if !ok {
			continue
		}
		a.logger.Info("stopping component", "component", string(c.id))
		if err := s.Stop(ctx); err != nil {
			a.logger.Error("component stop failed", "component", string(c.id), "error", err)
		}
	}
}

// ReloadModules hands each Reloader its section of the new configuration
// carried by ctx. Failures are collected; the remaining components still
// reload.
func (a *App) ReloadModules(ctx *AppContext) error {
	var errs []error
	for _, c := range a.components {
		r, ok := c.module.(Reloader)
		if !ok {
			continue
		}
		a.logger.Info("reloading component", "component", string(c.id))
		if err := r.Reload(ctx.ForModule(c.id)); err != nil {
			a.logger.Error("component reload failed", "component", string(c.id), "error", err)
			errs = append(errs, fmt.Errorf("reloading %s: %w", c.id, err))
		}
	}
	return errors.Join(errs...)
}
