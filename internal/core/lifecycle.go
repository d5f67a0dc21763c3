package core

import (
	"context"

	"gopkg.in/yaml.v3"
)

// The lifecycle interfaces are optional. LoadModule calls Configure,
// Provision and Validate in that order; App.Start calls Start on every
// loaded and appended component, and App.Stop calls Stop in reverse.

// Configurable modules receive their section of the "modules" map.
type Configurable interface {
	Configure(node *yaml.Node) error
}

// Provisioner modules apply defaults, build their clients and publish
// services (agent, deliverer, run log) on the AppContext.
type Provisioner interface {
	Provision(ctx *AppContext) error
}

// Validator modules check their configuration. Validate must not have side
// effects.
type Validator interface {
	Validate() error
}

// Starter modules launch background work: listeners, tickers, connections.
type Starter interface {
	Start() error
}

// Stopper modules release what Start (or Provision) acquired. ctx bounds
// the shutdown.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Reloader modules accept a new configuration without restarting. Reload
// reads the module's section through ctx.ModuleConfig and must leave the
// running configuration in place when it returns an error.
type Reloader interface {
	Reload(ctx *AppContext) error
}
