// Package openaicompat provides a dispatch agent backed by any API that
// implements the OpenAI chat completions interface (OpenAI, OpenRouter,
// DeepSeek, Groq, vLLM, LiteLLM, ...).
package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/JasdewStarfield/nanobot/internal/core"
	"github.com/JasdewStarfield/nanobot/internal/dispatch"
)

func init() {
	core.RegisterModule(&Agent{})
}

// Agent answers dispatch turns with one chat completion call.
type Agent struct {
	mu     sync.RWMutex
	config Config
	apiKey string

	client *http.Client
	logger *slog.Logger
}

// ModuleInfo implements core.Module.
func (a *Agent) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "agent.openai_compatible",
		New: func() core.Module { return &Agent{} },
	}
}

// Configure implements core.Configurable.
func (a *Agent) Configure(node *yaml.Node) error {
	if err := node.Decode(&a.config); err != nil {
		return err
	}
	a.config.defaults()
	return nil
}

// Provision implements core.Provisioner.
func (a *Agent) Provision(ctx *core.AppContext) error {
	a.logger = ctx.Logger
	a.apiKey = resolveKey(a.config)
	a.client = &http.Client{Timeout: a.config.Timeout}

	ctx.RegisterService(dispatch.AgentServiceName, a)
	return nil
}

// Validate implements core.Validator.
func (a *Agent) Validate() error {
	return validate(a.config, a.apiKey)
}

// Reload implements core.Reloader. The new section replaces model, prompt,
// credentials and headers for subsequent turns; turns in flight finish with
// the previous settings. The request timeout is fixed at startup.
func (a *Agent) Reload(ctx *core.AppContext) error {
	node, ok := ctx.ModuleConfig(a.ModuleInfo().ID)
	if !ok {
		return nil
	}
	var cfg Config
	if err := node.Decode(&cfg); err != nil {
		return err
	}
	cfg.defaults()
	key := resolveKey(cfg)
	if err := validate(cfg, key); err != nil {
		return err
	}

	a.mu.Lock()
	a.config, a.apiKey = cfg, key
	a.mu.Unlock()

	ctx.Logger.Info("agent: configuration reloaded", "model", cfg.Model)
	return nil
}

func (a *Agent) snapshot() (Config, string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config, a.apiKey
}

func resolveKey(cfg Config) string {
	if cfg.APIKey == "" && cfg.APIKeyEnv != "" {
		return os.Getenv(cfg.APIKeyEnv)
	}
	return cfg.APIKey
}

func validate(cfg Config, apiKey string) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if apiKey == "" {
		return fmt.Errorf("agent.openai_compatible: %s is not set", cfg.APIKeyEnv)
	}
	return nil
}

// Respond implements dispatch.Agent.
func (a *Agent) Respond(ctx context.Context, turn dispatch.Turn) (dispatch.Reply, error) {
	cfg, apiKey := a.snapshot()
	req := buildRequest(cfg, turn)

	resp, err := a.doRequest(ctx, cfg, apiKey, req)
	if err != nil {
		return dispatch.Reply{}, err
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	if resp.StatusCode != http.StatusOK {
		return dispatch.Reply{}, handleErrorResponse(resp)
	}

	var oaiResp oaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaiResp); err != nil {
		return dispatch.Reply{}, fmt.Errorf("decode response: %w", err)
	}

	a.logger.Debug("agent: completion",
		"session", turn.Request.SessionKey,
		"model", req.Model,
		"history", len(turn.History),
		"total_tokens", oaiResp.Usage.TotalTokens,
	)
	return parseResponse(oaiResp)
}

// Compile-time interface assertions.
var (
	_ core.Module       = (*Agent)(nil)
	_ core.Configurable = (*Agent)(nil)
	_ core.Provisioner  = (*Agent)(nil)
	_ core.Validator    = (*Agent)(nil)
	_ core.Reloader     = (*Agent)(nil)
	_ dispatch.Agent    = (*Agent)(nil)
)
