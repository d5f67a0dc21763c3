package reload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/JasdewStarfield/nanobot/internal/config"
	"github.com/JasdewStarfield/nanobot/internal/core"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// reloadingMod records the section it sees on each Reload.
type reloadingMod struct {
	id      string
	seen    []string
	service any
	err     error
}

func (m *reloadingMod) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: core.ModuleID(m.id)}
}

func (m *reloadingMod) Reload(ctx *core.AppContext) error {
	if m.err != nil {
		return m.err
	}
	node, ok := ctx.ModuleConfig(core.ModuleID(m.id))
	if ok {
		var v struct {
			Name string `yaml:"name"`
		}
		if err := node.Decode(&v); err != nil {
			return err
		}
		m.seen = append(m.seen, v.Name)
	}
	m.service, _ = ctx.GetService("shared")
	return nil
}

func newTestHandler(t *testing.T, mod *reloadingMod) (*Handler, *slog.LevelVar) {
	t.Helper()
	appCtx := core.NewAppContext(testLogger(), t.TempDir(), t.TempDir())
	appCtx.RegisterService("shared", "value")
	app := core.NewApp(appCtx)
	if mod != nil {
		app.Append(mod)
	}
	level := new(slog.LevelVar)
	return NewHandler(app, appCtx, level), level
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	return path
}

func TestHandler_HandleReload_FileNotFound(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	if err := h.HandleReload(context.Background(), "/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestHandler_HandleReload_InvalidConfig(t *testing.T) {
	mod := &reloadingMod{id: "agent.test"}
	h, level := newTestHandler(t, mod)
	path := writeConfig(t, "version: \"1\"\nlog_level: loud\n")

	if err := h.HandleReload(context.Background(), path); err == nil {
		t.Error("expected validation error")
	}
	if len(mod.seen) != 0 {
		t.Error("module reloaded from an invalid config")
	}
	if level.Level() != slog.LevelInfo {
		t.Errorf("level = %v, want unchanged", level.Level())
	}
}

func TestHandler_HandleReload_AppliesLevelAndModules(t *testing.T) {
	mod := &reloadingMod{id: "agent.test"}
	h, level := newTestHandler(t, mod)

	cfg := &config.Config{Version: "1", LogLevel: "debug", Modules: map[string]yaml.Node{}}
	var node yaml.Node
	if err := yaml.Unmarshal([]byte("name: second"), &node); err != nil {
		t.Fatal(err)
	}
	cfg.Modules["agent.test"] = *node.Content[0]

	if err := h.HandleReloadFromConfig(context.Background(), cfg); err != nil {
		t.Fatalf("HandleReloadFromConfig: %v", err)
	}
	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if len(mod.seen) != 1 || mod.seen[0] != "second" {
		t.Errorf("seen = %v", mod.seen)
	}
	if mod.service != "value" {
		t.Errorf("service = %v, want shared services visible on reload", mod.service)
	}
}

func TestHandler_HandleReload_ModuleError(t *testing.T) {
	mod := &reloadingMod{id: "agent.test", err: errors.New("bad model")}
	h, _ := newTestHandler(t, mod)

	err := h.HandleReloadFromConfig(context.Background(), &config.Config{Version: "1"})
	if err == nil || !errors.Is(err, mod.err) {
		t.Errorf("err = %v, want wrapped module error", err)
	}
}

func TestHandler_HandleReloadFromConfig_CancelledContext(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.HandleReloadFromConfig(ctx, &config.Config{Version: "1"}); err == nil {
		t.Error("expected error for cancelled context")
	}
}
