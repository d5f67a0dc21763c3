package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/JasdewStarfield/nanobot/internal/config"
	"github.com/JasdewStarfield/nanobot/pkg/app"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const agentModuleID = "agent.openai_compatible"

// onboardAnswers holds the values collected by the onboarding form.
type onboardAnswers struct {
	Workspace   string
	LogLevel    string
	BaseURL     string
	Model       string
	APIKeyEnv   string
	Heartbeat   bool
	Interval    string
	QuietHours  string
	GatewayAddr string
}

func defaultAnswers() onboardAnswers {
	return onboardAnswers{
		Workspace:   app.DefaultWorkspace(),
		LogLevel:    "info",
		BaseURL:     "https://api.openai.com/v1",
		Model:       "gpt-4o-mini",
		APIKeyEnv:   "OPENAI_API_KEY",
		Interval:    "30m",
		GatewayAddr: "127.0.0.1:8080",
	}
}

func onboardCmd() *cobra.Command {
	var (
		force bool
		yes   bool
	)
	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Write an initial configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = app.ConfigCandidates()[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			answers := defaultAnswers()
			if !yes {
				if err := runOnboardForm(&answers); err != nil {
					if errors.Is(err, huh.ErrUserAborted) {
						fmt.Fprintln(cmd.OutOrStdout(), "Onboarding cancelled.")
						return nil
					}
					return err
				}
			}

			cfg, err := answers.config()
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := writeConfig(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\nStart with: nanobot start --config %s\n", path, path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing configuration")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Accept defaults without prompting")
	return cmd
}

func runOnboardForm(a *onboardAnswers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Workspace").
				Description("Sessions, jobs and the heartbeat task file live here.").
				Value(&a.Workspace),
			huh.NewSelect[string]().
				Title("Log level").
				Options(huh.NewOptions("debug", "info", "warn", "error")...).
				Value(&a.LogLevel),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Agent base URL").
				Description("Any OpenAI-compatible chat completions endpoint.").
				Value(&a.BaseURL),
			huh.NewInput().
				Title("Model").
				Value(&a.Model),
			huh.NewInput().
				Title("API key environment variable").
				Value(&a.APIKeyEnv),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the heartbeat?").
				Value(&a.Heartbeat),
			huh.NewInput().
				Title("Heartbeat interval").
				Value(&a.Interval).
				Validate(func(s string) error {
					_, err := time.ParseDuration(s)
					return err
				}),
			huh.NewInput().
				Title("Quiet hours (HH:MM-HH:MM, optional)").
				Value(&a.QuietHours),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Gateway listen address (empty to disable)").
				Value(&a.GatewayAddr),
		),
	)
	return form.Run()
}

// config turns the answers into a configuration document.
func (a onboardAnswers) config() (*config.Config, error) {
	cfg := config.Default()
	cfg.Workspace = a.Workspace
	cfg.LogLevel = a.LogLevel

	if a.Heartbeat {
		interval, err := time.ParseDuration(a.Interval)
		if err != nil {
			return nil, fmt.Errorf("heartbeat interval: %w", err)
		}
		cfg.Heartbeat.Enabled = true
		cfg.Heartbeat.Interval = interval
		cfg.Heartbeat.QuietHours = a.QuietHours
		cfg.Heartbeat.TaskFile = "HEARTBEAT.md"
	}

	cfg.Modules = make(map[string]yaml.Node)
	var agent yaml.Node
	if err := agent.Encode(map[string]string{
		"base_url":    a.BaseURL,
		"model":       a.Model,
		"api_key_env": a.APIKeyEnv,
	}); err != nil {
		return nil, err
	}
	cfg.Modules[agentModuleID] = agent

	if a.GatewayAddr != "" {
		var gw yaml.Node
		if err := gw.Encode(map[string]string{"bind": a.GatewayAddr}); err != nil {
			return nil, err
		}
		cfg.Modules["gateway.http"] = gw
	}
	return cfg, nil
}

func writeConfig(path string, cfg *config.Config) error {
	data, err := config.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
