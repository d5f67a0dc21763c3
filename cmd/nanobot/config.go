package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/JasdewStarfield/nanobot/internal/config"
	"github.com/JasdewStarfield/nanobot/internal/core"
	"github.com/JasdewStarfield/nanobot/internal/security"
	"github.com/JasdewStarfield/nanobot/pkg/app"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	var show bool
	check := &cobra.Command{
		Use:   "check [path]",
		Short: "Validate configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := cmd.Flags().Set("config", args[0]); err != nil {
					return err
				}
			}
			cfg, cfgPath, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			// Provision every module so module-level validation runs too.
			paths := resolvePaths(cmd, cfg)
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			appCtx := core.NewAppContext(logger, paths.DataDir, paths.Workspace).WithModuleConfigs(cfg.Modules)
			application := core.NewApp(appCtx)
			ids := config.Resolve(cfg)
			if err := application.LoadModules(ids); err != nil {
				return err
			}
			application.Abort()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration OK: %s (%d modules)\n", cfgPath, len(ids))
			for _, id := range ids {
				fmt.Fprintf(out, "  %s\n", id)
			}
			fmt.Fprintf(out, "Workspace: %s\nSessions:  %s\nJobs:      %s\n", paths.Workspace, paths.SessionsDir, paths.JobStore)

			if show {
				return printRedacted(out, cfg)
			}
			return nil
		},
	}
	check.Flags().BoolVar(&show, "show", false, "Print the effective configuration with secrets redacted")
	cmd.AddCommand(check)
	return cmd
}

// printRedacted writes cfg as YAML with every configured credential masked.
func printRedacted(w io.Writer, cfg *config.Config) error {
	raw, err := config.Marshal(cfg)
	if err != nil {
		return err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("config: re-reading: %w", err)
	}

	redactor := security.NewRedactor()
	redactor.AddLiteral(config.Secrets(cfg)...)
	redactor.RedactMap(doc)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

var errNoConfig = errors.New("no configuration file found")

// loadConfig reads the configuration named by --config or found in the
// standard locations. When required is false a missing file yields the
// defaults.
func loadConfig(cmd *cobra.Command, required bool) (*config.Config, string, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	if cfgPath == "" {
		resolved, err := app.ResolveConfigPath()
		if err != nil {
			if required {
				return nil, "", fmt.Errorf("%w: %w", errNoConfig, err)
			}
			return config.Default(), "", nil
		}
		cfgPath = resolved
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}

// resolvePaths applies the --workspace and --data-dir overrides.
func resolvePaths(cmd *cobra.Command, cfg *config.Config) config.Paths {
	workspace, _ := cmd.Flags().GetString("workspace")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	if workspace != "" {
		cfg.Workspace = workspace
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return config.ResolvePaths(cfg, app.DefaultWorkspace(), app.DefaultDataDir())
}
