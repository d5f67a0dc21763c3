// Package main is the entry point for the nanobot CLI.
package main

import (
	"fmt"
	"os"

	"github.com/JasdewStarfield/nanobot/internal/core"
	"github.com/JasdewStarfield/nanobot/pkg/app"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	// Compiled-in modules.
	_ "github.com/JasdewStarfield/nanobot/internal/gateway"
	_ "github.com/JasdewStarfield/nanobot/modules/agent/openai_compatible"
	_ "github.com/JasdewStarfield/nanobot/modules/delivery/telegram"
	_ "github.com/JasdewStarfield/nanobot/modules/runlog/sqlite"

	// Heartbeat quiet hours and cron job timezones resolve IANA names even
	// on hosts without a zoneinfo database.
	_ "time/tzdata"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nanobot",
		Short:         "A self-hosted personal agent runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to configuration file")
	root.PersistentFlags().String("workspace", "", "Workspace directory (overrides config)")
	root.PersistentFlags().String("data-dir", "", "Data directory (overrides config)")

	root.AddCommand(
		versionCmd(),
		startCmd(),
		configCmd(),
		sessionsCmd(),
		jobsCmd(),
		onboardCmd(),
		serviceCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and compiled modules",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "nanobot %s (commit: %s, built: %s)\n", version, commit, date)
			namespaces := core.Namespaces()
			if len(namespaces) == 0 {
				fmt.Fprintln(out, "\nNo compiled modules.")
				return
			}
			fmt.Fprintln(out, "\nCompiled modules:")
			for _, ns := range namespaces {
				fmt.Fprintf(out, "  %s\n", ns)
				for _, mod := range core.GetModulesByNamespace(ns) {
					fmt.Fprintf(out, "    %s\n", mod.ID)
				}
			}
		},
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start nanobot with all configured modules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Run(runParams(cmd))
		},
	}
}

// runParams collects the global flags into app.RunParams.
func runParams(cmd *cobra.Command) app.RunParams {
	cfgPath, _ := cmd.Flags().GetString("config")
	workspace, _ := cmd.Flags().GetString("workspace")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	return app.RunParams{
		ConfigPath: cfgPath,
		Version:    version,
		Commit:     commit,
		Date:       date,
		Workspace:  workspace,
		DataDir:    dataDir,
	}
}
