package main

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/JasdewStarfield/nanobot/internal/session"
	"github.com/spf13/cobra"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect persisted conversations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openSessions(cmd)
			if err != nil {
				return err
			}
			infos, err := store.ListSessions()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(infos) == 0 {
				fmt.Fprintln(out, "No sessions.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tUPDATED\tCREATED")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", info.Key, formatTime(info.UpdatedAt), formatTime(info.CreatedAt))
			}
			return tw.Flush()
		},
	})

	var window int
	show := &cobra.Command{
		Use:   "show <key>",
		Short: "Print the history window of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSessions(cmd)
			if err != nil {
				return err
			}
			sess, ok := store.Load(args[0])
			if !ok {
				return fmt.Errorf("session %q not found", args[0])
			}
			printHistory(cmd.OutOrStdout(), sess.GetHistory(window))
			return nil
		},
	}
	show.Flags().IntVar(&window, "window", 50, "Maximum number of context messages")
	cmd.AddCommand(show)

	return cmd
}

func openSessions(cmd *cobra.Command) (*session.Store, error) {
	cfg, _, err := loadConfig(cmd, false)
	if err != nil {
		return nil, err
	}
	paths := resolvePaths(cmd, cfg)
	return session.NewStore(session.Config{
		Dir:       paths.SessionsDir,
		LegacyDir: paths.LegacyDir,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func printHistory(w io.Writer, msgs []session.Message) {
	for _, m := range msgs {
		if m.Timestamp != "" {
			fmt.Fprintf(w, "[%s] ", m.Timestamp)
		}
		fmt.Fprintf(w, "%s: %s\n", m.Role, m.Content)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
