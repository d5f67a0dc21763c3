package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/JasdewStarfield/nanobot/internal/cron"
	"github.com/spf13/cobra"
)

// Jobs are edited directly in the job store. A running scheduler picks the
// changes up on its next tick.
func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "jobs",
		Aliases: []string{"cron"},
		Short:   "Manage scheduled jobs",
	}
	cmd.AddCommand(jobsListCmd(), jobsAddCmd(), jobsRemoveCmd(), jobsEnableCmd(true), jobsEnableCmd(false))
	return cmd
}

func openJobs(cmd *cobra.Command) (*cron.Store, error) {
	cfg, _, err := loadConfig(cmd, false)
	if err != nil {
		return nil, err
	}
	paths := resolvePaths(cmd, cfg)
	return cron.NewStore(cron.StoreConfig{
		Path:   paths.JobStore,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func jobsListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openJobs(cmd)
			if err != nil {
				return err
			}
			jobs, err := store.ListJobs(all)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSCHEDULE\tENABLED\tNEXT RUN\tLAST STATUS")
			for _, j := range jobs {
				next := "-"
				if j.State.NextRunAtMs > 0 {
					next = formatTime(time.UnixMilli(j.State.NextRunAtMs))
				}
				status := string(j.State.LastStatus)
				if status == "" {
					status = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n", j.ID, j.Name, j.Schedule, j.Enabled, next, status)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include disabled jobs")
	return cmd
}

type addFlags struct {
	name    string
	message string
	kind    string
	every   time.Duration
	at      string
	expr    string
	tz      string
	deliver bool
	channel string
	to      string
	once    bool
}

func jobsAddCmd() *cobra.Command {
	var f addFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sched, err := f.schedule()
			if err != nil {
				return err
			}
			store, err := openJobs(cmd)
			if err != nil {
				return err
			}
			var opts []cron.AddOption
			if f.once {
				opts = append(opts, cron.DeleteAfterRun())
			}
			job, err := store.AddJob(f.name, sched, cron.Payload{
				Kind:    cron.PayloadKind(f.kind),
				Message: f.message,
				Deliver: f.deliver,
				Channel: f.channel,
				To:      f.to,
			}, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added job %s (%s)\n", job.ID, job.Schedule)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.name, "name", "n", "", "Job name")
	fl.StringVarP(&f.message, "message", "m", "", "Message handed to the agent")
	fl.StringVar(&f.kind, "kind", string(cron.PayloadAgentTurn), "Payload kind: agent_turn or system_event")
	fl.DurationVar(&f.every, "every", 0, "Run at a fixed interval")
	fl.StringVar(&f.at, "at", "", "Run once at an RFC 3339 time")
	fl.StringVar(&f.expr, "cron", "", "Run on a cron expression")
	fl.StringVar(&f.tz, "tz", "", "IANA timezone for --cron")
	fl.BoolVar(&f.deliver, "deliver", false, "Deliver the final reply to --channel/--to")
	fl.StringVar(&f.channel, "channel", "", "Delivery channel")
	fl.StringVar(&f.to, "to", "", "Delivery recipient")
	fl.BoolVar(&f.once, "once", false, "Remove the job after its first successful run")
	_ = cmd.MarkFlagRequired("message")
	cmd.MarkFlagsMutuallyExclusive("every", "at", "cron")
	cmd.MarkFlagsOneRequired("every", "at", "cron")
	return cmd
}

var errTZWithoutCron = errors.New("--tz is only valid with --cron")

func (f addFlags) schedule() (cron.Schedule, error) {
	if f.tz != "" && f.expr == "" {
		return cron.Schedule{}, errTZWithoutCron
	}
	switch {
	case f.every != 0:
		return cron.Every(f.every), nil
	case f.at != "":
		t, err := time.Parse(time.RFC3339, f.at)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("--at: %w", err)
		}
		return cron.At(t), nil
	default:
		return cron.Cron(f.expr, f.tz), nil
	}
}

func jobsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove a job",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openJobs(cmd)
			if err != nil {
				return err
			}
			if err := store.RemoveJob(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed job %s\n", args[0])
			return nil
		},
	}
}

func jobsEnableCmd(enabled bool) *cobra.Command {
	use, verb := "enable <id>", "Enabled"
	if !enabled {
		use, verb = "disable <id>", "Disabled"
	}
	return &cobra.Command{
		Use:   use,
		Short: verb + " a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openJobs(cmd)
			if err != nil {
				return err
			}
			job, err := store.SetEnabled(args[0], enabled)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s job %s\n", verb, job.ID)
			return nil
		},
	}
}
