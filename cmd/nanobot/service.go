package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JasdewStarfield/nanobot/pkg/app"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
)

// program runs app.Run under the host service manager.
type program struct {
	params app.RunParams
	stop   chan struct{}
	done   chan error
}

var _ service.Interface = (*program)(nil)

func newProgram(params app.RunParams) *program {
	p := &program{
		params: params,
		stop:   make(chan struct{}),
		done:   make(chan error, 1),
	}
	p.params.Stop = p.stop
	return p
}

// Start must not block.
func (p *program) Start(service.Service) error {
	go func() { p.done <- app.Run(p.params) }()
	return nil
}

func (p *program) Stop(service.Service) error {
	close(p.stop)
	return <-p.done
}

// serviceConfig describes the installed unit. The service re-executes this
// binary with "service run" and the absolute paths given at install time.
func serviceConfig(params app.RunParams) (*service.Config, error) {
	args := []string{"service", "run"}
	for _, f := range []struct{ name, value string }{
		{"--config", params.ConfigPath},
		{"--workspace", params.Workspace},
		{"--data-dir", params.DataDir},
	} {
		if f.value == "" {
			continue
		}
		abs, err := filepath.Abs(f.value)
		if err != nil {
			return nil, err
		}
		args = append(args, f.name, abs)
	}
	return &service.Config{
		Name:        "nanobot",
		DisplayName: "nanobot",
		Description: "Self-hosted personal agent runtime",
		Arguments:   args,
		Option: service.KeyValue{
			"UserService": true,
			"Restart":     "on-failure",
		},
	}, nil
}

var serviceActions = []string{"install", "uninstall", "start", "stop", "restart"}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Run nanobot under the system service manager",
	}

	cmd.AddCommand(&cobra.Command{
		Use:       "control <" + strings.Join(serviceActions, "|") + ">",
		Short:     "Install, remove, start or stop the service",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: serviceActions,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := runParams(cmd)
			if params.ConfigPath == "" {
				resolved, err := app.ResolveConfigPath()
				if err != nil {
					return err
				}
				params.ConfigPath = resolved
			}
			svc, err := newService(params)
			if err != nil {
				return err
			}
			if err := service.Control(svc, args[0]); err != nil {
				return fmt.Errorf("service %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service %s: ok\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run in the foreground as the service manager expects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := newService(runParams(cmd))
			if err != nil {
				return err
			}
			return svc.Run()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := newService(runParams(cmd))
			if err != nil {
				return err
			}
			st, err := svc.Status()
			if err != nil && !errors.Is(err, service.ErrNotInstalled) {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), statusText(st, err))
			return nil
		},
	})
	return cmd
}

func newService(params app.RunParams) (service.Service, error) {
	cfg, err := serviceConfig(params)
	if err != nil {
		return nil, err
	}
	if exe, err := os.Executable(); err == nil {
		cfg.Executable = exe
	}
	return service.New(newProgram(params), cfg)
}

func statusText(st service.Status, err error) string {
	if errors.Is(err, service.ErrNotInstalled) {
		return "not installed"
	}
	switch st {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
