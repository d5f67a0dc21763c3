package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/JasdewStarfield/nanobot/internal/config"
	"github.com/JasdewStarfield/nanobot/internal/core"
	"github.com/JasdewStarfield/nanobot/internal/cron"
	"github.com/JasdewStarfield/nanobot/internal/dispatch"
	"github.com/JasdewStarfield/nanobot/internal/gateway"
	"github.com/JasdewStarfield/nanobot/internal/heartbeat"
	"github.com/JasdewStarfield/nanobot/internal/metrics"
	"github.com/JasdewStarfield/nanobot/internal/runlog"
	"github.com/JasdewStarfield/nanobot/internal/security"
	"github.com/JasdewStarfield/nanobot/internal/session"
	"github.com/JasdewStarfield/nanobot/internal/telemetry"
)

const (
	defaultRunRetention = 30 * 24 * time.Hour
	memoryRunCapacity   = 1000
)

// component adapts a runtime part to the core lifecycle so it starts after
// the loaded modules and stops before them.
type component struct {
	id    core.ModuleID
	start func() error
	stop  func(ctx context.Context) error
}

var (
	_ core.Starter = (*component)(nil)
	_ core.Stopper = (*component)(nil)
)

func (c *component) ModuleInfo() core.ModuleInfo { return core.ModuleInfo{ID: c.id} }

func (c *component) Start() error {
	if c.start == nil {
		return nil
	}
	return c.start()
}

func (c *component) Stop(ctx context.Context) error {
	if c.stop == nil {
		return nil
	}
	return c.stop(ctx)
}

// runtime holds the state and scheduling core built around the modules.
type runtime struct {
	sessions  *session.Store
	jobs      *cron.Store
	runner    *dispatch.Runner
	scheduler *cron.Scheduler
	heartbeat *heartbeat.Heartbeat
	runs      runlog.Store
	metrics   *metrics.Metrics
}

// wireRuntime builds the session store, job store, runner, scheduler and
// heartbeat, registers them as services and appends them to the app
// lifecycle. Must be called after LoadModules and before Start.
func wireRuntime(
	app *core.App,
	appCtx *core.AppContext,
	cfg *config.Config,
	paths config.Paths,
	limiter *security.RateLimiter,
) (*runtime, error) {
	logger := appCtx.Logger
	rt := &runtime{metrics: metrics.New()}
	appCtx.RegisterService(metrics.ServiceName, rt.metrics)

	tel, err := telemetry.New(context.Background(), cfg.Telemetry, logger)
	if err != nil {
		return nil, err
	}
	app.Append(&component{id: "telemetry", stop: tel.Shutdown})

	rt.sessions, err = session.NewStore(session.Config{
		Dir:       paths.SessionsDir,
		LegacyDir: paths.LegacyDir,
		Logger:    logger.With("component", "session"),
	})
	if err != nil {
		return nil, err
	}
	appCtx.RegisterService(session.ServiceName, rt.sessions)

	agent, err := lookup[dispatch.Agent](appCtx, dispatch.AgentServiceName)
	if err != nil {
		return nil, err
	}
	deliverer, _ := lookup[dispatch.Deliverer](appCtx, dispatch.DelivererServiceName)

	rt.runs, _ = lookup[runlog.Store](appCtx, runlog.ServiceName)
	if rt.runs == nil {
		rt.runs = runlog.NewMemoryStore(memoryRunCapacity)
		appCtx.RegisterService(runlog.ServiceName, rt.runs)
	}

	events, _ := lookup[*gateway.EventHub](appCtx, gateway.EventsServiceName)

	rt.runner, err = dispatch.NewRunner(dispatch.Config{
		Sessions:      rt.sessions,
		Agent:         agent,
		MaxInFlight:   cfg.Dispatch.MaxInFlight,
		HistoryWindow: cfg.Sessions.HistoryWindow,
		Deliverer:     deliverer,
		Observer:      dispatchObserver(events),
		Recorder:      rt.runs,
		Metrics:       rt.metrics,
		Tracer:        tel.Tracer(),
		Logger:        logger.With("component", "dispatch"),
	})
	if err != nil {
		return nil, err
	}
	appCtx.RegisterService(dispatch.ServiceName, rt.runner)
	app.Append(&component{id: "dispatch", stop: rt.runner.Close})

	if cfg.Sessions.Watch {
		w, err := session.NewWatcher(rt.sessions)
		if err != nil {
			return nil, err
		}
		watchCtx, cancel := context.WithCancel(context.Background())
		app.Append(&component{
			id:    "session.watcher",
			start: func() error { w.Start(watchCtx); return nil },
			stop: func(context.Context) error {
				cancel()
				return w.Stop()
			},
		})
	}

	if err := wireScheduler(app, appCtx, cfg, paths, rt, events); err != nil {
		return nil, err
	}
	if err := wireHeartbeat(app, appCtx, cfg, paths, rt); err != nil {
		return nil, err
	}
	if err := wireHousekeeping(app, cfg, rt, limiter, logger); err != nil {
		return nil, err
	}
	return rt, nil
}

func wireScheduler(app *core.App, appCtx *core.AppContext, cfg *config.Config, paths config.Paths, rt *runtime, events *gateway.EventHub) error {
	var err error
	rt.jobs, err = cron.NewStore(cron.StoreConfig{
		Path:   paths.JobStore,
		Logger: appCtx.Logger.With("component", "cron"),
	})
	if err != nil {
		return err
	}
	appCtx.RegisterService(cron.StoreServiceName, rt.jobs)

	if cfg.Cron.Disabled {
		appCtx.Logger.Info("cron: scheduler disabled")
		return nil
	}

	rt.scheduler, err = cron.New(cron.Config{
		Store:    rt.jobs,
		Handler:  jobHandler(rt.runner),
		Tick:     cfg.Cron.Tick,
		Observer: jobObserver(rt.metrics, events),
		Logger:   appCtx.Logger.With("component", "cron"),
	})
	if err != nil {
		return err
	}
	appCtx.RegisterService(cron.SchedulerServiceName, rt.scheduler)

	schedCtx, cancel := context.WithCancel(context.Background())
	app.Append(&component{
		id:    "cron.scheduler",
		start: func() error { return rt.scheduler.Start(schedCtx) },
		stop: func(ctx context.Context) error {
			defer cancel()
			return rt.scheduler.Stop(ctx)
		},
	})
	return nil
}

func wireHeartbeat(app *core.App, appCtx *core.AppContext, cfg *config.Config, paths config.Paths, rt *runtime) error {
	hc := cfg.Heartbeat
	if !hc.Enabled {
		return nil
	}

	hbCfg := heartbeat.Config{
		Interval:          hc.Interval,
		Prompt:            hc.Prompt,
		SessionKey:        hc.SessionKey,
		ContextSessionKey: hc.ContextSessionKey,
		Model:             hc.Model,
		TaskFile:          paths.TaskFile,
		Metrics:           rt.metrics,
		Logger:            appCtx.Logger.With("component", "heartbeat"),
	}
	if hc.QuietHours != "" {
		q, err := heartbeat.ParseQuietHours(hc.QuietHours)
		if err != nil {
			return err
		}
		hbCfg.QuietHours = &q
	}
	if hc.Timezone != "" {
		loc, err := time.LoadLocation(hc.Timezone)
		if err != nil {
			return fmt.Errorf("heartbeat: timezone: %w", err)
		}
		hbCfg.Timezone = loc
	}

	hb, err := heartbeat.New(hbCfg, rt.runner)
	if err != nil {
		return err
	}
	rt.heartbeat = hb
	appCtx.RegisterService(heartbeat.ServiceName, hb)

	hbCtx, cancel := context.WithCancel(context.Background())
	app.Append(&component{
		id:    "heartbeat",
		start: func() error { return hb.Start(hbCtx) },
		stop: func(ctx context.Context) error {
			defer cancel()
			return hb.Stop(ctx)
		},
	})
	return nil
}

func wireHousekeeping(app *core.App, cfg *config.Config, rt *runtime, limiter *security.RateLimiter, logger *slog.Logger) error {
	retention := cfg.Dispatch.RunRetention
	if retention <= 0 {
		retention = defaultRunRetention
	}

	hk := cron.NewHousekeeper(logger.With("component", "housekeeping"))
	tasks := []cron.Task{
		cron.TaskFunc{
			TaskName: "runlog.prune",
			TaskSpec: "17 3 * * *",
			Fn: func(ctx context.Context) error {
				n, err := rt.runs.Prune(ctx, time.Now().Add(-retention))
				if err == nil && n > 0 {
					logger.Info("housekeeping: pruned run records", "count", n)
				}
				return err
			},
		},
		cron.TaskFunc{
			TaskName: "ratelimit.sweep",
			TaskSpec: "*/5 * * * *",
			Fn: func(context.Context) error {
				limiter.Sweep()
				return nil
			},
		},
	}
	for _, t := range tasks {
		if err := hk.Register(t); err != nil {
			return err
		}
	}
	app.Append(&component{id: "housekeeping", start: hk.Start, stop: hk.Stop})
	return nil
}

// jobHandler maps a due job to a dispatch request on the job's session.
func jobHandler(sub dispatch.Submitter) cron.Handler {
	return func(_ context.Context, job cron.Job) error {
		return sub.Submit(jobRequest(job))
	}
}

func jobRequest(job cron.Job) dispatch.Request {
	kind := dispatch.KindAgentTurn
	if job.Payload.Kind == cron.PayloadSystemEvent {
		kind = dispatch.KindSystemEvent
	}
	return dispatch.Request{
		SessionKey: job.SessionKey(),
		Prompt:     job.Payload.Message,
		Kind:       kind,
		Source:     dispatch.SourceCron,
		JobID:      job.ID,
		Deliver:    job.Payload.Deliver,
		Channel:    job.Payload.Channel,
		To:         job.Payload.To,
	}
}

func dispatchObserver(events *gateway.EventHub) dispatch.Observer {
	if events == nil {
		return nil
	}
	return events
}

func jobObserver(m *metrics.Metrics, events *gateway.EventHub) cron.Observer {
	return cron.ObserverFunc(func(r cron.Run) {
		m.JobRun(r.Err != nil)
		if events != nil {
			events.JobRun(r)
		}
	})
}

// lookup resolves a required service of type T.
func lookup[T any](ctx *core.AppContext, name string) (T, error) {
	var zero T
	svc, ok := ctx.GetService(name)
	if !ok {
		return zero, fmt.Errorf("app: no %s service registered (is a module providing it configured?)", name)
	}
	typed, ok := svc.(T)
	if !ok {
		return zero, fmt.Errorf("app: service %s has type %T", name, svc)
	}
	return typed, nil
}

// openAuditLog opens the append-only audit file, creating its directory.
func openAuditLog(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("app: creating audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("app: opening audit log: %w", err)
	}
	return f, nil
}
