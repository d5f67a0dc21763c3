package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/JasdewStarfield/nanobot/internal/metrics"
	"github.com/JasdewStarfield/nanobot/internal/runlog"
	"github.com/JasdewStarfield/nanobot/internal/session"
)

const (
	// ServiceName is the AppContext service key of the Runner.
	ServiceName = "dispatch.runner"

	// AgentServiceName is the AppContext service key under which an agent
	// module publishes its Agent.
	AgentServiceName = "dispatch.agent"

	// DelivererServiceName is the AppContext service key under which a
	// channel module publishes its Deliverer.
	DelivererServiceName = "dispatch.deliverer"

	// DefaultMaxInFlight bounds concurrently accepted turns.
	DefaultMaxInFlight = 8

	// DefaultHistoryWindow is the number of context anchors shown to the agent.
	DefaultHistoryWindow = 500
)

// Config holds the configuration for a Runner.
type Config struct {
	Sessions *session.Store
	Agent    Agent

	// MaxInFlight bounds accepted but unfinished turns. Submit fails with
	// ErrBusy beyond it.
	MaxInFlight int

	// HistoryWindow is the maxAnchors argument of Session.GetHistory.
	HistoryWindow int

	// Deliverer receives final replies of requests marked Deliver. Nil
	// means replies are only stored.
	Deliverer Deliverer

	Observer Observer
	Recorder runlog.Store
	Metrics  *metrics.Metrics
	Tracer   trace.Tracer
	Logger   *slog.Logger
	Now      func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = DefaultHistoryWindow
	}
	if c.Tracer == nil {
		c.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Runner executes turns, at most one at a time per conversation key.
type Runner struct {
	cfg   Config
	lanes *LaneLock
	slots chan struct{}

	// base outlives any Submit caller; Close cancels it only when
	// in-flight turns overrun the shutdown deadline.
	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ Submitter = (*Runner)(nil)

// NewRunner creates a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Sessions == nil {
		return nil, ErrNoSessions
	}
	if cfg.Agent == nil {
		return nil, ErrNoAgent
	}
	cfg = cfg.withDefaults()
	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:    cfg,
		lanes:  NewLaneLock(),
		slots:  make(chan struct{}, cfg.MaxInFlight),
		base:   base,
		cancel: cancel,
	}, nil
}

// Submit accepts req for asynchronous execution. It returns nil once a
// slot has been taken and the turn has been spawned; the turn itself runs
// after the caller returns. Turn failures are logged and recorded, not
// returned.
func (r *Runner) Submit(req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.reject(req, ErrStopped)
		return ErrStopped
	}
	select {
	case r.slots <- struct{}{}:
	default:
		r.mu.Unlock()
		r.reject(req, ErrBusy)
		return ErrBusy
	}
	r.wg.Add(1)
	r.mu.Unlock()
	r.cfg.Metrics.SetInFlight(len(r.slots))

	go func() {
		defer r.wg.Done()
		defer func() {
			<-r.slots
			r.cfg.Metrics.SetInFlight(len(r.slots))
		}()
		_ = r.run(r.base, req)
	}()
	return nil
}

// Run executes req synchronously under its lanes and returns the turn error.
func (r *Runner) Run(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrStopped
	}
	return r.run(ctx, req)
}

// WithLane runs fn while holding the lane of key, so fn can read or mutate
// the session without racing a turn.
func (r *Runner) WithLane(key string, fn func(*session.Session) error) error {
	r.lanes.Acquire(key)
	defer r.lanes.Release(key)
	return fn(r.cfg.Sessions.GetOrCreate(key))
}

// InFlight returns the number of accepted, unfinished turns.
func (r *Runner) InFlight() int { return len(r.slots) }

// Close stops accepting requests and waits for in-flight turns. If ctx
// expires first, the turns' context is cancelled and ctx.Err is returned.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		r.cfg.Logger.Warn("dispatch: shutdown deadline reached, cancelling in-flight turns",
			"in_flight", len(r.slots),
		)
		return ctx.Err()
	}
}

func (r *Runner) run(ctx context.Context, req Request) error {
	release := r.lanes.AcquireAll(req.lanes()...)
	defer release()

	started := r.cfg.Now()
	logger := r.cfg.Logger.With("session", req.SessionKey, "source", req.Source)
	if req.JobID != "" {
		logger = logger.With("job", req.JobID)
	}

	ctx, span := r.cfg.Tracer.Start(ctx, "dispatch.turn", trace.WithAttributes(
		attribute.String("session.key", req.SessionKey),
		attribute.String("dispatch.source", req.Source),
		attribute.String("dispatch.kind", string(req.Kind)),
	))
	defer span.End()

	r.emit(Event{Type: EventStarted, SessionKey: req.SessionKey, Source: req.Source, JobID: req.JobID, At: started})
	logger.Debug("dispatch: turn started")

	reply, err := r.turn(ctx, req)

	elapsed := r.cfg.Now().Sub(started)
	r.cfg.Metrics.ObserveTurn(req.Source, err != nil, elapsed)
	r.record(ctx, logger, req, started, elapsed, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("dispatch: turn failed", "error", err, "duration", elapsed)
		r.emit(Event{
			Type: EventFailed, SessionKey: req.SessionKey, Source: req.Source, JobID: req.JobID,
			At: r.cfg.Now(), Duration: elapsed, Error: err.Error(),
		})
		return err
	}

	logger.Info("dispatch: turn completed", "duration", elapsed)
	r.emit(Event{
		Type: EventCompleted, SessionKey: req.SessionKey, Source: req.Source, JobID: req.JobID,
		At: r.cfg.Now(), Duration: elapsed,
	})

	if req.Deliver {
		r.deliver(ctx, logger, req, reply)
	}
	return nil
}

// turn performs the history read, agent call, append and save sequence.
// Nothing is appended when the agent fails.
func (r *Runner) turn(ctx context.Context, req Request) (Reply, error) {
	sess := r.cfg.Sessions.GetOrCreate(req.SessionKey)

	if req.Kind == KindSystemEvent {
		sess.Append(session.RoleSystem, req.Prompt)
		if err := r.cfg.Sessions.Save(sess); err != nil {
			return Reply{}, fmt.Errorf("dispatch: saving session: %w", err)
		}
		return Reply{}, nil
	}

	historySess := sess
	if req.ContextSessionKey != "" && req.ContextSessionKey != req.SessionKey {
		historySess = r.cfg.Sessions.GetOrCreate(req.ContextSessionKey)
	}
	history := historySess.GetHistory(r.cfg.HistoryWindow)

	reply, err := r.respond(ctx, Turn{Request: req, History: history})
	if err != nil {
		return Reply{}, err
	}

	sess.Append(session.RoleUser, req.Prompt)
	for _, m := range reply.Messages {
		sess.AddMessage(m)
	}
	if err := r.cfg.Sessions.Save(sess); err != nil {
		return Reply{}, fmt.Errorf("dispatch: saving session: %w", err)
	}
	return reply, nil
}

// respond calls the agent, converting a panic into an error.
func (r *Runner) respond(ctx context.Context, turn Turn) (reply Reply, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("dispatch: agent panic: %v", p)
		}
	}()
	reply, err = r.cfg.Agent.Respond(ctx, turn)
	if err != nil {
		return Reply{}, fmt.Errorf("dispatch: agent: %w", err)
	}
	return reply, nil
}

func (r *Runner) deliver(ctx context.Context, logger *slog.Logger, req Request, reply Reply) {
	content := reply.Final()
	if content == "" {
		logger.Debug("dispatch: nothing to deliver")
		return
	}
	d := Delivery{SessionKey: req.SessionKey, Channel: req.Channel, To: req.To, Content: content}
	if r.cfg.Deliverer == nil {
		logger.Info("dispatch: no deliverer configured, reply kept in session",
			"channel", req.Channel, "to", req.To)
		return
	}
	if err := r.cfg.Deliverer.Deliver(ctx, d); err != nil {
		logger.Warn("dispatch: delivery failed", "channel", req.Channel, "to", req.To, "error", err)
		return
	}
	r.emit(Event{Type: EventDelivered, SessionKey: req.SessionKey, Source: req.Source, JobID: req.JobID, At: r.cfg.Now()})
}

func (r *Runner) record(ctx context.Context, logger *slog.Logger, req Request, started time.Time, elapsed time.Duration, turnErr error) {
	if r.cfg.Recorder == nil {
		return
	}
	e := runlog.Entry{
		ID:         uuid.NewString(),
		SessionKey: req.SessionKey,
		Source:     req.Source,
		JobID:      req.JobID,
		StartedAt:  started,
		Duration:   elapsed,
		Status:     runlog.StatusOK,
	}
	if turnErr != nil {
		e.Status = runlog.StatusError
		e.Error = turnErr.Error()
	}
	// Recording must not fail because the turn's context was cancelled.
	if err := r.cfg.Recorder.Record(context.WithoutCancel(ctx), e); err != nil {
		logger.Warn("dispatch: recording run failed", "error", err)
	}
}

func (r *Runner) reject(req Request, err error) {
	reason := "busy"
	if errors.Is(err, ErrStopped) {
		reason = "stopped"
	}
	r.cfg.Metrics.Rejected(reason)
	r.cfg.Logger.Warn("dispatch: request rejected",
		"session", req.SessionKey, "source", req.Source, "reason", reason)
	r.emit(Event{
		Type: EventRejected, SessionKey: req.SessionKey, Source: req.Source, JobID: req.JobID,
		At: r.cfg.Now(), Error: err.Error(),
	})
}

func (r *Runner) emit(e Event) {
	if r.cfg.Observer != nil {
		r.cfg.Observer.DispatchEvent(e)
	}
}
