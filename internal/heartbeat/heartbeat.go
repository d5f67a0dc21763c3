// Package heartbeat fires a fixed "check in" prompt at a fixed interval,
// independent of the job store. Ticks inside quiet hours, or while the
// optional task file holds nothing actionable, are skipped.
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/JasdewStarfield/nanobot/internal/dispatch"
	"github.com/JasdewStarfield/nanobot/internal/metrics"
)

// Sentinel errors for heartbeat operations.
var (
	ErrAlreadyStarted = errors.New("heartbeat: already started")
	ErrNotStarted     = errors.New("heartbeat: not started")
	ErrInvalidQuiet   = errors.New("heartbeat: invalid quiet hours format")
	ErrNoSubmitter    = errors.New("heartbeat: nil submitter")
)

const (
	// ServiceName is the AppContext service key of the Heartbeat.
	ServiceName = "heartbeat"

	// DefaultInterval is the tick period when none is configured.
	DefaultInterval = 30 * time.Minute

	// DefaultSessionKey is the conversation heartbeat turns are appended to.
	DefaultSessionKey = "heartbeat"

	// DefaultPrompt is sent when no prompt is configured.
	DefaultPrompt = "Read HEARTBEAT.md in your workspace (if it exists). " +
		"Follow any instructions or tasks listed there. " +
		"If nothing needs attention, reply with just: HEARTBEAT_OK"
)

// Outcome describes what a tick did.
type Outcome string

// Tick outcomes.
const (
	OutcomeDispatched   Outcome = "dispatched"
	OutcomeSkippedQuiet Outcome = "skipped_quiet"
	OutcomeSkippedIdle  Outcome = "skipped_no_tasks"
	OutcomeFailed       Outcome = "failed"
)

// Config holds heartbeat configuration. Enabled state and interval are
// static configuration and are never persisted.
type Config struct {
	Interval time.Duration // default 30m
	Prompt   string

	// SessionKey receives the heartbeat turns. Default "heartbeat".
	SessionKey string

	// ContextSessionKey, when set, is the conversation whose history the
	// agent sees during a heartbeat turn.
	ContextSessionKey string

	// Model optionally overrides the agent model for heartbeat turns.
	Model string

	QuietHours *QuietHours    // nil = no quiet hours
	Timezone   *time.Location // nil = UTC

	// TaskFile, when set, gates ticks on the file holding actionable lines.
	TaskFile string

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time // injectable for testing
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Prompt == "" {
		c.Prompt = DefaultPrompt
	}
	if c.SessionKey == "" {
		c.SessionKey = DefaultSessionKey
	}
	if c.Timezone == nil {
		c.Timezone = time.UTC
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Status is a point-in-time view of the heartbeat.
type Status struct {
	Running     bool      `json:"running"`
	Interval    string    `json:"interval"`
	SessionKey  string    `json:"session_key"`
	LastTickAt  time.Time `json:"last_tick_at,omitzero"`
	LastOutcome Outcome   `json:"last_outcome,omitempty"`
}

// Heartbeat runs a dedicated goroutine that periodically submits the
// heartbeat prompt.
type Heartbeat struct {
	cfg       Config
	submitter dispatch.Submitter

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	lastTickAt  time.Time
	lastOutcome Outcome
}

// New creates a Heartbeat that hands its prompt to submitter.
func New(cfg Config, submitter dispatch.Submitter) (*Heartbeat, error) {
	if submitter == nil {
		return nil, ErrNoSubmitter
	}
	return &Heartbeat{
		cfg:       cfg.withDefaults(),
		submitter: submitter,
	}, nil
}

// Start begins the ticker loop. Returns ErrAlreadyStarted if called twice.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go h.run(ctx, h.done)

	h.cfg.Logger.Info("heartbeat: started",
		"interval", h.cfg.Interval,
		"session", h.cfg.SessionKey,
	)
	return nil
}

// Stop stops the loop and waits for it to exit, or for ctx to expire.
// Returns ErrNotStarted if not running.
func (h *Heartbeat) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.cancel == nil {
		h.mu.Unlock()
		return ErrNotStarted
	}
	h.cancel()
	h.cancel = nil
	done := h.done
	h.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerNow runs one tick immediately, outside the ticker cadence.
func (h *Heartbeat) TriggerNow() Outcome {
	return h.tick()
}

// Status returns the current state.
func (h *Heartbeat) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		Running:     h.cancel != nil,
		Interval:    h.cfg.Interval.String(),
		SessionKey:  h.cfg.SessionKey,
		LastTickAt:  h.lastTickAt,
		LastOutcome: h.lastOutcome,
	}
}

func (h *Heartbeat) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

// tick submits the heartbeat prompt unless a gate says otherwise.
func (h *Heartbeat) tick() Outcome {
	now := h.cfg.Now().In(h.cfg.Timezone)
	outcome := h.evaluate(now)

	h.mu.Lock()
	h.lastTickAt = now
	h.lastOutcome = outcome
	h.mu.Unlock()

	h.cfg.Metrics.Heartbeat(string(outcome))
	return outcome
}

func (h *Heartbeat) evaluate(now time.Time) Outcome {
	logger := h.cfg.Logger

	if h.cfg.QuietHours != nil && h.cfg.QuietHours.IsQuiet(now) {
		logger.Debug("heartbeat: skipped, quiet hours", "quiet_hours", h.cfg.QuietHours.String())
		return OutcomeSkippedQuiet
	}

	if h.cfg.TaskFile != "" {
		actionable, err := readTasks(h.cfg.TaskFile)
		if err != nil {
			logger.Warn("heartbeat: task file unreadable", "path", h.cfg.TaskFile, "error", err)
			return OutcomeFailed
		}
		if !actionable {
			logger.Debug("heartbeat: skipped, no actionable tasks", "path", h.cfg.TaskFile)
			return OutcomeSkippedIdle
		}
	}

	req := dispatch.Request{
		SessionKey:        h.cfg.SessionKey,
		ContextSessionKey: h.cfg.ContextSessionKey,
		Prompt:            h.cfg.Prompt,
		Model:             h.cfg.Model,
		Kind:              dispatch.KindAgentTurn,
		Source:            dispatch.SourceHeartbeat,
	}
	if err := h.submitter.Submit(req); err != nil {
		logger.Warn("heartbeat: dispatch failed", "session", h.cfg.SessionKey, "error", err)
		return OutcomeFailed
	}
	logger.Info("heartbeat: dispatched", "session", h.cfg.SessionKey)
	return OutcomeDispatched
}
