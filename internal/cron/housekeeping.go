package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Task is a periodic maintenance routine of the runtime itself, such as
// pruning old run records. Tasks are not persisted and never reach the agent.
type Task interface {
	// Name identifies the task in logs. Names must be unique.
	Name() string

	// Spec returns a 5-field cron expression (e.g., "0 * * * *").
	Spec() string

	// Run executes the task. Implementations should honor ctx cancellation.
	Run(ctx context.Context) error
}

// TaskFunc adapts a function to Task.
type TaskFunc struct {
	TaskName string
	TaskSpec string
	Fn       func(ctx context.Context) error
}

var _ Task = TaskFunc{}

// Name implements Task.
func (f TaskFunc) Name() string { return f.TaskName }

// Spec implements Task.
func (f TaskFunc) Spec() string { return f.TaskSpec }

// Run implements Task.
func (f TaskFunc) Run(ctx context.Context) error { return f.Fn(ctx) }

// Housekeeper runs maintenance tasks on their cron expressions. A task whose
// previous run is still in progress skips the tick.
type Housekeeper struct {
	mu     sync.Mutex
	cron   *cron.Cron
	tasks  []Task
	names  map[string]struct{}
	locks  map[string]*sync.Mutex
	logger *slog.Logger
	cancel context.CancelFunc
}

// NewHousekeeper creates a Housekeeper. Tasks must be registered before Start.
func NewHousekeeper(logger *slog.Logger) *Housekeeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Housekeeper{
		names:  make(map[string]struct{}),
		locks:  make(map[string]*sync.Mutex),
		logger: logger,
	}
}

// Register adds a task. Returns an error on duplicate names.
func (h *Housekeeper) Register(t Task) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	name := t.Name()
	if _, exists := h.names[name]; exists {
		return fmt.Errorf("cron: duplicate task name %q", name)
	}
	h.names[name] = struct{}{}
	h.locks[name] = &sync.Mutex{}
	h.tasks = append(h.tasks, t)
	return nil
}

// Start schedules every registered task. Returns an error if any task has
// an invalid expression.
func (h *Housekeeper) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.cron = cron.New(cron.WithParser(exprParser))

	for _, t := range h.tasks {
		lock := h.locks[t.Name()]
		if _, err := h.cron.AddFunc(t.Spec(), func() { h.runTask(ctx, t, lock) }); err != nil {
			cancel()
			return fmt.Errorf("cron: invalid spec for task %q: %w", t.Name(), err)
		}
	}

	h.cron.Start()
	h.logger.Info("cron: housekeeping started", "tasks", len(h.tasks))
	return nil
}

func (h *Housekeeper) runTask(ctx context.Context, t Task, lock *sync.Mutex) {
	if !lock.TryLock() {
		h.logger.Warn("cron: task still running, skipping tick", "task", t.Name())
		return
	}
	defer lock.Unlock()

	if err := t.Run(ctx); err != nil {
		h.logger.Error("cron: task failed", "task", t.Name(), "error", err)
		return
	}
	h.logger.Debug("cron: task completed", "task", t.Name())
}

// Stop cancels running tasks and waits for them to return.
func (h *Housekeeper) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		h.cancel()
	}
	if h.cron == nil {
		return nil
	}
	select {
	case <-h.cron.Stop().Done():
		h.logger.Info("cron: housekeeping stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cron: housekeeping stop: %w", ctx.Err())
	}
}
