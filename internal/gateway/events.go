package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/JasdewStarfield/nanobot/internal/cron"
	"github.com/JasdewStarfield/nanobot/internal/dispatch"
)

const (
	subscriberBuffer = 64
	writeTimeout     = 5 * time.Second
)

// Stream event kinds.
const (
	StreamDispatch = "dispatch"
	StreamJobRun   = "job_run"
)

// StreamEvent is one message on /ws/events.
type StreamEvent struct {
	Kind     string          `json:"kind"`
	Dispatch *dispatch.Event `json:"dispatch,omitempty"`
	JobRun   *JobRunEvent    `json:"job_run,omitempty"`
}

// JobRunEvent summarizes a scheduler dispatch attempt.
type JobRunEvent struct {
	JobID       string    `json:"job_id"`
	Name        string    `json:"name"`
	Manual      bool      `json:"manual,omitempty"`
	At          time.Time `json:"at"`
	Error       string    `json:"error,omitempty"`
	Removed     bool      `json:"removed,omitempty"`
	NextRunAtMs int64     `json:"next_run_at_ms,omitempty"`
}

// EventHub fans dispatch and scheduler events out to websocket clients.
// Slow clients lose events rather than stall the publisher.
type EventHub struct {
	mu      sync.Mutex
	subs    map[chan []byte]struct{}
	done    chan struct{}
	closed  bool
	dropped atomic.Int64
	logger  *slog.Logger
}

var (
	_ dispatch.Observer = (*EventHub)(nil)
	_ cron.Observer     = (*EventHub)(nil)
	_ http.Handler      = (*EventHub)(nil)
)

// NewEventHub creates an empty hub.
func NewEventHub(logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHub{
		subs:   make(map[chan []byte]struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// DispatchEvent implements dispatch.Observer.
func (h *EventHub) DispatchEvent(e dispatch.Event) {
	h.publish(StreamEvent{Kind: StreamDispatch, Dispatch: &e})
}

// JobRun implements cron.Observer.
func (h *EventHub) JobRun(r cron.Run) {
	ev := &JobRunEvent{
		JobID:       r.Job.ID,
		Name:        r.Job.Name,
		Manual:      r.Manual,
		At:          r.At,
		Removed:     r.Removed,
		NextRunAtMs: r.NextRunAtMs,
	}
	if r.Err != nil {
		ev.Error = r.Err.Error()
	}
	h.publish(StreamEvent{Kind: StreamJobRun, JobRun: ev})
}

func (h *EventHub) publish(ev StreamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("gateway: encoding stream event", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of connected clients.
func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many events were discarded for slow clients.
func (h *EventHub) Dropped() int64 { return h.dropped.Load() }

// Close disconnects every client. Later connections are refused.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
}

func (h *EventHub) subscribe() (chan []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch := make(chan []byte, subscriberBuffer)
	h.subs[ch] = struct{}{}
	return ch, true
}

func (h *EventHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, ch)
}

// ServeHTTP upgrades the request and streams events until either side
// closes. Client messages are ignored.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.subscribe()
	if !ok {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.unsubscribe(ch)

	// The stream outlives the server's request timeouts.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("gateway: websocket accept failed", "error", err)
		return
	}
	defer func() {
		_ = conn.Close(websocket.StatusInternalError, "unexpected close")
	}()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case data := <-ch:
			if err := h.write(ctx, conn, data); err != nil {
				h.logger.Debug("gateway: event client gone", "error", err)
				return
			}
		}
	}
}

func (h *EventHub) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
