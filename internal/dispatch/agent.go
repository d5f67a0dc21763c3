package dispatch

import (
	"context"
	"time"

	"github.com/JasdewStarfield/nanobot/internal/session"
)

// Turn is the input of one agent invocation.
type Turn struct {
	Request Request
	// History is the windowed projection of the context session.
	History []session.Message
}

// Reply is the output of one agent invocation. Messages are appended to
// the session after the user prompt, in order.
type Reply struct {
	Messages []session.Message
}

// Final returns the content of the last assistant anchor in the reply.
func (r Reply) Final() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		m := r.Messages[i]
		if m.Role == session.RoleAssistant && m.IsAnchor() {
			return m.Content
		}
	}
	return ""
}

// Agent runs one conversational turn. Implementations live outside this
// package; dispatch never decides what the agent does with a prompt.
type Agent interface {
	Respond(ctx context.Context, turn Turn) (Reply, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, turn Turn) (Reply, error)

// Respond implements Agent.
func (f AgentFunc) Respond(ctx context.Context, turn Turn) (Reply, error) { return f(ctx, turn) }

// Delivery is a final reply addressed to an outbound channel.
type Delivery struct {
	SessionKey string `json:"session_key"`
	Channel    string `json:"channel"`
	To         string `json:"to"`
	Content    string `json:"content"`
}

// Deliverer forwards replies of requests marked Deliver.
type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, d Delivery) error

// Deliver implements Deliverer.
func (f DelivererFunc) Deliver(ctx context.Context, d Delivery) error { return f(ctx, d) }

// EventType names a dispatch lifecycle event.
type EventType string

// Event types.
const (
	EventStarted   EventType = "dispatch.started"
	EventCompleted EventType = "dispatch.completed"
	EventFailed    EventType = "dispatch.failed"
	EventRejected  EventType = "dispatch.rejected"
	EventDelivered EventType = "dispatch.delivered"
)

// Event describes a step of a dispatch.
type Event struct {
	Type       EventType     `json:"type"`
	SessionKey string        `json:"session_key"`
	Source     string        `json:"source,omitempty"`
	JobID      string        `json:"job_id,omitempty"`
	At         time.Time     `json:"at"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Observer receives dispatch events. Implementations must not block.
type Observer interface {
	DispatchEvent(e Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(e Event)

// DispatchEvent implements Observer.
func (f ObserverFunc) DispatchEvent(e Event) { f(e) }
