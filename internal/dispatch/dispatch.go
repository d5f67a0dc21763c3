// Package dispatch is the single path by which triggers (scheduler,
// heartbeat, webhooks) hand a prompt to the agent. It serializes turns per
// conversation key, bounds the number of in-flight turns, and owns the
// history-read, agent call, append and save sequence of a turn.
package dispatch

import (
	"errors"
	"fmt"
)

// Sentinel errors for dispatch operations.
var (
	// ErrBusy indicates every in-flight slot is taken. The request was not
	// accepted and the caller may retry later.
	ErrBusy = errors.New("dispatch: runner busy")

	// ErrStopped indicates the runner has been closed.
	ErrStopped = errors.New("dispatch: runner stopped")

	// ErrInvalidRequest indicates a request failed validation.
	ErrInvalidRequest = errors.New("dispatch: invalid request")

	// ErrNoAgent indicates no agent has been configured.
	ErrNoAgent = errors.New("dispatch: no agent configured")

	// ErrNoSessions indicates no session store has been configured.
	ErrNoSessions = errors.New("dispatch: no session store configured")
)

// Kind selects how a request is applied to its session.
type Kind string

// Request kinds.
const (
	// KindAgentTurn runs the agent with the prompt as the user message.
	KindAgentTurn Kind = "agent_turn"
	// KindSystemEvent appends the prompt as a system message without
	// invoking the agent.
	KindSystemEvent Kind = "system_event"
)

// Source names used in requests, logs and metrics.
const (
	SourceCron      = "cron"
	SourceHeartbeat = "heartbeat"
	SourceWebhook   = "webhook"
	SourceManual    = "manual"
)

// Request is one prompt to dispatch.
type Request struct {
	// SessionKey is the conversation the turn is appended to.
	SessionKey string `json:"session_key"`

	// Prompt is the user (or system event) text.
	Prompt string `json:"prompt"`

	// ContextSessionKey, when set, is the conversation whose history is
	// shown to the agent instead of SessionKey's.
	ContextSessionKey string `json:"context_session_key,omitempty"`

	// Model optionally overrides the agent's default model.
	Model string `json:"model,omitempty"`

	Kind   Kind   `json:"kind,omitempty"`
	Source string `json:"source,omitempty"`
	JobID  string `json:"job_id,omitempty"`

	// Deliver hands the final reply to the configured Deliverer.
	Deliver bool   `json:"deliver,omitempty"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

// Validate fills the default kind and checks required fields.
func (r *Request) Validate() error {
	if r.Kind == "" {
		r.Kind = KindAgentTurn
	}
	switch r.Kind {
	case KindAgentTurn, KindSystemEvent:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, r.Kind)
	}
	if r.SessionKey == "" {
		return fmt.Errorf("%w: session key is required", ErrInvalidRequest)
	}
	if r.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	return nil
}

// lanes returns the keys whose lanes a turn for r must hold.
func (r Request) lanes() []string {
	if r.ContextSessionKey == "" || r.ContextSessionKey == r.SessionKey {
		return []string{r.SessionKey}
	}
	return []string{r.SessionKey, r.ContextSessionKey}
}

// Submitter accepts requests for asynchronous dispatch. Submit returns once
// the request is accepted or rejected; it does not wait for the turn.
type Submitter interface {
	Submit(req Request) error
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(req Request) error

// Submit implements Submitter.
func (f SubmitterFunc) Submit(req Request) error { return f(req) }
