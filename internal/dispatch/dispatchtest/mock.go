// Package dispatchtest provides test doubles for the dispatch package.
package dispatchtest

import (
	"context"
	"sync"

	"github.com/JasdewStarfield/nanobot/internal/dispatch"
	"github.com/JasdewStarfield/nanobot/internal/session"
)

// Agent answers every turn with "echo: <prompt>" unless Err or RespondFunc
// is set, and records the turns it saw.
type Agent struct {
	Err         error
	RespondFunc func(ctx context.Context, turn dispatch.Turn) (dispatch.Reply, error)

	mu    sync.Mutex
	turns []dispatch.Turn
}

var _ dispatch.Agent = (*Agent)(nil)

// Respond implements dispatch.Agent.
func (a *Agent) Respond(ctx context.Context, turn dispatch.Turn) (dispatch.Reply, error) {
	a.mu.Lock()
	a.turns = append(a.turns, turn)
	a.mu.Unlock()

	if a.RespondFunc != nil {
		return a.RespondFunc(ctx, turn)
	}
	if a.Err != nil {
		return dispatch.Reply{}, a.Err
	}
	return dispatch.Reply{Messages: []session.Message{
		{Role: session.RoleAssistant, Content: "echo: " + turn.Request.Prompt},
	}}, nil
}

// Turns returns a copy of the recorded turns.
func (a *Agent) Turns() []dispatch.Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]dispatch.Turn, len(a.turns))
	copy(out, a.turns)
	return out
}

// Submitter records submitted requests and returns Err.
type Submitter struct {
	Err error

	mu   sync.Mutex
	reqs []dispatch.Request
	ch   chan dispatch.Request
}

var _ dispatch.Submitter = (*Submitter)(nil)

// NewSubmitter returns a Submitter whose C channel receives every
// request (buffered).
func NewSubmitter(buffer int) *Submitter {
	return &Submitter{ch: make(chan dispatch.Request, buffer)}
}

// Submit implements dispatch.Submitter.
func (s *Submitter) Submit(req dispatch.Request) error {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	err := s.Err
	ch := s.ch
	s.mu.Unlock()

	if ch != nil {
		select {
		case ch <- req:
		default:
		}
	}
	return err
}

// SetErr changes the error returned by Submit.
func (s *Submitter) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

// C returns the notification channel (nil unless built with NewSubmitter).
func (s *Submitter) C() <-chan dispatch.Request { return s.ch }

// Requests returns a copy of the recorded requests.
func (s *Submitter) Requests() []dispatch.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dispatch.Request, len(s.reqs))
	copy(out, s.reqs)
	return out
}

// Deliverer records deliveries.
type Deliverer struct {
	Err error

	mu         sync.Mutex
	deliveries []dispatch.Delivery
}

var _ dispatch.Deliverer = (*Deliverer)(nil)

// Deliver implements dispatch.Deliverer.
func (d *Deliverer) Deliver(_ context.Context, del dispatch.Delivery) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliveries = append(d.deliveries, del)
	return d.Err
}

// Deliveries returns a copy of the recorded deliveries.
func (d *Deliverer) Deliveries() []dispatch.Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]dispatch.Delivery, len(d.deliveries))
	copy(out, d.deliveries)
	return out
}

// Observer records events.
type Observer struct {
	mu     sync.Mutex
	events []dispatch.Event
}

var _ dispatch.Observer = (*Observer)(nil)

// DispatchEvent implements dispatch.Observer.
func (o *Observer) DispatchEvent(e dispatch.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

// Types returns the recorded event types in order.
func (o *Observer) Types() []dispatch.EventType {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]dispatch.EventType, len(o.events))
	for i, e := range o.events {
		out[i] = e.Type
	}
	return out
}
