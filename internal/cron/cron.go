// Package cron persists user-defined jobs and fires them from a polling
// tick loop. It also runs the process's own housekeeping tasks on cron
// expressions.
package cron

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for job operations.
var (
	ErrJobNotFound     = errors.New("cron: job not found")
	ErrInvalidSchedule = errors.New("cron: invalid schedule")
	ErrInvalidPayload  = errors.New("cron: invalid payload")
	ErrInvalidJob      = errors.New("cron: invalid job")
)

// SessionKeyPrefix prefixes the conversation key of every job dispatch.
const SessionKeyPrefix = "cron:"

// PayloadKind selects how a job's message is handed to the agent.
type PayloadKind string

// Payload kinds.
const (
	// PayloadAgentTurn runs a full agent turn with the message as the user prompt.
	PayloadAgentTurn PayloadKind = "agent_turn"
	// PayloadSystemEvent records the message as a system event in the job session.
	PayloadSystemEvent PayloadKind = "system_event"
)

// Payload is the dispatch data of a job.
type Payload struct {
	Kind    PayloadKind `json:"kind"`
	Message string      `json:"message"`
	// Deliver forwards the agent's final reply to Channel/To.
	Deliver bool   `json:"deliver"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

// Normalize fills defaults and validates p.
func (p Payload) Normalize() (Payload, error) {
	if p.Kind == "" {
		p.Kind = PayloadAgentTurn
	}
	switch p.Kind {
	case PayloadAgentTurn, PayloadSystemEvent:
	default:
		return p, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, p.Kind)
	}
	if p.Message == "" {
		return p, fmt.Errorf("%w: message is required", ErrInvalidPayload)
	}
	if p.Deliver && (p.Channel == "" || p.To == "") {
		return p, fmt.Errorf("%w: deliver requires channel and to", ErrInvalidPayload)
	}
	return p, nil
}

// RunStatus is the outcome of the last dispatch attempt.
type RunStatus string

// Run statuses.
const (
	StatusOK    RunStatus = "ok"
	StatusError RunStatus = "error"
)

// State is scheduler-owned bookkeeping. Callers treat it as read-only.
type State struct {
	NextRunAtMs int64     `json:"nextRunAtMs,omitempty"`
	LastRunAtMs int64     `json:"lastRunAtMs,omitempty"`
	LastStatus  RunStatus `json:"lastStatus,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
}

// Job is a persisted unit of scheduled work.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          State    `json:"state"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	UpdatedAtMs    int64    `json:"updatedAtMs"`
	DeleteAfterRun bool     `json:"deleteAfterRun"`
}

// OneShot reports whether the job is removed after its first successful
// dispatch.
func (j Job) OneShot() bool {
	return j.Schedule.Kind == KindAt || j.DeleteAfterRun
}

// SessionKey is the conversation key the job dispatches under.
func (j Job) SessionKey() string {
	return SessionKeyPrefix + j.ID
}

// Due reports whether an enabled job should fire at now.
func (j Job) Due(now time.Time) bool {
	return j.Enabled && j.State.NextRunAtMs > 0 && j.State.NextRunAtMs <= now.UnixMilli()
}

func (j Job) validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidJob)
	}
	if err := j.Schedule.Validate(); err != nil {
		return err
	}
	return nil
}
