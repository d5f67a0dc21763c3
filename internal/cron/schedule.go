package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind identifies a schedule variant.
type Kind string

// Schedule kinds.
const (
	// KindEvery fires repeatedly at a fixed interval.
	KindEvery Kind = "every"
	// KindAt fires once at a fixed instant.
	KindAt Kind = "at"
	// KindCron fires on a 5-field cron expression, optionally in a time zone.
	KindCron Kind = "cron"
)

// Schedule is a recurrence rule. Only the fields of its Kind are set.
type Schedule struct {
	Kind    Kind   `json:"kind"`
	AtMs    int64  `json:"atMs,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	Expr    string `json:"expr,omitempty"`
	TZ      string `json:"tz,omitempty"`
}

// Every returns a fixed-interval schedule.
func Every(d time.Duration) Schedule {
	return Schedule{Kind: KindEvery, EveryMs: d.Milliseconds()}
}

// At returns a one-shot schedule.
func At(t time.Time) Schedule {
	return Schedule{Kind: KindAt, AtMs: t.UnixMilli()}
}

// Cron returns a cron-expression schedule evaluated in tz (empty means the
// local zone).
func Cron(expr, tz string) Schedule {
	return Schedule{Kind: KindCron, Expr: expr, TZ: tz}
}

// MaxEvery is the longest interval an every schedule accepts.
const MaxEvery = 100 * 365 * 24 * time.Hour

var maxEveryMs = MaxEvery.Milliseconds()

var exprParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether s is well-formed.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("%w: everyMs must be positive", ErrInvalidSchedule)
		}
		if s.EveryMs > maxEveryMs {
			return fmt.Errorf("%w: everyMs exceeds %s", ErrInvalidSchedule, MaxEvery)
		}
	case KindAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("%w: atMs must be positive", ErrInvalidSchedule)
		}
	case KindCron:
		if _, err := s.parse(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, s.Kind)
	}
	return nil
}

func (s Schedule) parse() (cron.Schedule, error) {
	loc := time.Local
	if s.TZ != "" {
		l, err := time.LoadLocation(s.TZ)
		if err != nil {
			return nil, fmt.Errorf("%w: tz %q: %w", ErrInvalidSchedule, s.TZ, err)
		}
		loc = l
	}
	sched, err := exprParser.Parse(s.Expr)
	if err != nil {
		return nil, fmt.Errorf("%w: expr %q: %w", ErrInvalidSchedule, s.Expr, err)
	}
	if spec, ok := sched.(*cron.SpecSchedule); ok {
		spec.Location = loc
	}
	return sched, nil
}

// FirstRun returns the first fire time of a job created at createdMs.
// An At schedule in the past is due immediately.
func (s Schedule) FirstRun(createdMs int64) (int64, bool) {
	switch s.Kind {
	case KindEvery:
		if s.EveryMs <= 0 || s.EveryMs > maxEveryMs {
			return 0, false
		}
		return createdMs + s.EveryMs, true
	case KindAt:
		return s.AtMs, s.AtMs > 0
	case KindCron:
		return s.nextCron(createdMs)
	}
	return 0, false
}

// NextRun returns the fire time following a fire that was scheduled for
// scheduledMs and happened at nowMs. At schedules are terminal.
//
// Every schedules skip missed intervals: the next fire is one interval after
// the scheduled time, or one interval after now when that is already past.
// A process that was offline fires once on return and resumes its cadence
// from there. Cron schedules fire at the first match after now.
func (s Schedule) NextRun(scheduledMs, nowMs int64) (int64, bool) {
	switch s.Kind {
	case KindEvery:
		if s.EveryMs <= 0 || s.EveryMs > maxEveryMs {
			return 0, false
		}
		next := scheduledMs + s.EveryMs
		if next <= nowMs {
			next = nowMs + s.EveryMs
		}
		return next, true
	case KindCron:
		return s.nextCron(nowMs)
	}
	return 0, false
}

func (s Schedule) nextCron(afterMs int64) (int64, bool) {
	sched, err := s.parse()
	if err != nil {
		return 0, false
	}
	next := sched.Next(time.UnixMilli(afterMs))
	if next.IsZero() {
		return 0, false
	}
	return next.UnixMilli(), true
}

// String renders s for logs and listings.
func (s Schedule) String() string {
	switch s.Kind {
	case KindEvery:
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	case KindAt:
		return "at " + time.UnixMilli(s.AtMs).UTC().Format(time.RFC3339)
	case KindCron:
		if s.TZ != "" {
			return "cron " + s.Expr + " (" + s.TZ + ")"
		}
		return "cron " + s.Expr
	}
	return string(s.Kind)
}
