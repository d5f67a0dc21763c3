package heartbeat

import (
	"fmt"
	"strings"
	"time"
)

// QuietHours defines a blackout window during which heartbeats are skipped.
// Format: "HH:MM-HH:MM" (24-hour). Supports midnight wrap (e.g., "23:00-07:00").
type QuietHours struct {
	Start time.Duration // offset from midnight
	End   time.Duration
}

// ParseQuietHours parses a "HH:MM-HH:MM" string into QuietHours.
func ParseQuietHours(s string) (QuietHours, error) {
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return QuietHours{}, fmt.Errorf("%w: expected HH:MM-HH:MM, got %q", ErrInvalidQuiet, s)
	}

	start, err := clockOffset(strings.TrimSpace(from))
	if err != nil {
		return QuietHours{}, fmt.Errorf("%w: start: %w", ErrInvalidQuiet, err)
	}
	end, err := clockOffset(strings.TrimSpace(to))
	if err != nil {
		return QuietHours{}, fmt.Errorf("%w: end: %w", ErrInvalidQuiet, err)
	}
	return QuietHours{Start: start, End: end}, nil
}

// clockOffset parses "HH:MM" into a Duration from midnight.
func clockOffset(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// IsQuiet reports whether t falls within the quiet window. The caller
// converts t to the desired timezone. Start is inclusive, End exclusive.
func (q QuietHours) IsQuiet(t time.Time) bool {
	offset := time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second

	if q.Start <= q.End {
		return offset >= q.Start && offset < q.End
	}
	// Midnight wrap.
	return offset >= q.Start || offset < q.End
}

// String formats q as "HH:MM-HH:MM".
func (q QuietHours) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d",
		int(q.Start.Hours()), int(q.Start.Minutes())%60,
		int(q.End.Hours()), int(q.End.Minutes())%60)
}
