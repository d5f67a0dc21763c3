// Package session persists conversation logs as one JSONL file per
// conversation key and computes the bounded history window fed to agents.
package session

import (
	"slices"
	"time"
)

// timeLayout is the timestamp format written for messages and metadata.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Session is the append-only message log of one conversation.
//
// A Session is not safe for concurrent use. Callers serialize access per
// key (see dispatch.LaneLock); the Store only guards its own cache.
type Session struct {
	// Key identifies the conversation, e.g. "telegram:12345". It never
	// changes after creation.
	Key       string
	Messages  []Message
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  map[string]any

	// LastConsolidated counts the leading messages already summarized by an
	// external consolidation process. It is side information only: history
	// windowing never reads it.
	LastConsolidated int

	now func() time.Time
}

// New returns an empty session for key.
func New(key string) *Session {
	return newSession(key, time.Now)
}

func newSession(key string, now func() time.Time) *Session {
	ts := now()
	return &Session{
		Key:       key,
		CreatedAt: ts,
		UpdatedAt: ts,
		Metadata:  make(map[string]any),
		now:       now,
	}
}

func (s *Session) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

// AddMessage appends m to the log, stamping it with the current time when
// m carries no timestamp.
func (s *Session) AddMessage(m Message) {
	ts := s.clock()
	if m.Timestamp == "" {
		m.Timestamp = ts.Format(timeLayout)
	}
	s.Messages = append(s.Messages, m)
	s.UpdatedAt = ts
}

// Append is a shorthand for AddMessage with only a role and content.
func (s *Session) Append(role, content string) {
	s.AddMessage(Message{Role: role, Content: content})
}

// CountContextMessages returns the number of context anchors in the log.
func (s *Session) CountContextMessages() int {
	n := 0
	for _, m := range s.Messages {
		if m.IsAnchor() {
			n++
		}
	}
	return n
}

// GetHistory returns the newest messages holding at most maxAnchors
// context anchors, in chronological order. Non-anchor messages that follow
// the oldest selected anchor are kept, so a tool-call exchange is never cut
// in half. Entries are projections: role, content and tool/reasoning fields
// only.
func (s *Session) GetHistory(maxAnchors int) []Message {
	if maxAnchors <= 0 {
		return nil
	}

	start := len(s.Messages)
	anchors := 0
	for start > 0 {
		start--
		if s.Messages[start].IsAnchor() {
			anchors++
			if anchors >= maxAnchors {
				break
			}
		}
	}

	out := make([]Message, 0, len(s.Messages)-start)
	for _, m := range s.Messages[start:] {
		out = append(out, m.projection())
	}
	return out
}

// Clear empties the log and resets the consolidation watermark. The key and
// metadata are kept.
func (s *Session) Clear() {
	s.Messages = nil
	s.LastConsolidated = 0
	s.UpdatedAt = s.clock()
}

// MarkConsolidated advances the consolidation watermark to n. The watermark
// never moves backwards and never exceeds the log length.
func (s *Session) MarkConsolidated(n int) {
	n = min(n, len(s.Messages))
	if n > s.LastConsolidated {
		s.LastConsolidated = n
	}
}

// Unconsolidated returns the messages not yet covered by the watermark.
func (s *Session) Unconsolidated() []Message {
	lc := min(max(s.LastConsolidated, 0), len(s.Messages))
	return slices.Clone(s.Messages[lc:])
}
