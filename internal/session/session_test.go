package session

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"
)

// fakeTime provides a controllable clock for tests.
type fakeTime struct {
	mu      sync.Mutex
	current time.Time
}

func newFakeTime() *fakeTime {
	return &fakeTime{current: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)}
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeTime) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.current.Add(d)
}

func toolCall(id string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`[{"id":%q,"type":"function","function":{"name":"search","arguments":"{}"}}]`, id))
}

// buildToolSession returns: user, assistant(tool), tool, assistant, user, assistant.
func buildToolSession() *Session {
	s := New("cli:direct")
	s.Append(RoleUser, "find the weather")
	s.AddMessage(Message{Role: RoleAssistant, ToolCalls: toolCall("c1")})
	s.AddMessage(Message{Role: RoleTool, Content: "sunny", ToolCallID: "c1", Name: "search"})
	s.Append(RoleAssistant, "It is sunny.")
	s.Append(RoleUser, "thanks")
	s.AddMessage(Message{Role: RoleAssistant, Content: "You're welcome.", ReasoningContent: "polite"})
	return s
}

func roles(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func TestSession_AddMessage_StampsTime(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	s := newSession("k", ft.Now)
	ft.Advance(time.Minute)
	s.Append(RoleUser, "hi")

	if len(s.Messages) != 1 {
		t.Fatalf("len(Messages) = %d, want 1", len(s.Messages))
	}
	if s.Messages[0].Timestamp != ft.Now().Format(timeLayout) {
		t.Errorf("Timestamp = %q, want %q", s.Messages[0].Timestamp, ft.Now().Format(timeLayout))
	}
	if !s.UpdatedAt.Equal(ft.Now()) {
		t.Errorf("UpdatedAt = %v, want %v", s.UpdatedAt, ft.Now())
	}
	if s.CreatedAt.Equal(s.UpdatedAt) {
		t.Error("CreatedAt should not move on append")
	}
}

func TestSession_IsAnchor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{"user", Message{Role: RoleUser}, true},
		{"final assistant", Message{Role: RoleAssistant, Content: "done"}, true},
		{"assistant with calls", Message{Role: RoleAssistant, ToolCalls: toolCall("x")}, false},
		{"assistant null calls", Message{Role: RoleAssistant, ToolCalls: json.RawMessage("null")}, true},
		{"assistant empty calls", Message{Role: RoleAssistant, ToolCalls: json.RawMessage(" [ ] ")}, true},
		{"tool", Message{Role: RoleTool}, false},
		{"system", Message{Role: RoleSystem}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.msg.IsAnchor(); got != tt.want {
				t.Errorf("IsAnchor() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSession_CountContextMessages(t *testing.T) {
	t.Parallel()

	s := buildToolSession()
	if got := s.CountContextMessages(); got != 4 {
		t.Errorf("CountContextMessages() = %d, want 4", got)
	}
}

func TestSession_GetHistory_Window(t *testing.T) {
	t.Parallel()

	s := buildToolSession()
	tests := []struct {
		max  int
		want []string
	}{
		{0, nil},
		{-3, nil},
		{1, []string{RoleAssistant}},
		{2, []string{RoleUser, RoleAssistant}},
		{3, []string{RoleAssistant, RoleUser, RoleAssistant}},
		{4, []string{RoleUser, RoleAssistant, RoleTool, RoleAssistant, RoleUser, RoleAssistant}},
		{500, []string{RoleUser, RoleAssistant, RoleTool, RoleAssistant, RoleUser, RoleAssistant}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.max), func(t *testing.T) {
			t.Parallel()
			got := roles(s.GetHistory(tt.max))
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("GetHistory(%d) roles = %v, want %v", tt.max, got, tt.want)
			}
		})
	}
}

func TestSession_GetHistory_AnchorCount(t *testing.T) {
	t.Parallel()

	s := buildToolSession()
	anchors := s.CountContextMessages()
	for k := 1; k <= anchors+2; k++ {
		h := s.GetHistory(k)
		got := 0
		for _, m := range h {
			if m.IsAnchor() {
				got++
			}
		}
		if got != min(anchors, k) {
			t.Errorf("GetHistory(%d) has %d anchors, want %d", k, got, min(anchors, k))
		}
	}
}

func TestSession_GetHistory_Projection(t *testing.T) {
	t.Parallel()

	s := New("k")
	s.AddMessage(Message{
		Role:      RoleTool,
		Content:   "result",
		Timestamp: "2026-01-01T00:00:00Z",
		Name:      "search",
		Extra:     map[string]json.RawMessage{"latency_ms": json.RawMessage("12")},
	})
	s.Append(RoleUser, "hi")

	h := s.GetHistory(10)
	if len(h) != 2 {
		t.Fatalf("len = %d, want 2", len(h))
	}
	if h[0].Timestamp != "" {
		t.Errorf("Timestamp = %q, want dropped", h[0].Timestamp)
	}
	if h[0].Extra != nil {
		t.Errorf("Extra = %v, want dropped", h[0].Extra)
	}
	if h[0].Name != "search" || h[0].Content != "result" {
		t.Errorf("projection = %+v, want name and content kept", h[0])
	}
}

func TestSession_GetHistory_StableSuffix(t *testing.T) {
	t.Parallel()

	s := New("k")
	var prev []Message
	for i := range 20 {
		s.Append(RoleUser, fmt.Sprintf("q%d", i))
		s.Append(RoleAssistant, fmt.Sprintf("a%d", i))

		cur := s.GetHistory(6)
		if prev != nil && len(cur) == len(prev) {
			// Sliding window: the previous window minus its oldest turn
			// must be a prefix of the current one.
			if !reflect.DeepEqual(prev[2:], cur[:len(cur)-2]) {
				t.Fatalf("iteration %d: window not stable", i)
			}
		}
		prev = cur
	}
}

func TestSession_Clear(t *testing.T) {
	t.Parallel()

	s := buildToolSession()
	s.Metadata["lang"] = "fr"
	s.MarkConsolidated(4)
	s.Clear()

	if got := s.GetHistory(100); len(got) != 0 {
		t.Errorf("GetHistory after Clear = %v, want empty", got)
	}
	if s.LastConsolidated != 0 {
		t.Errorf("LastConsolidated = %d, want 0", s.LastConsolidated)
	}
	if s.Key != "cli:direct" || s.Metadata["lang"] != "fr" {
		t.Error("Clear must keep key and metadata")
	}
}

func TestSession_MarkConsolidated(t *testing.T) {
	t.Parallel()

	s := buildToolSession()
	s.MarkConsolidated(2)
	if s.LastConsolidated != 2 {
		t.Fatalf("LastConsolidated = %d, want 2", s.LastConsolidated)
	}
	s.MarkConsolidated(1)
	if s.LastConsolidated != 2 {
		t.Errorf("watermark moved backwards to %d", s.LastConsolidated)
	}
	s.MarkConsolidated(99)
	if s.LastConsolidated != len(s.Messages) {
		t.Errorf("LastConsolidated = %d, want clamp to %d", s.LastConsolidated, len(s.Messages))
	}
	if got := len(s.Unconsolidated()); got != 0 {
		t.Errorf("Unconsolidated() len = %d, want 0", got)
	}
	if got := len(s.GetHistory(500)); got != len(s.Messages) {
		t.Errorf("history window depends on watermark: %d messages", got)
	}
}

func TestMessage_JSONPreservesUnknownFields(t *testing.T) {
	t.Parallel()

	line := `{"role":"assistant","content":"hé","timestamp":"2026-01-01T00:00:00","tool_calls":[{"id":"1"}],"model":"x","usage":{"in":3}}`
	var m Message
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatal(err)
	}
	if string(m.Extra["model"]) != `"x"` {
		t.Errorf("Extra[model] = %s", m.Extra["model"])
	}

	out, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"role":"assistant","content":"hé","timestamp":"2026-01-01T00:00:00","tool_calls":[{"id":"1"}],"model":"x","usage":{"in":3}}`
	if string(out) != want {
		t.Errorf("Marshal =\n%s\nwant\n%s", out, want)
	}
}

func TestMessage_MistypedKnownFieldKept(t *testing.T) {
	t.Parallel()

	line := `{"role":"user","content":"hi","timestamp":1700000000,"name":7}`
	var m Message
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m.Role != RoleUser || m.Content != "hi" {
		t.Errorf("message = %+v", m)
	}
	if m.Timestamp != "" || string(m.Extra["timestamp"]) != "1700000000" {
		t.Errorf("Timestamp = %q, Extra[timestamp] = %s", m.Timestamp, m.Extra["timestamp"])
	}

	out, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"role":"user","content":"hi","name":7,"timestamp":1700000000}`
	if string(out) != want {
		t.Errorf("Marshal =\n%s\nwant\n%s", out, want)
	}
}

func TestMessage_StructuredContent(t *testing.T) {
	t.Parallel()

	line := `{"role":"user","content":[{"type":"text","text":"look"}]}`
	var m Message
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatal(err)
	}
	if m.Content != "" {
		t.Errorf("Content = %q, want empty for structured body", m.Content)
	}
	out, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != line {
		t.Errorf("Marshal = %s, want %s", out, line)
	}
}
