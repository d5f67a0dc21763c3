package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/JasdewStarfield/nanobot/internal/storage"
)

// Roles with windowing significance. Other roles (tool, system, ...) are
// stored and returned but never count as context anchors.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// On-disk field names of a message line.
const (
	fieldRole             = "role"
	fieldContent          = "content"
	fieldTimestamp        = "timestamp"
	fieldToolCalls        = "tool_calls"
	fieldToolCallID       = "tool_call_id"
	fieldName             = "name"
	fieldReasoningContent = "reasoning_content"
)

// Message is one entry of a session log. Fields outside the known set are
// kept in Extra and written back unchanged, so lines produced by newer
// writers survive a load/save cycle.
type Message struct {
	Role             string
	Content          string
	Timestamp        string
	ToolCalls        json.RawMessage
	ToolCallID       string
	Name             string
	ReasoningContent string
	Extra            map[string]json.RawMessage
}

// HasToolCalls reports whether the message carries at least one pending
// tool call. null and empty arrays count as none.
func (m Message) HasToolCalls() bool {
	raw := bytes.TrimSpace(m.ToolCalls)
	switch {
	case len(raw) == 0:
		return false
	case bytes.Equal(raw, []byte("null")), bytes.Equal(raw, []byte("[]")):
		return false
	case raw[0] == '[':
		var calls []json.RawMessage
		if err := json.Unmarshal(raw, &calls); err == nil {
			return len(calls) > 0
		}
	}
	return true
}

// IsAnchor reports whether the message counts as one turn for history
// windowing: a user message, or an assistant message without tool calls.
func (m Message) IsAnchor() bool {
	switch m.Role {
	case RoleUser:
		return true
	case RoleAssistant:
		return !m.HasToolCalls()
	default:
		return false
	}
}

// projection returns the copy handed to agents: role, content and the
// tool/reasoning fields. Timestamp and unknown fields are dropped.
func (m Message) projection() Message {
	p := Message{
		Role:             m.Role,
		Content:          m.Content,
		ToolCallID:       m.ToolCallID,
		Name:             m.Name,
		ReasoningContent: m.ReasoningContent,
	}
	if len(m.ToolCalls) > 0 {
		p.ToolCalls = slices.Clone(m.ToolCalls)
	}
	if raw, ok := m.Extra[fieldContent]; ok {
		// Structured content that is not a plain string.
		p.Extra = map[string]json.RawMessage{fieldContent: raw}
	}
	return p
}

// MarshalJSON writes the known fields first, in a fixed order, followed by
// the extra fields sorted by name. Text is encoded directly, never escaped.
func (m Message) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true

	written := make(map[string]bool, len(m.Extra)+4)
	put := func(key string, raw []byte) {
		written[key] = true
		if !first {
			buf.WriteByte(',')
		}
		first = false
		k, _ := storage.Marshal(key)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(storage.Normalize(raw))
	}
	putString := func(key, val string) error {
		raw, err := storage.Marshal(val)
		if err != nil {
			return err
		}
		put(key, raw)
		return nil
	}

	if raw, ok := m.Extra[fieldRole]; ok && m.Role == "" {
		put(fieldRole, raw)
	} else if err := putString(fieldRole, m.Role); err != nil {
		return nil, err
	}
	if raw, ok := m.Extra[fieldContent]; ok && m.Content == "" {
		put(fieldContent, raw)
	} else if err := putString(fieldContent, m.Content); err != nil {
		return nil, err
	}
	if m.Timestamp != "" {
		if err := putString(fieldTimestamp, m.Timestamp); err != nil {
			return nil, err
		}
	}
	if len(m.ToolCalls) > 0 {
		put(fieldToolCalls, m.ToolCalls)
	}
	for _, f := range []struct{ key, val string }{
		{fieldToolCallID, m.ToolCallID},
		{fieldName, m.Name},
		{fieldReasoningContent, m.ReasoningContent},
	} {
		if f.val == "" {
			continue
		}
		if err := putString(f.key, f.val); err != nil {
			return nil, err
		}
	}

	for _, key := range slices.Sorted(maps.Keys(m.Extra)) {
		if written[key] {
			continue
		}
		put(key, m.Extra[key])
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a message line. A non-string content value (null or
// a structured multi-part body) is preserved verbatim in Extra, as is any
// known field holding a value of the wrong type.
func (m *Message) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("session: message is not an object")
	}

	*m = Message{}
	for key, raw := range fields {
		var err error
		switch key {
		case fieldRole:
			err = json.Unmarshal(raw, &m.Role)
		case fieldContent:
			if len(raw) > 0 && raw[0] == '"' {
				err = json.Unmarshal(raw, &m.Content)
			} else if !bytes.Equal(raw, []byte("null")) {
				m.setExtra(key, raw)
			}
		case fieldTimestamp:
			err = json.Unmarshal(raw, &m.Timestamp)
		case fieldToolCalls:
			m.ToolCalls = slices.Clone(raw)
		case fieldToolCallID:
			err = unmarshalOptionalString(raw, &m.ToolCallID)
		case fieldName:
			err = unmarshalOptionalString(raw, &m.Name)
		case fieldReasoningContent:
			err = unmarshalOptionalString(raw, &m.ReasoningContent)
		default:
			m.setExtra(key, raw)
		}
		if err != nil {
			// Mistyped known field, kept verbatim.
			m.setExtra(key, raw)
		}
	}
	return nil
}

func (m *Message) setExtra(key string, raw json.RawMessage) {
	if m.Extra == nil {
		m.Extra = make(map[string]json.RawMessage)
	}
	m.Extra[key] = slices.Clone(raw)
}

func unmarshalOptionalString(raw json.RawMessage, dst *string) error {
	if bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
