package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/JasdewStarfield/nanobot/internal/dispatch"
	"github.com/JasdewStarfield/nanobot/internal/session"
)

// Errors returned by Respond, classified from the HTTP status.
var (
	ErrRateLimit      = errors.New("agent: rate limited")
	ErrUnavailable    = errors.New("agent: provider unavailable")
	ErrAuthentication = errors.New("agent: authentication failed")
	ErrContextLength  = errors.New("agent: context length exceeded")
	ErrEmptyReply     = errors.New("agent: empty reply")
)

// openAI wire types for JSON serialization.

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
}

type oaiMessage struct {
	Role             string          `json:"role"`
	Content          string          `json:"content"`
	Name             string          `json:"name,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
	ToolCalls        json.RawMessage `json:"tool_calls,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
	Usage   oaiUsage    `json:"usage"`
}

type oaiChoice struct {
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// buildRequest renders a turn as a chat completion request: the system
// prompt, the windowed history and the new user prompt.
func buildRequest(cfg Config, turn dispatch.Turn) oaiRequest {
	messages := make([]oaiMessage, 0, len(turn.History)+2)
	if cfg.SystemPrompt != "" {
		messages = append(messages, oaiMessage{Role: session.RoleSystem, Content: cfg.SystemPrompt})
	}
	for _, m := range turn.History {
		msg := oaiMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		if m.HasToolCalls() {
			msg.ToolCalls = m.ToolCalls
		}
		messages = append(messages, msg)
	}
	messages = append(messages, oaiMessage{Role: session.RoleUser, Content: turn.Request.Prompt})

	model := cfg.Model
	if turn.Request.Model != "" {
		model = turn.Request.Model
	}
	return oaiRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
}

// parseResponse converts the first choice into the messages appended to
// the session.
func parseResponse(resp oaiResponse) (dispatch.Reply, error) {
	if len(resp.Choices) == 0 {
		return dispatch.Reply{}, ErrEmptyReply
	}
	msg := resp.Choices[0].Message
	if msg.Content == "" {
		return dispatch.Reply{}, fmt.Errorf("%w: finish_reason %q", ErrEmptyReply, resp.Choices[0].FinishReason)
	}
	return dispatch.Reply{Messages: []session.Message{{
		Role:             session.RoleAssistant,
		Content:          msg.Content,
		ReasoningContent: msg.ReasoningContent,
	}}}, nil
}

// doRequest executes an HTTP POST to the chat completions endpoint.
func (a *Agent) doRequest(ctx context.Context, cfg Config, apiKey string, body oaiRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := cfg.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		// Caller cancellation is not a provider failure.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return resp, nil
}

// maxErrorBodySize caps how much of an error response body is read.
const maxErrorBodySize = 4096

// handleErrorResponse maps HTTP error status codes to sentinel errors.
func handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimit, body)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", ErrUnavailable, resp.StatusCode, body)
	case resp.StatusCode == http.StatusBadRequest:
		if isContextLengthError(body) {
			return fmt.Errorf("%w: %s", ErrContextLength, body)
		}
		return fmt.Errorf("bad request: %s", body)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d: %s", ErrAuthentication, resp.StatusCode, body)
	default:
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}
}

// isContextLengthError checks if an error body indicates a context length exceeded error.
func isContextLengthError(body []byte) bool {
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "context_length_exceeded") ||
		strings.Contains(lower, "context length") ||
		strings.Contains(lower, "maximum context") ||
		strings.Contains(lower, "token limit")
}
