package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestGetMe(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTEST_TOKEN/getMe" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		writeJSON(t, w, http.StatusOK, APIResponse[User]{
			OK:     true,
			Result: User{ID: 123, IsBot: true, FirstName: "TestBot", Username: "test_bot"},
		})
	}))
	defer srv.Close()

	user, err := NewClient("TEST_TOKEN", srv.URL, time.Second).GetMe(context.Background())
	if err != nil {
		t.Fatalf("GetMe() error: %v", err)
	}
	if user.ID != 123 || !user.IsBot || user.Username != "test_bot" {
		t.Errorf("user = %+v", user)
	}
}

func TestCall_APIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusBadRequest, APIResponse[json.RawMessage]{
			ErrorCode:   400,
			Description: "Bad Request: chat not found",
		})
	}))
	defer srv.Close()

	_, err := NewClient("T", srv.URL, time.Second).SendMessage(context.Background(), sendMessageRequest{ChatID: 1, Text: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Code != 400 || apiErr.Description != "Bad Request: chat not found" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestCall_RetriesRateLimit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(t, w, http.StatusTooManyRequests, APIResponse[json.RawMessage]{
				ErrorCode:   429,
				Description: "Too Many Requests",
			})
			return
		}
		writeJSON(t, w, http.StatusOK, APIResponse[Message]{OK: true, Result: Message{MessageID: 7}})
	}))
	defer srv.Close()

	c := NewClient("T", srv.URL, time.Second)
	c.backoff = time.Millisecond
	msg, err := c.SendMessage(context.Background(), sendMessageRequest{ChatID: 1, Text: "x"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.MessageID != 7 || calls.Load() != 2 {
		t.Errorf("message %d after %d calls", msg.MessageID, calls.Load())
	}
}

func TestCall_RateLimitGivesUp(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeJSON(t, w, http.StatusTooManyRequests, APIResponse[json.RawMessage]{ErrorCode: 429, Description: "Too Many Requests"})
	}))
	defer srv.Close()

	c := NewClient("T", srv.URL, time.Second)
	c.backoff = time.Millisecond
	_, err := c.GetMe(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 429 {
		t.Fatalf("err = %v, want 429 APIError", err)
	}
	if got := calls.Load(); got != maxRetries {
		t.Errorf("calls = %d, want %d", got, maxRetries)
	}
}

func TestCall_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusTooManyRequests, APIResponse[json.RawMessage]{
			ErrorCode:  429,
			Parameters: &ResponseParameters{RetryAfter: 30},
		})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewClient("T", srv.URL, time.Second).GetMe(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestCall_ErrorHidesToken(t *testing.T) {
	t.Parallel()

	_, err := NewClient("123:SECRET", "http://127.0.0.1:1", time.Second).GetMe(context.Background())
	if err == nil {
		t.Fatal("expected transport error")
	}
	if got := err.Error(); strings.Contains(got, "SECRET") {
		t.Errorf("error leaks token: %s", got)
	}
}
