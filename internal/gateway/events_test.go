package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/JasdewStarfield/nanobot/internal/cron"
	"github.com/JasdewStarfield/nanobot/internal/dispatch"
)

func dialEvents(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(url, "http"), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) StreamEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev StreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return ev
}

func TestEventHub_StreamsDispatchAndJobEvents(t *testing.T) {
	t.Parallel()

	hub := NewEventHub(nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	conn := dialEvents(t, srv.URL, nil)
	waitFor(t, "subscriber", func() bool { return hub.Subscribers() == 1 })

	hub.DispatchEvent(dispatch.Event{Type: dispatch.EventCompleted, SessionKey: "cron:abc", Source: dispatch.SourceCron})
	ev := readEvent(t, conn)
	if ev.Kind != StreamDispatch || ev.Dispatch == nil || ev.Dispatch.SessionKey != "cron:abc" {
		t.Errorf("dispatch event = %+v", ev)
	}

	hub.JobRun(cron.Run{Job: cron.Job{ID: "abc", Name: "digest"}, Err: errors.New("busy")})
	ev = readEvent(t, conn)
	if ev.Kind != StreamJobRun || ev.JobRun == nil || ev.JobRun.JobID != "abc" || ev.JobRun.Error != "busy" {
		t.Errorf("job event = %+v", ev)
	}
}

func TestEventHub_CloseDisconnects(t *testing.T) {
	t.Parallel()

	hub := NewEventHub(nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	conn := dialEvents(t, srv.URL, nil)
	waitFor(t, "subscriber", func() bool { return hub.Subscribers() == 1 })

	hub.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("read after close = %v, want going away", err)
	}
	waitFor(t, "unsubscribe", func() bool { return hub.Subscribers() == 0 })

	rr := httptest.NewRecorder()
	hub.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws/events", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("connect after close = %d, want 503", rr.Code)
	}
}

func TestEventHub_DropsForSlowClient(t *testing.T) {
	t.Parallel()

	hub := NewEventHub(nil)
	ch, ok := hub.subscribe()
	if !ok {
		t.Fatal("subscribe failed")
	}
	for range subscriberBuffer + 3 {
		hub.DispatchEvent(dispatch.Event{Type: dispatch.EventStarted})
	}
	if len(ch) != subscriberBuffer {
		t.Errorf("buffered = %d, want %d", len(ch), subscriberBuffer)
	}
	if hub.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", hub.Dropped())
	}
}

func TestGateway_EventsRouteRequiresAuth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, authed())
	header := http.Header{"Authorization": []string{"Bearer " + testToken}}
	conn := dialEvents(t, f.srv.URL+"/ws/events", header)
	waitFor(t, "subscriber", func() bool { return f.g.events.Subscribers() == 1 })

	if err := f.runner.Submit(dispatch.Request{SessionKey: "cli:direct", Prompt: "hi"}); err != nil {
		t.Fatal(err)
	}
	ev := readEvent(t, conn)
	if ev.Kind != StreamDispatch {
		t.Errorf("kind = %q", ev.Kind)
	}
}
