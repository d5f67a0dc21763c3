package gateway

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/JasdewStarfield/nanobot/internal/dispatch"
	"github.com/JasdewStarfield/nanobot/internal/dispatch/dispatchtest"
	"github.com/JasdewStarfield/nanobot/internal/metrics"
	"github.com/JasdewStarfield/nanobot/internal/security"
)

func newTestWebhooks(sources map[string]WebhookSourceCfg, sub dispatch.Submitter, limiter *security.RateLimiter) http.Handler {
	d := &WebhookDispatcher{
		sources:   sources,
		submitter: sub,
		limiter:   limiter,
		metrics:   metrics.New(),
		maxBody:   1024,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	r := chi.NewRouter()
	r.Post("/webhooks/{source}", d.ServeHTTP)
	return r
}

func sign(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(h http.Handler, source, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+source, strings.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestWebhook_ValidHMACSubmits(t *testing.T) {
	t.Parallel()

	sub := dispatchtest.NewSubmitter(1)
	h := newTestWebhooks(map[string]WebhookSourceCfg{
		"github": {Secret: "gh-secret"},
	}, sub, nil)

	body := `{"message":"PR #12 was merged"}`
	rr := postWebhook(h, "github", body, sign(body, "gh-secret"))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	reqs := sub.Requests()
	if len(reqs) != 1 {
		t.Fatalf("submitted %d requests, want 1", len(reqs))
	}
	got := reqs[0]
	if got.SessionKey != "webhook:github" || got.Prompt != "PR #12 was merged" || got.Source != dispatch.SourceWebhook {
		t.Errorf("request = %+v", got)
	}
}

func TestWebhook_ConfiguredSessionAndKind(t *testing.T) {
	t.Parallel()

	sub := dispatchtest.NewSubmitter(1)
	h := newTestWebhooks(map[string]WebhookSourceCfg{
		"ci": {SessionKey: "telegram:42", Kind: dispatch.KindSystemEvent, ContextSessionKey: "telegram:42"},
	}, sub, nil)

	rr := postWebhook(h, "ci", `{"message":"build failed","deliver":true,"channel":"telegram","to":"42"}`, "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rr.Code)
	}
	got := sub.Requests()[0]
	if got.SessionKey != "telegram:42" || got.Kind != dispatch.KindSystemEvent {
		t.Errorf("request = %+v", got)
	}
	if !got.Deliver || got.Channel != "telegram" || got.To != "42" {
		t.Errorf("delivery fields = %+v", got)
	}
}

func TestWebhook_Rejections(t *testing.T) {
	t.Parallel()

	sources := map[string]WebhookSourceCfg{
		"signed":   {Secret: "s3cret"},
		"unsigned": {},
	}

	tests := []struct {
		name   string
		source string
		body   string
		sig    string
		want   int
	}{
		{"unknown source", "other", `{"message":"x"}`, "", http.StatusNotFound},
		{"bad signature", "signed", `{"message":"x"}`, "sha256=00", http.StatusUnauthorized},
		{"missing signature", "signed", `{"message":"x"}`, "", http.StatusUnauthorized},
		{"empty message", "unsigned", `{"message":""}`, "", http.StatusBadRequest},
		{"not json", "unsigned", `hello`, "", http.StatusBadRequest},
		{"too large", "unsigned", `{"message":"` + strings.Repeat("a", 2048) + `"}`, "", http.StatusRequestEntityTooLarge},
		{"too deep", "unsigned", strings.Repeat("[", 40) + strings.Repeat("]", 40), "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sub := dispatchtest.NewSubmitter(1)
			h := newTestWebhooks(sources, sub, nil)
			rr := postWebhook(h, tt.source, tt.body, tt.sig)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rr.Code, tt.want, rr.Body.String())
			}
			if n := len(sub.Requests()); n != 0 {
				t.Errorf("rejected webhook submitted %d requests", n)
			}
		})
	}
}

func TestWebhook_SubmitErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{dispatch.ErrBusy, http.StatusServiceUnavailable},
		{dispatch.ErrStopped, http.StatusServiceUnavailable},
		{dispatch.ErrInvalidRequest, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		sub := dispatchtest.NewSubmitter(1)
		sub.SetErr(tt.err)
		h := newTestWebhooks(map[string]WebhookSourceCfg{"x": {}}, sub, nil)
		if rr := postWebhook(h, "x", `{"message":"m"}`, ""); rr.Code != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, rr.Code, tt.want)
		}
	}
}

func TestWebhook_RateLimitedPerSource(t *testing.T) {
	t.Parallel()

	sub := dispatchtest.NewSubmitter(4)
	limiter := security.NewRateLimiter(security.RateLimitConfig{WebhooksPerMin: 1})
	h := newTestWebhooks(map[string]WebhookSourceCfg{"a": {}, "b": {}}, sub, limiter)

	if rr := postWebhook(h, "a", `{"message":"1"}`, ""); rr.Code != http.StatusAccepted {
		t.Fatalf("first = %d", rr.Code)
	}
	if rr := postWebhook(h, "a", `{"message":"2"}`, ""); rr.Code != http.StatusTooManyRequests {
		t.Errorf("second from a = %d, want 429", rr.Code)
	}
	if rr := postWebhook(h, "b", `{"message":"3"}`, ""); rr.Code != http.StatusAccepted {
		t.Errorf("first from b = %d, want 202", rr.Code)
	}
}

func TestWebhook_EndToEndThroughRunner(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Webhooks: map[string]WebhookSourceCfg{"home": {}}})

	resp, err := f.srv.Client().Post(f.srv.URL+"/webhooks/home", "application/json",
		bytes.NewBufferString(`{"message":"door opened"}`))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	waitFor(t, "agent turn", func() bool { return len(f.agent.Turns()) == 1 })
	waitFor(t, "session saved", func() bool {
		sess, ok := f.sessions.Load("webhook:home")
		return ok && len(sess.Messages) == 2
	})
}

func TestValidateHMAC(t *testing.T) {
	t.Parallel()

	body := `{"message":"hi"}`
	if !validateHMAC([]byte(body), sign(body, "k"), "k") {
		t.Error("valid signature rejected")
	}
	if validateHMAC([]byte(body), sign(body, "other"), "k") {
		t.Error("signature with wrong secret accepted")
	}
	if validateHMAC([]byte(body), "", "k") {
		t.Error("empty signature accepted")
	}
}
