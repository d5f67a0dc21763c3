package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JasdewStarfield/nanobot/internal/dispatch"
	"github.com/JasdewStarfield/nanobot/internal/metrics"
	"github.com/JasdewStarfield/nanobot/internal/security"
)

// SignatureHeader carries "sha256=<hex HMAC of the body>" for signed sources.
const SignatureHeader = "X-Signature-256"

// WebhookMessage is the JSON body accepted at /webhooks/{source}.
type WebhookMessage struct {
	Message string `json:"message"`
	Deliver bool   `json:"deliver,omitempty"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

// WebhookDispatcher turns validated webhook payloads into dispatch requests
// for the source's session.
type WebhookDispatcher struct {
	sources   map[string]WebhookSourceCfg
	submitter dispatch.Submitter
	limiter   *security.RateLimiter
	audit     *security.AuditLogger
	metrics   *metrics.Metrics
	maxBody   int
	logger    *slog.Logger
}

func (g *Gateway) webhookDispatcher() *WebhookDispatcher {
	d := &WebhookDispatcher{
		sources: g.config.Webhooks,
		limiter: g.limiter,
		audit:   g.svc.audit,
		metrics: g.svc.metrics,
		maxBody: g.config.MaxBodyBytes,
		logger:  g.logger,
	}
	if g.svc.runner != nil {
		d.submitter = g.svc.runner
	}
	return d
}

// ServeHTTP implements http.Handler. It extracts the source from the chi URL param,
// validates HMAC if configured, and submits the message.
func (d *WebhookDispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	code, body := d.handle(r, source)
	d.metrics.Webhook(source, code)
	writeJSON(w, code, body)
}

func (d *WebhookDispatcher) handle(r *http.Request, source string) (int, any) {
	cfg, ok := d.sources[source]
	if !ok {
		d.logger.Warn("gateway: webhook for unknown source", "source", source)
		return http.StatusNotFound, errorBody("unknown source")
	}

	if d.limiter != nil {
		if err := d.limiter.Allow(security.KindWebhook + ":" + source); err != nil {
			d.audit.Log(security.AuditEvent{Type: security.EventRateLimit, Source: source, Detail: "webhook"})
			return http.StatusTooManyRequests, errorBody("too many requests")
		}
	}

	payload, err := security.ReadPayload(r.Body, d.maxBody, 0)
	switch {
	case errors.Is(err, security.ErrMessageTooLarge):
		return http.StatusRequestEntityTooLarge, errorBody("payload too large")
	case err != nil:
		return http.StatusBadRequest, errorBody("invalid payload")
	}

	if cfg.Secret != "" && !validateHMAC(payload, r.Header.Get(SignatureHeader), cfg.Secret) {
		d.audit.Log(security.AuditEvent{Type: security.EventAuthFailure, Source: source, Detail: "invalid webhook signature"})
		return http.StatusUnauthorized, errorBody("invalid signature")
	}

	var msg WebhookMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Message == "" {
		return http.StatusBadRequest, errorBody("message is required")
	}

	if d.submitter == nil {
		return http.StatusServiceUnavailable, errorBody("dispatch unavailable")
	}

	req := dispatch.Request{
		SessionKey:        cfg.sessionKey(source),
		Prompt:            msg.Message,
		ContextSessionKey: cfg.ContextSessionKey,
		Model:             cfg.Model,
		Kind:              cfg.Kind,
		Source:            dispatch.SourceWebhook,
		Deliver:           msg.Deliver,
		Channel:           msg.Channel,
		To:                msg.To,
	}
	if err := d.submitter.Submit(req); err != nil {
		d.logger.Warn("gateway: webhook dispatch rejected", "source", source, "error", err)
		switch {
		case errors.Is(err, dispatch.ErrInvalidRequest):
			return http.StatusBadRequest, errorBody(err.Error())
		case errors.Is(err, dispatch.ErrBusy), errors.Is(err, dispatch.ErrStopped):
			return http.StatusServiceUnavailable, errorBody(err.Error())
		default:
			return http.StatusInternalServerError, errorBody("internal error")
		}
	}

	d.audit.Log(security.AuditEvent{
		Type:       security.EventWebhook,
		Source:     source,
		SessionKey: req.SessionKey,
	})
	return http.StatusAccepted, map[string]any{"ok": true, "session_key": req.SessionKey}
}

// validateHMAC checks HMAC-SHA256 signature in constant time.
func validateHMAC(body []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
