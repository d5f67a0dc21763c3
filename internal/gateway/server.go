package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// buildRouter constructs the chi mux with all routes wired.
func (g *Gateway) buildRouter() (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Public: no auth required.
	r.Get("/health", g.handleHealth())
	r.Handle("/metrics", g.svc.metrics.Handler())

	// Webhooks: own HMAC auth per source.
	r.Post("/webhooks/{source}", g.webhookDispatcher().ServeHTTP)

	mcp, err := g.mcpHandler()
	if err != nil {
		return nil, err
	}

	// Admin endpoints: auth required. Not mounted if no auth configured.
	if g.config.Auth.IsConfigured() {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware(g.config.Auth, g.svc.audit, g.limiter))
			r.Get("/status", g.handleStatus())
			r.Handle("/ws/events", g.events)
			if mcp != nil {
				r.Handle("/mcp", mcp)
			}
			r.Route("/api", func(r chi.Router) {
				r.Get("/sessions", g.handleListSessions())
				r.Get("/sessions/{key}/history", g.handleSessionHistory())
				r.Delete("/sessions/{key}", g.handleClearSession())
				r.Post("/sessions/{key}/invalidate", g.handleInvalidateSession())

				r.Get("/jobs", g.handleListJobs())
				r.Post("/jobs", g.handleAddJob())
				r.Get("/jobs/{id}", g.handleGetJob())
				r.Delete("/jobs/{id}", g.handleRemoveJob())
				r.Post("/jobs/{id}/enable", g.handleSetEnabled(true))
				r.Post("/jobs/{id}/disable", g.handleSetEnabled(false))
				r.Post("/jobs/{id}/run", g.handleRunJob())
				r.Get("/jobs/{id}/runs", g.handleListRuns("job"))

				r.Get("/runs", g.handleListRuns(""))
				r.Post("/heartbeat/trigger", g.handleTriggerHeartbeat())
			})
		})
	}

	return r, nil
}
