package gateway

import (
	"net/http"
	"time"

	"github.com/JasdewStarfield/nanobot/internal/cron"
	"github.com/JasdewStarfield/nanobot/internal/heartbeat"
	"github.com/JasdewStarfield/nanobot/internal/metrics"
)

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	Uptime       int64             `json:"uptime_seconds"`
	InFlight     int               `json:"in_flight"`
	Sessions     int               `json:"sessions"`
	Scheduler    *cron.Status      `json:"scheduler,omitempty"`
	Heartbeat    *heartbeat.Status `json:"heartbeat,omitempty"`
	Metrics      metrics.Snapshot  `json:"metrics"`
	EventClients int               `json:"event_clients"`
}

// handleStatus returns an http.HandlerFunc for GET /status.
func (g *Gateway) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := StatusResponse{
			Uptime:       int64(g.now().Sub(g.startedAt) / time.Second),
			Metrics:      g.svc.metrics.Snapshot(),
			EventClients: g.events.Subscribers(),
		}

		if g.svc.runner != nil {
			resp.InFlight = g.svc.runner.InFlight()
		}
		if g.svc.sessions != nil {
			if infos, err := g.svc.sessions.ListSessions(); err == nil {
				resp.Sessions = len(infos)
			}
		}
		if g.svc.scheduler != nil {
			st := g.svc.scheduler.Status()
			resp.Scheduler = &st
		}
		if g.svc.heartbeat != nil {
			st := g.svc.heartbeat.Status()
			resp.Heartbeat = &st
		}

		writeJSON(w, http.StatusOK, resp)
	}
}
