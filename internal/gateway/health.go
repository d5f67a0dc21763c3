package gateway

import (
	"net/http"
)

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"` // "ok" or "degraded"
	Dispatch  bool   `json:"dispatch"`
	Scheduler bool   `json:"scheduler"`
}

// handleHealth returns an http.HandlerFunc for GET /health.
// Returns 200 when requests can be dispatched, 503 otherwise.
func (g *Gateway) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := HealthResponse{
			Status:   "ok",
			Dispatch: g.svc.runner != nil,
		}
		if g.svc.scheduler != nil {
			resp.Scheduler = g.svc.scheduler.Status().Running
		}

		code := http.StatusOK
		if !resp.Dispatch {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}
