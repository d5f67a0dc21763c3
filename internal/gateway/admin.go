package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JasdewStarfield/nanobot/internal/cron"
	"github.com/JasdewStarfield/nanobot/internal/dispatch"
	"github.com/JasdewStarfield/nanobot/internal/runlog"
	"github.com/JasdewStarfield/nanobot/internal/security"
	"github.com/JasdewStarfield/nanobot/internal/session"
)

const defaultHistoryMax = 50

// errorResponse is the JSON body of every error answered by the API.
type errorResponse struct {
	Error string `json:"error"`
}

func errorBody(msg string) errorResponse { return errorResponse{Error: msg} }

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody(msg))
}

func unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, what+" not available")
}

// pathParam returns the unescaped chi URL parameter, so keys such as
// "slack:C1/T2" can be addressed as "slack:C1%2FT2".
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func intQuery(r *http.Request, name string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil && v > 0 {
		return v
	}
	return def
}

// handleListSessions returns every persisted session.
func (g *Gateway) handleListSessions() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if g.svc.sessions == nil {
			unavailable(w, "sessions")
			return
		}
		infos, err := g.svc.sessions.ListSessions()
		if err != nil {
			g.logger.Error("gateway: listing sessions", "error", err)
			writeError(w, http.StatusInternalServerError, "listing sessions failed")
			return
		}
		if infos == nil {
			infos = []session.Info{}
		}
		writeJSON(w, http.StatusOK, infos)
	}
}

// handleSessionHistory returns the agent-visible history of a session, as
// the next turn would see it.
func (g *Gateway) handleSessionHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.svc.runner == nil {
			unavailable(w, "sessions")
			return
		}
		key := pathParam(r, "key")
		maxAnchors := intQuery(r, "max", defaultHistoryMax)

		var history []session.Message
		_ = g.svc.runner.WithLane(key, func(sess *session.Session) error {
			history = sess.GetHistory(maxAnchors)
			return nil
		})
		if history == nil {
			history = []session.Message{}
		}
		writeJSON(w, http.StatusOK, history)
	}
}

// handleClearSession empties a session and persists the empty log.
func (g *Gateway) handleClearSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.svc.runner == nil || g.svc.sessions == nil {
			unavailable(w, "sessions")
			return
		}
		key := pathParam(r, "key")

		err := g.svc.runner.WithLane(key, func(sess *session.Session) error {
			sess.Clear()
			return g.svc.sessions.Save(sess)
		})
		if err != nil {
			g.logger.Error("gateway: clearing session", "session", key, "error", err)
			writeError(w, http.StatusInternalServerError, "saving session failed")
			return
		}
		g.svc.audit.Log(security.AuditEvent{Type: security.EventSessionClear, SessionKey: key})
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleInvalidateSession drops the cached session so the next access
// re-reads its file.
func (g *Gateway) handleInvalidateSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.svc.runner == nil || g.svc.sessions == nil {
			unavailable(w, "sessions")
			return
		}
		key := pathParam(r, "key")
		_ = g.svc.runner.WithLane(key, func(*session.Session) error {
			g.svc.sessions.Invalidate(key)
			return nil
		})
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleListJobs lists jobs; ?all=1 includes disabled ones.
func (g *Gateway) handleListJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.svc.jobs == nil {
			unavailable(w, "jobs")
			return
		}
		all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
		jobs, err := g.svc.jobs.ListJobs(all)
		if err != nil {
			g.logger.Error("gateway: listing jobs", "error", err)
			writeError(w, http.StatusInternalServerError, "listing jobs failed")
			return
		}
		if jobs == nil {
			jobs = []cron.Job{}
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

// AddJobRequest is the body of POST /api/jobs.
type AddJobRequest struct {
	Name           string        `json:"name"`
	Schedule       cron.Schedule `json:"schedule"`
	Payload        cron.Payload  `json:"payload"`
	DeleteAfterRun bool          `json:"delete_after_run,omitempty"`
	Disabled       bool          `json:"disabled,omitempty"`
}

func (g *Gateway) handleAddJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.svc.jobs == nil {
			unavailable(w, "jobs")
			return
		}
		data, err := security.ReadPayload(r.Body, g.config.MaxBodyBytes, 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		var req AddJobRequest
		if err := json.Unmarshal(data, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid job: "+err.Error())
			return
		}

		var opts []cron.AddOption
		if req.DeleteAfterRun {
			opts = append(opts, cron.DeleteAfterRun())
		}
		if req.Disabled {
			opts = append(opts, cron.Disabled())
		}

		job, err := g.svc.jobs.AddJob(req.Name, req.Schedule, req.Payload, opts...)
		if err != nil {
			g.writeJobError(w, err)
			return
		}
		g.svc.audit.Log(security.AuditEvent{
			Type:   security.EventJobAdd,
			JobID:  job.ID,
			Detail: job.Schedule.String(),
		})
		writeJSON(w, http.StatusCreated, job)
	}
}

func (g *Gateway) handleGetJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.svc.jobs == nil {
			unavailable(w, "jobs")
			return
		}
		job, err := g.svc.jobs.Get(pathParam(r, "id"))
		if err != nil {
			g.writeJobError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func (g *Gateway) handleRemoveJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.svc.jobs == nil {
			unavailable(w, "jobs")
			return
		}
		id := pathParam(r, "id")
		if err := g.svc.jobs.RemoveJob(id); err != nil {
			g.writeJobError(w, err)
			return
		}
		g.svc.audit.Log(security.AuditEvent{Type: security.EventJobRemove, JobID: id})
		w.WriteHeader(http.StatusNoContent)
	}
}

func (g *Gateway) handleSetEnabled(enabled bool) http.HandlerFunc {
	event := security.EventJobDisable
	if enabled {
		event = security.EventJobEnable
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if g.svc.jobs == nil {
			unavailable(w, "jobs")
			return
		}
		job, err := g.svc.jobs.SetEnabled(pathParam(r, "id"), enabled)
		if err != nil {
			g.writeJobError(w, err)
			return
		}
		g.svc.audit.Log(security.AuditEvent{Type: event, JobID: job.ID})
		writeJSON(w, http.StatusOK, job)
	}
}

// handleRunJob dispatches a job now, regardless of its schedule.
func (g *Gateway) handleRunJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.svc.scheduler == nil {
			unavailable(w, "scheduler")
			return
		}
		id := pathParam(r, "id")
		if err := g.svc.scheduler.RunNow(r.Context(), id); err != nil {
			g.writeJobError(w, err)
			return
		}
		g.svc.audit.Log(security.AuditEvent{Type: security.EventJobRun, JobID: id})
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "job_id": id})
	}
}

// handleListRuns lists run log entries. With scope "job" the entries of the
// {id} job are returned; otherwise ?session= filters by session key.
func (g *Gateway) handleListRuns(scope string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.svc.runs == nil {
			unavailable(w, "run log")
			return
		}
		f := runlog.Filter{
			SessionKey: r.URL.Query().Get("session"),
			Limit:      intQuery(r, "limit", runlog.DefaultLimit),
		}
		if scope == "job" {
			f.JobID = pathParam(r, "id")
		}
		entries, err := g.svc.runs.List(r.Context(), f)
		if err != nil {
			g.logger.Error("gateway: listing runs", "error", err)
			writeError(w, http.StatusInternalServerError, "listing runs failed")
			return
		}
		if entries == nil {
			entries = []runlog.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func (g *Gateway) handleTriggerHeartbeat() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if g.svc.heartbeat == nil {
			writeError(w, http.StatusNotFound, "heartbeat not enabled")
			return
		}
		outcome := g.svc.heartbeat.TriggerNow()
		writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
	}
}

// writeJobError maps job and dispatch errors to HTTP statuses.
func (g *Gateway) writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cron.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, cron.ErrInvalidJob),
		errors.Is(err, cron.ErrInvalidSchedule),
		errors.Is(err, cron.ErrInvalidPayload),
		errors.Is(err, dispatch.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrBusy), errors.Is(err, dispatch.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		g.logger.Error("gateway: job operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
