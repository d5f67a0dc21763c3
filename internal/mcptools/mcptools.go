// Package mcptools exposes job and session administration to agents as MCP
// tools, so an agent can schedule its own reminders and recurring work.
package mcptools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/JasdewStarfield/nanobot/internal/cron"
	"github.com/JasdewStarfield/nanobot/internal/session"
	"github.com/JasdewStarfield/nanobot/internal/storage"
)

// Tool names.
const (
	ToolCronList    = "cron_list"
	ToolCronAdd     = "cron_add"
	ToolCronRemove  = "cron_remove"
	ToolCronEnable  = "cron_enable"
	ToolSessionList = "session_list"
)

// ErrNoJobs is returned by New when no job store is provided.
var ErrNoJobs = errors.New("mcptools: job store is required")

// JobStore is the subset of cron.Store the tools operate on.
type JobStore interface {
	ListJobs(includeDisabled bool) ([]cron.Job, error)
	AddJob(name string, sched cron.Schedule, payload cron.Payload, opts ...cron.AddOption) (cron.Job, error)
	RemoveJob(id string) error
	SetEnabled(id string, enabled bool) (cron.Job, error)
}

// SessionLister lists persisted sessions.
type SessionLister interface {
	ListSessions() ([]session.Info, error)
}

// Config configures the tool server.
type Config struct {
	Jobs     JobStore
	Sessions SessionLister // optional; session_list is omitted when nil
	Version  string
	Logger   *slog.Logger
	Now      func() time.Time
}

// Server serves the tools over MCP streamable HTTP.
type Server struct {
	cfg  Config
	mcp  *server.MCPServer
	http *server.StreamableHTTPServer
}

// New registers the tools on a fresh MCP server.
func New(cfg Config) (*Server, error) {
	if cfg.Jobs == nil {
		return nil, ErrNoJobs
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{
		cfg: cfg,
		mcp: server.NewMCPServer("nanobot", cfg.Version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}

	s.mcp.AddTool(mcp.NewTool(ToolCronList,
		mcp.WithDescription("List scheduled jobs with their schedule and next run time."),
		mcp.WithBoolean("include_disabled", mcp.Description("Also list disabled jobs.")),
	), s.cronList)

	s.mcp.AddTool(mcp.NewTool(ToolCronAdd,
		mcp.WithDescription("Schedule a message. Exactly one of every_seconds, cron_expr or at must be set."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Short human-readable job name.")),
		mcp.WithString("message", mcp.Required(), mcp.Description("Prompt or event text delivered when the job fires.")),
		mcp.WithNumber("every_seconds", mcp.Description("Fire repeatedly at this interval.")),
		mcp.WithString("cron_expr", mcp.Description("5-field cron expression, e.g. \"0 9 * * 1-5\".")),
		mcp.WithString("tz", mcp.Description("IANA time zone for cron_expr.")),
		mcp.WithString("at", mcp.Description("RFC 3339 instant for a one-shot job.")),
		mcp.WithString("kind", mcp.Description("agent_turn (default) or system_event."), mcp.Enum(string(cron.PayloadAgentTurn), string(cron.PayloadSystemEvent))),
		mcp.WithBoolean("deliver", mcp.Description("Forward the reply to channel/to.")),
		mcp.WithString("channel", mcp.Description("Delivery channel.")),
		mcp.WithString("to", mcp.Description("Delivery recipient.")),
		mcp.WithBoolean("delete_after_run", mcp.Description("Remove the job after its first successful run.")),
	), s.cronAdd)

	s.mcp.AddTool(mcp.NewTool(ToolCronRemove,
		mcp.WithDescription("Delete a scheduled job."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Job id.")),
	), s.cronRemove)

	s.mcp.AddTool(mcp.NewTool(ToolCronEnable,
		mcp.WithDescription("Enable or disable a scheduled job."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Job id.")),
		mcp.WithBoolean("enabled", mcp.Required(), mcp.Description("New enabled state.")),
	), s.cronEnable)

	if cfg.Sessions != nil {
		s.mcp.AddTool(mcp.NewTool(ToolSessionList,
			mcp.WithDescription("List persisted conversation sessions."),
		), s.sessionList)
	}

	s.http = server.NewStreamableHTTPServer(s.mcp, server.WithStateLess(true))
	return s, nil
}

// MCPServer returns the underlying MCP server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// ServeHTTP implements http.Handler using the streamable HTTP transport.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.http.ServeHTTP(w, r)
}

func (s *Server) cronList(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobs, err := s.cfg.Jobs.ListJobs(req.GetBool("include_disabled", false))
	if err != nil {
		return mcp.NewToolResultErrorFromErr("listing jobs", err), nil
	}
	if jobs == nil {
		jobs = []cron.Job{}
	}
	return jsonResult(jobs)
}

func (s *Server) cronAdd(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sched, err := scheduleFromArgs(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	payload := cron.Payload{
		Kind:    cron.PayloadKind(req.GetString("kind", "")),
		Message: message,
		Deliver: req.GetBool("deliver", false),
		Channel: req.GetString("channel", ""),
		To:      req.GetString("to", ""),
	}

	var opts []cron.AddOption
	if req.GetBool("delete_after_run", false) {
		opts = append(opts, cron.DeleteAfterRun())
	}

	job, err := s.cfg.Jobs.AddJob(name, sched, payload, opts...)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("adding job", err), nil
	}
	s.cfg.Logger.Info("mcptools: job added", "job", job.ID, "schedule", job.Schedule.String())
	return jsonResult(job)
}

func (s *Server) cronRemove(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.cfg.Jobs.RemoveJob(id); err != nil {
		return mcp.NewToolResultErrorFromErr("removing job", err), nil
	}
	s.cfg.Logger.Info("mcptools: job removed", "job", id)
	return mcp.NewToolResultText(fmt.Sprintf("removed job %s", id)), nil
}

func (s *Server) cronEnable(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	enabled, err := req.RequireBool("enabled")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	job, err := s.cfg.Jobs.SetEnabled(id, enabled)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("updating job", err), nil
	}
	return jsonResult(job)
}

func (s *Server) sessionList(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos, err := s.cfg.Sessions.ListSessions()
	if err != nil {
		return mcp.NewToolResultErrorFromErr("listing sessions", err), nil
	}
	if infos == nil {
		infos = []session.Info{}
	}
	return jsonResult(infos)
}

// scheduleFromArgs builds a schedule from exactly one of every_seconds,
// cron_expr and at.
func scheduleFromArgs(req mcp.CallToolRequest) (cron.Schedule, error) {
	every := req.GetFloat("every_seconds", 0)
	expr := req.GetString("cron_expr", "")
	at := req.GetString("at", "")

	set := 0
	for _, ok := range []bool{every != 0, expr != "", at != ""} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return cron.Schedule{}, errors.New("exactly one of every_seconds, cron_expr or at is required")
	}

	var sched cron.Schedule
	switch {
	case every != 0:
		sched = cron.Every(time.Duration(every * float64(time.Second)))
	case expr != "":
		sched = cron.Cron(expr, req.GetString("tz", ""))
	default:
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("at: %w", err)
		}
		sched = cron.At(t)
	}
	return sched, sched.Validate()
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := storage.MarshalIndent(v)
	if err != nil {
		return nil, fmt.Errorf("mcptools: encoding result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
