// Package mcp exposes chainops to agents as MCP tools: status transitions,
// execution status and control, definition registration and queries.
package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chainops/internal/dispatch"
	"github.com/rendis/chainops/internal/engine"
	"github.com/rendis/chainops/internal/store"
	"github.com/rendis/chainops/internal/validation"
	"github.com/rendis/chainops/pkg/schema"
)

// Transitioner applies subject status changes and dispatches their triggers.
type Transitioner interface {
	Transition(ctx context.Context, ref schema.SubjectRef, actorID, toStatus, comment string) (*dispatch.Result, error)
}

// Executions is the execution surface the tools drive.
type Executions interface {
	Get(ctx context.Context, id string) (*engine.Snapshot, error)
	List(ctx context.Context, filter store.ExecutionFilter) ([]*schema.ChainExecution, error)
	Signal(ctx context.Context, id string, sig schema.Signal) (*schema.ChainExecution, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Transitions Transitioner
	Executions  Executions
	Store       store.Store
	Validator   validation.Validator
	Logger      *slog.Logger
}

// Server wraps an MCP server with chainops tool handlers.
type Server struct {
	transitions Transitioner
	executions  Executions
	store       store.Store
	validator   validation.Validator
	logger      *slog.Logger
	sessions    *SessionRegistry
	mcpServer   *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		transitions: deps.Transitions,
		executions:  deps.Executions,
		store:       deps.Store,
		validator:   deps.Validator,
		logger:      logger,
		sessions:    NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		if agents := s.sessions.Remove(session.SessionID()); len(agents) > 0 {
			logger.Info("mcp session closed", "session_id", session.SessionID(), "agents", agents)
		}
	})

	mcpSrv := server.NewMCPServer(
		"chainops",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("chainops records status transitions on work items and runs agent chains when triggers match. "+
			"Use chainops.transition to change a subject's status, chainops.status to inspect an execution, "+
			"chainops.signal to resume, pause, cancel, reject or rerun it, chainops.define to register chains and triggers, "+
			"and chainops.query to list executions, events, transitions, triggers, chains, gates or connected agents."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// SSEHandler serves the MCP SSE transport under basePath (e.g. "/mcp").
// Sessions opened here can receive gate notifications.
func (s *Server) SSEHandler(baseURL, basePath string) http.Handler {
	return server.NewSSEServer(s.mcpServer,
		server.WithBaseURL(baseURL),
		server.WithStaticBasePath(basePath),
	)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the agent-to-session map filled by tool calls.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: transitionTool(), Handler: s.handleTransition},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: signalTool(), Handler: s.handleSignal},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func transitionTool() mcp.Tool {
	return mcp.NewTool("chainops.transition",
		mcp.WithDescription("Move a subject to a new status and start any chains whose triggers match"),
		mcp.WithString("subject_type", mcp.Required(), mcp.Description("Subject type, e.g. work_order or task")),
		mcp.WithString("subject_id", mcp.Required(), mcp.Description("Subject ID")),
		mcp.WithString("to_status", mcp.Required(), mcp.Description("Target status")),
		mcp.WithString("comment", mcp.Description("Free-text comment stored with the transition")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the acting agent")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("chainops.status",
		mcp.WithDescription("Get a chain execution with its ordered step records"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func signalTool() mcp.Tool {
	return mcp.NewTool("chainops.signal",
		mcp.WithDescription("Send a control signal to a chain execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the target execution")),
		mcp.WithString("signal_type", mcp.Required(),
			mcp.Enum("resume", "pause", "cancel", "reject", "rerun"),
			mcp.Description("resume approves a paused execution; rerun continues a failed one as a new execution"),
		),
		mcp.WithString("reason", mcp.Description("Reason recorded for pause, cancel or reject")),
		mcp.WithString("agent_id", mcp.Description("ID of the signaling agent")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("chainops.define",
		mcp.WithDescription("Register a chain definition or a trigger"),
		mcp.WithString("kind", mcp.Required(), mcp.Enum("chain", "trigger"), mcp.Description("What is being defined")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Chain definition or trigger object")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the defining agent")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("chainops.query",
		mcp.WithDescription("Query executions, events, transitions, triggers, chains, gates or connected agents"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "events", "transitions", "triggers", "chains", "gates", "agents"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, chain_id, subject_type, subject_id, execution_id, event_type, entity_type, state, since, limit)")),
	)
}
