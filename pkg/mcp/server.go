// Package mcp exposes flowcore over the Model Context Protocol: graph
// validation, flow runs, run status and cancellation, and the handler catalog.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowcore/internal/registry"
	"github.com/rendis/flowcore/internal/run"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/validation"
	"github.com/rendis/flowcore/pkg/schema"
)

// Runs is the run manager surface the tools drive. Satisfied by *run.Manager.
type Runs interface {
	Execute(ctx context.Context, req run.Request) (*store.Run, error)
	Start(ctx context.Context, req run.Request) (string, error)
	Get(ctx context.Context, runID string) (*store.Run, error)
	Cancel(ctx context.Context, runID, reason string) (*store.Run, error)
}

// Store is the persistence the tools read. Satisfied by *store.LibSQLStore.
type Store interface {
	GetFlow(ctx context.Context, id string) (*store.Flow, error)
	GetEvents(ctx context.Context, runID string, since int64) ([]schema.Event, error)
}

// Handlers lists registered handlers. Satisfied by *registry.Registry.
type Handlers interface {
	List() []registry.Info
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Runs     Runs
	Store    Store
	Handlers Handlers
	Loaders  validation.Loaders
	Logger   *slog.Logger
}

// Server wraps an MCP server with flowcore tool handlers.
type Server struct {
	runs      Runs
	store     Store
	handlers  Handlers
	loaders   validation.Loaders
	validator *validation.Validator
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		runs:      deps.Runs,
		store:     deps.Store,
		handlers:  deps.Handlers,
		loaders:   deps.Loaders,
		validator: validation.NewValidator(),
		sessions:  NewSessionRegistry(),
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"flowcore",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("flowcore runs node-graph workflows. Use flowcore.validate before saving a graph, flowcore.run to execute a graph or stored flow, flowcore.status and flowcore.cancel to follow a run, and flowcore.handlers to list the available function handlers."),
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

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the run-to-session registry used for completion notifications.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: handlersTool(), Handler: s.handleHandlers},
	}
}

// --- Tool definitions ---

func validateTool() mcp.Tool {
	return mcp.NewTool("flowcore.validate",
		mcp.WithDescription("Validate a flow graph and report errors and warnings"),
		mcp.WithObject("graph", mcp.Description("Flow graph {nodes, edges}; omit to validate a stored flow")),
		mcp.WithString("flow_id", mcp.Description("ID of a stored flow to validate")),
		mcp.WithBoolean("strict", mcp.Description("Treat unknown templates and providers as errors")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("flowcore.run",
		mcp.WithDescription("Run a flow graph or a stored flow"),
		mcp.WithObject("graph", mcp.Description("Flow graph {nodes, edges}; omit to run a stored flow")),
		mcp.WithString("flow_id", mcp.Description("ID of a stored flow to run")),
		mcp.WithObject("context", mcp.Description("Initial context available to expressions as context.*")),
		mcp.WithObject("message", mcp.Description("Initial message {payload, context}")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the run to finish (default true); otherwise return the run id")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flowcore.status",
		mcp.WithDescription("Get a run and its events"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithNumber("since", mcp.Description("Only return events with a greater sequence number")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("flowcore.cancel",
		mcp.WithDescription("Cancel a queued or running run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithString("reason", mcp.Description("Why the run is cancelled")),
	)
}

func handlersTool() mcp.Tool {
	return mcp.NewTool("flowcore.handlers",
		mcp.WithDescription("List registered function handlers and built-ins"),
	)
}
