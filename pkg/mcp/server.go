package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/relay/internal/actions"
	"github.com/rendis/relay/internal/listener"
	"github.com/rendis/relay/internal/worker"
)

// DefaultWaitTimeout bounds relay.wait_run when the caller gives no timeout.
const DefaultWaitTimeout = 5 * time.Minute

// Runtime is the worker surface exposed as MCP tools.
type Runtime interface {
	Status() worker.Status
	SubscribeToRun(runID string) (*listener.Streamable, error)
}

// RelayServerDeps holds the dependencies for creating a RelayServer.
type RelayServerDeps struct {
	Runtime     Runtime
	Registry    *actions.Registry
	Notifier    RunNotifier
	WaitTimeout time.Duration
	Logger      *slog.Logger
}

// RelayServer wraps an MCP server with tools for waiting on runs and
// inspecting the worker.
type RelayServer struct {
	runtime     Runtime
	registry    *actions.Registry
	notifier    RunNotifier
	watches     *WatchRegistry
	waitTimeout time.Duration
	logger      *slog.Logger
	mcpServer   *server.MCPServer

	// watches run on ctx until Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRelayServer creates a RelayServer with all tools registered.
func NewRelayServer(deps RelayServerDeps) *RelayServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	timeout := deps.WaitTimeout
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	registry := deps.Registry
	if registry == nil {
		registry = actions.NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &RelayServer{
		runtime:     deps.Runtime,
		registry:    registry,
		watches:     NewWatchRegistry(),
		waitTimeout: timeout,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}

	mcpSrv := server.NewMCPServer(
		"relay",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Relay is a worker for a remote work dispatcher. Use relay.wait_run to block until a run finishes, relay.watch_run to receive a run's events as notifications, relay.status to inspect the worker, and relay.handlers to list the actions it executes."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv

	s.notifier = deps.Notifier
	if s.notifier == nil {
		s.notifier = NewMCPNotifier(mcpSrv, s.watches)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *RelayServer) Serve(ctx context.Context) error {
	defer s.Close()
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// Close stops every run watch and waits for them to exit.
func (s *RelayServer) Close() {
	s.cancel()
	s.wg.Wait()
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *RelayServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *RelayServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: waitRunTool(), Handler: s.handleWaitRun},
		{Tool: watchRunTool(), Handler: s.handleWatchRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: handlersTool(), Handler: s.handleHandlers},
	}
}

// --- Tool definitions ---

func waitRunTool() mcp.Tool {
	return mcp.NewTool("relay.wait_run",
		mcp.WithDescription("Wait until a run finishes and return its events"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to wait for")),
		mcp.WithString("timeout", mcp.Description("Maximum wait as a Go duration, e.g. 30s or 5m (default: 5m)")),
	)
}

func watchRunTool() mcp.Tool {
	return mcp.NewTool("relay.watch_run",
		mcp.WithDescription("Push a run's events to this session as notifications until it finishes"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to watch")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("relay.status",
		mcp.WithDescription("Get the worker status and its in-flight step runs"),
	)
}

func handlersTool() mcp.Tool {
	return mcp.NewTool("relay.handlers",
		mcp.WithDescription("List the action handlers registered on this worker"),
		mcp.WithString("name", mcp.Description("Return only the handler with this name")),
	)
}
