// Package mcpserver runs the embedded MCP HTTP server that exposes
// read-only tracker tools to the agent during an iteration. All tracker
// mutation stays with the iteration controller; the agent can look but
// not touch.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mark3labs/taskloop/internal/history"
	"github.com/mark3labs/taskloop/internal/logger"
	"github.com/mark3labs/taskloop/internal/tracker"
)

// TaskSource yields the task owned by the in-flight iteration, nil when
// no iteration is running. The loop controller implements it.
type TaskSource interface {
	CurrentTask() *tracker.SelectedTask
}

// Lister enumerates the tracker's tasks. Both tracker backends
// implement it alongside the core contract.
type Lister interface {
	ListTasks(ctx context.Context) ([]tracker.Task, error)
}

// HistorySource replays a run's durable history.
type HistorySource interface {
	LoadState(ctx context.Context, run string) (*history.RunState, error)
}

// Server manages the embedded MCP HTTP server. One instance per run,
// started before the first iteration and stopped when the loop ends.
type Server struct {
	run     string
	source  TaskSource
	lister  Lister
	history HistorySource

	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
	stdServer  *http.Server
	port       int
	mu         sync.Mutex
}

// New creates an MCP server for the given run. history may be nil when
// no durable history is configured; the history tool then reports so.
func New(run string, source TaskSource, lister Lister, history HistorySource) *Server {
	return &Server{
		run:     run,
		source:  source,
		lister:  lister,
		history: history,
	}
}

// Start starts the MCP HTTP server on a random available port.
// Blocks until the server is ready to accept connections.
// Returns the port number or an error if startup fails.
func (s *Server) Start(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stdServer != nil {
		return 0, fmt.Errorf("server already started")
	}

	s.mcpServer = server.NewMCPServer(
		"taskloop-tools",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	if err := s.registerTools(); err != nil {
		return 0, fmt.Errorf("failed to register tools: %w", err)
	}

	// Find a random available port by creating a listener
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find available port: %w", err)
	}

	s.port = listener.Addr().(*net.TCPAddr).Port

	// Pass the listener to the HTTP server directly to avoid a TOCTOU
	// race on the port.
	mux := http.NewServeMux()
	mcpHandler := server.NewStreamableHTTPServer(
		s.mcpServer,
		server.WithStateLess(true),
	)
	mux.Handle("/mcp", mcpHandler)

	s.stdServer = &http.Server{
		Handler: mux,
	}
	s.httpServer = mcpHandler

	logger.Debug("Starting MCP server on port %d", s.port)

	// Capture stdServer reference for goroutine to avoid race with Stop()
	stdServer := s.stdServer
	go func() {
		if err := stdServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("MCP server error: %v", err)
		}
	}()

	logger.Debug("MCP server ready on port %d", s.port)
	return s.port, nil
}

// Stop stops the MCP HTTP server and cleans up resources.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stdServer == nil {
		return nil // Already stopped
	}

	logger.Debug("Stopping MCP server")
	if err := s.stdServer.Shutdown(context.Background()); err != nil {
		logger.Warn("Error stopping MCP server: %v", err)
		return fmt.Errorf("failed to stop server: %w", err)
	}

	s.httpServer = nil
	s.stdServer = nil
	s.mcpServer = nil
	logger.Debug("MCP server stopped")
	return nil
}

// URL returns the HTTP URL for the MCP server endpoint.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("http://localhost:%d/mcp", s.port)
}

// Port returns the bound port, 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}
