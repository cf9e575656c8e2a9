// Package mcpserver publishes the tools of a registry as an MCP server, over
// stdio or streamable HTTP.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/docker/agentlab/pkg/tools"
	"github.com/docker/agentlab/pkg/version"
)

// Registry is the part of tools.Registry the server needs.
type Registry interface {
	Tools() []tools.Tool
	Invoke(ctx context.Context, callID, name string, args any) (*tools.ToolCallResult, error)
}

// HealthResponse is returned by GET /health on the HTTP transport.
type HealthResponse struct {
	Status  string `json:"status"`
	Agent   string `json:"agent"`
	Version string `json:"version"`
}

type Server struct {
	name     string
	registry Registry
	server   *mcp.Server
}

type Opt func(*options)

type options struct {
	instructions string
}

// WithInstructions sets the instructions sent to clients on initialize.
func WithInstructions(instructions string) Opt {
	return func(o *options) {
		o.instructions = instructions
	}
}

// New builds an MCP server named name serving every tool in registry.
func New(name string, registry Registry, opts ...Opt) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    name,
		Version: version.Version,
	}, &mcp.ServerOptions{
		Instructions: o.instructions,
	})

	for _, t := range registry.Tools() {
		schema, err := tools.SchemaToMap(t.Parameters)
		if err != nil {
			return nil, fmt.Errorf("converting schema of tool %s: %w", t.Name, err)
		}
		server.AddTool(&mcp.Tool{
			Name:        t.Name,
			Title:       t.Annotations.Title,
			Description: t.Description,
			InputSchema: schema,
			Annotations: &mcp.ToolAnnotations{
				Title:           t.Annotations.Title,
				ReadOnlyHint:    t.Annotations.ReadOnlyHint,
				DestructiveHint: t.Annotations.DestructiveHint,
				IdempotentHint:  t.Annotations.IdempotentHint,
				OpenWorldHint:   t.Annotations.OpenWorldHint,
			},
		}, callTool(registry, t.Name))
	}

	return &Server{
		name:     name,
		registry: registry,
		server:   server,
	}, nil
}

// callTool reports tool failures as error results so the client sees them as
// tool output rather than as a protocol error.
func callTool(registry Registry, name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args json.RawMessage
		if req.Params != nil {
			args = req.Params.Arguments
		}

		slog.Debug("MCP tool call", "tool", name)
		result, err := registry.Invoke(ctx, "mcp-"+uuid.NewString(), name, args)
		if err != nil {
			slog.Warn("MCP tool call failed", "tool", name, "error", err)
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
			}, nil
		}

		return &mcp.CallToolResult{
			IsError: result.IsError,
			Content: []mcp.Content{&mcp.TextContent{Text: result.Output}},
		}, nil
	}
}

// MCPServer returns the underlying server, to connect it to any transport.
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}

// RunStdio serves a single client on stdin/stdout until it disconnects or
// ctx is done.
func (s *Server) RunStdio(ctx context.Context) error {
	slog.Debug("MCP server running on stdio", "name", s.name, "tools", len(s.registry.Tools()))
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Handler serves MCP on /mcp and a health check on /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.server
	}, nil))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(HealthResponse{
			Status:  "healthy",
			Agent:   s.name,
			Version: version.Version,
		})
	})
	return mux
}

// Serve serves Handler on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	slog.Info("MCP server listening", "addr", ln.Addr().String(), "endpoint", "/mcp", "tools", len(s.registry.Tools()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
