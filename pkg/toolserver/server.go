// Package toolserver provides a lightweight HTTP server that exposes local
// tools remotely, so that another process can resolve tool calls against
// the same registry.
package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/docker/agentlab/pkg/tools"
	"github.com/docker/agentlab/pkg/version"
)

// Registry is the part of tools.Registry the server needs.
type Registry interface {
	Lookup(name string) (tools.Tool, bool)
	Tools() []tools.Tool
	Invoke(ctx context.Context, callID, name string, args any) (*tools.ToolCallResult, error)
}

// Server is a lightweight HTTP server that exposes tools for remote invocation.
type Server struct {
	name     string
	registry Registry
}

// CallToolRequest is the request body for calling a tool. Arguments may be
// a JSON-encoded string or an object.
type CallToolRequest struct {
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResponse is the response from calling a tool.
type CallToolResponse struct {
	Output  string `json:"output"`
	IsError bool   `json:"isError,omitempty"`
}

// ErrorResponse represents an error response from the server.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Agent   string `json:"agent"`
	Version string `json:"version"`
}

// ToolInfo describes a tool in GET /tools.
type ToolInfo struct {
	Name        string `json:"name"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// New creates a tool server named name over registry.
func New(name string, registry Registry) *Server {
	return &Server{
		name:     name,
		registry: registry,
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /tools", s.handleListTools)
	mux.HandleFunc("POST /tools/{tool}", s.handleCallTool)
	return mux
}

// Serve starts the HTTP server on the given listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	slog.Info("Tool server listening", "addr", ln.Addr().String(), "tools", len(s.registry.Tools()))
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Agent:   s.name,
		Version: version.Version,
	})
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	list := s.registry.Tools()
	infos := make([]ToolInfo, 0, len(list))
	for _, t := range list {
		infos = append(infos, ToolInfo{
			Name:        t.Name,
			Category:    t.Category,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	toolName := r.PathValue("tool")

	tool, ok := s.registry.Lookup(toolName)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("tool %q not found", toolName))
		return
	}

	var req CallToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	args, err := decodeArguments(req.Arguments)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid arguments: %v", err))
		return
	}
	args = tools.StripNulls(args)
	if err := tools.ValidateArguments(tool.Parameters, args); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.registry.Invoke(ctx, "toolserver-"+uuid.NewString(), toolName, args)
	if err != nil {
		slog.Error("Tool execution failed", "tool", toolName, "error", err)
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("tool execution failed: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, CallToolResponse{
		Output:  result.Output,
		IsError: result.IsError,
	})
}

// decodeArguments accepts the arguments either as an object or as a string
// holding a JSON object.
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, err
		}
		return tools.NormalizeArguments(encoded)
	}
	return tools.NormalizeArguments(raw)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
