// Package server exposes one agent over HTTP: a health check and an invoke
// endpoint that runs a full turn on a fresh conversation.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/docker/agentlab/pkg/platform"
	"github.com/docker/agentlab/pkg/retry"
	"github.com/docker/agentlab/pkg/runtime"
	"github.com/docker/agentlab/pkg/session"
	"github.com/docker/agentlab/pkg/version"
)

const (
	StatusHealthy = "healthy"
	StatusSuccess = "success"
	StatusFailed  = "error"
)

// Agent is what the service runs turns against. It can be swapped while the
// server is running.
type Agent struct {
	Name    string
	Ref     platform.AgentRef
	Tools   runtime.ToolRegistry
	Timeout time.Duration
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Agent   string `json:"agent"`
	Version string `json:"version"`
}

// InvokeRequest is the body of POST /invoke.
type InvokeRequest struct {
	Task string `json:"task"`
}

// InvokeResponse is returned by POST /invoke, on success and on failure.
type InvokeResponse struct {
	Status         string          `json:"status"`
	Agent          string          `json:"agent,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Result         string          `json:"result,omitempty"`
	Outputs        []platform.Item `json:"outputs,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Server is the agent HTTP service.
type Server struct {
	e            *echo.Echo
	orchestrator *runtime.Orchestrator
	agent        atomic.Pointer[Agent]
	store        session.Store
	policy       retry.Policy
}

type Opt func(*Server)

// WithStore records every conversation and turn in store.
func WithStore(store session.Store) Opt {
	return func(s *Server) {
		s.store = store
	}
}

// WithRetryPolicy replaces retry.DefaultPolicy.
func WithRetryPolicy(p retry.Policy) Opt {
	return func(s *Server) {
		s.policy = p
	}
}

func New(o *runtime.Orchestrator, agent Agent, opts ...Opt) *Server {
	s := &Server{
		e:            echo.New(),
		orchestrator: o,
		store:        session.NewMemoryStore(),
		policy:       retry.DefaultPolicy(),
	}
	s.agent.Store(&agent)
	for _, opt := range opts {
		opt(s)
	}

	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.HTTPErrorHandler = errorHandler
	s.e.Use(middleware.Recover())

	s.e.GET("/health", s.health)
	s.e.POST("/invoke", s.invoke)
	s.e.GET("/conversations", s.listConversations)
	s.e.GET("/conversations/:id", s.getConversation)

	return s
}

// SetAgent replaces the agent used by subsequent invocations.
func (s *Server) SetAgent(agent Agent) {
	s.agent.Store(&agent)
	slog.Info("Agent service reloaded", "agent", agent.Name, "ref", agent.Ref.String())
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.e
}

// Listen listens on addr, either host:port or unix:///path/to/socket.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	if path, ok := strings.CutPrefix(addr, "unix://"); ok {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("removing stale socket: %w", err)
		}
		return lc.Listen(ctx, "unix", path)
	}
	return lc.Listen(ctx, "tcp", addr)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	slog.Info("Agent service listening", "addr", ln.Addr().String(), "agent", s.agent.Load().Name)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  StatusHealthy,
		Agent:   s.agent.Load().Name,
		Version: version.Version,
	})
}

func (s *Server) invoke(c echo.Context) error {
	ctx := c.Request().Context()
	agent := s.agent.Load()

	var req InvokeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Task) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task is required")
	}

	conversationID, err := s.orchestrator.Platform().CreateConversation(ctx)
	if err != nil {
		return s.invokeError(c, agent, "", err)
	}
	if err := s.store.AddConversation(ctx, &session.Conversation{ID: conversationID, Agent: agent.Name}); err != nil {
		slog.Warn("Failed to record conversation", "conversation", conversationID, "error", err)
	}

	res, err := retry.ExecuteTurn(ctx, s.policy, s.orchestrator, runtime.TurnRequest{
		ConversationID: conversationID,
		Agent:          agent.Ref,
		UserText:       req.Task,
		Tools:          agent.Tools,
		Timeout:        agent.Timeout,
	})
	s.record(ctx, conversationID, req.Task, res, err)
	if err != nil {
		return s.invokeError(c, agent, conversationID, err)
	}

	return c.JSON(http.StatusOK, InvokeResponse{
		Status:         StatusSuccess,
		Agent:          agent.Name,
		ConversationID: conversationID,
		Result:         res.Text,
		Outputs:        res.Outputs,
	})
}

func (s *Server) record(ctx context.Context, conversationID, task string, res *runtime.TurnResult, err error) {
	if err := s.store.AddTurn(context.WithoutCancel(ctx), session.NewTurn(conversationID, task, res, err)); err != nil {
		slog.Warn("Failed to record turn", "conversation", conversationID, "error", err)
	}
}

func (s *Server) invokeError(c echo.Context, agent *Agent, conversationID string, err error) error {
	status := statusFor(err)
	slog.Error("Invocation failed", "agent", agent.Name, "conversation", conversationID, "status", status, "error", err)
	return c.JSON(status, InvokeResponse{
		Status:         StatusFailed,
		Agent:          agent.Name,
		ConversationID: conversationID,
		Error:          err.Error(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, runtime.ErrRunTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, runtime.ErrRunFailed), errors.Is(err, platform.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) listConversations(c echo.Context) error {
	convs, err := s.store.ListConversations(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list conversations")
	}
	if convs == nil {
		convs = []*session.Conversation{}
	}
	return c.JSON(http.StatusOK, convs)
}

// ConversationResponse is returned by GET /conversations/:id.
type ConversationResponse struct {
	*session.Conversation
	Turns []*session.Turn `json:"turns"`
}

func (s *Server) getConversation(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get conversation")
	}
	turns, err := s.store.Turns(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get turns")
	}
	return c.JSON(http.StatusOK, ConversationResponse{Conversation: conv, Turns: turns})
}

// errorHandler renders every echo error as an InvokeResponse-shaped body.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = fmt.Sprint(he.Message)
	}

	if err := c.JSON(code, InvokeResponse{Status: StatusFailed, Error: msg}); err != nil {
		slog.Error("Failed to write error response", "error", err)
	}
}
