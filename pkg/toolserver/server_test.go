package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docker/agentlab/pkg/tools"
)

type greetArgs struct {
	Name string `json:"name" jsonschema:"Who to greet"`
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	r := tools.NewRegistry()
	require.NoError(t, r.Register(
		tools.Tool{
			Name:        "greet",
			Category:    "demo",
			Description: "Greet tool",
			Parameters:  tools.MustSchemaFor[greetArgs](),
			Handler: tools.NewHandler(func(_ context.Context, args greetArgs) (*tools.ToolCallResult, error) {
				return tools.ResultSuccess("Hello, " + args.Name), nil
			}),
		},
		tools.Tool{
			Name: "refuse",
			Handler: func(context.Context, tools.ToolCall) (*tools.ToolCallResult, error) {
				return tools.ResultError("something went wrong"), nil
			},
		},
		tools.Tool{
			Name: "crash",
			Handler: func(context.Context, tools.ToolCall) (*tools.ToolCallResult, error) {
				return nil, errors.New("database unreachable")
			},
		},
	))
	return New("inventory-agent", r)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequestWithContext(t.Context(), method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	w := do(t, newTestServer(t), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	health := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "inventory-agent", health.Agent)
	assert.NotEmpty(t, health.Version)
}

func TestServer_ListTools(t *testing.T) {
	t.Parallel()

	w := do(t, newTestServer(t), http.MethodGet, "/tools", "")
	assert.Equal(t, http.StatusOK, w.Code)

	infos := decode[[]ToolInfo](t, w)
	require.Len(t, infos, 3)
	assert.Equal(t, "greet", infos[0].Name)
	assert.Equal(t, "demo", infos[0].Category)
	assert.NotNil(t, infos[0].Parameters)
}

func TestServer_CallTool(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	for name, body := range map[string]string{
		"string":    `{"arguments": "{\"name\": \"World\"}"}`,
		"object":    `{"arguments": {"name": "World"}}`,
		"with null": `{"arguments": {"name": "World", "extra": null}}`,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			w := do(t, s, http.MethodPost, "/tools/greet", body)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())

			resp := decode[CallToolResponse](t, w)
			assert.Equal(t, "Hello, World", resp.Output)
			assert.False(t, resp.IsError)
		})
	}
}

func TestServer_CallTool_NotFound(t *testing.T) {
	t.Parallel()

	w := do(t, newTestServer(t), http.MethodPost, "/tools/nonexistent", `{"arguments": "{}"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, decode[ErrorResponse](t, w).Error, "not found")
}

func TestServer_CallTool_BadRequests(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	for name, body := range map[string]string{
		"invalid body":      "not json",
		"invalid arguments": `{"arguments": "{\"name\": "}`,
		"array arguments":   `{"arguments": [1, 2]}`,
		"schema mismatch":   `{"arguments": {"name": 42}}`,
		"missing required":  `{"arguments": {}}`,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			w := do(t, s, http.MethodPost, "/tools/greet", body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, w).Error)
		})
	}
}

func TestServer_CallTool_ErrorResult(t *testing.T) {
	t.Parallel()

	w := do(t, newTestServer(t), http.MethodPost, "/tools/refuse", `{}`)
	assert.Equal(t, http.StatusOK, w.Code)

	resp := decode[CallToolResponse](t, w)
	assert.Equal(t, "something went wrong", resp.Output)
	assert.True(t, resp.IsError)
}

func TestServer_CallTool_HandlerFailure(t *testing.T) {
	t.Parallel()

	w := do(t, newTestServer(t), http.MethodPost, "/tools/crash", `{"arguments": ""}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, decode[ErrorResponse](t, w).Error, "database unreachable")
}

func TestServer_Serve(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := newTestServer(t)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-done)
}
