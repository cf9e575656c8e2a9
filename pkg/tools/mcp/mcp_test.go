package mcp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docker/agentlab/pkg/tools"
)

type echoArgs struct {
	Text string `json:"text"`
	Note string `json:"note,omitempty"`
}

func newTestServer() *gomcp.Server {
	server := gomcp.NewServer(&gomcp.Implementation{Name: "test", Version: "1.0.0"}, &gomcp.ServerOptions{
		Instructions: "Use echo to repeat things.",
	})

	gomcp.AddTool(server, &gomcp.Tool{
		Name:        "echo",
		Description: "Echo the raw arguments",
		Annotations: &gomcp.ToolAnnotations{Title: "Echo", ReadOnlyHint: true},
	}, func(_ context.Context, req *gomcp.CallToolRequest, _ echoArgs) (*gomcp.CallToolResult, any, error) {
		return &gomcp.CallToolResult{
			Content: []gomcp.Content{&gomcp.TextContent{Text: string(req.Params.Arguments)}},
		}, nil, nil
	})
	gomcp.AddTool(server, &gomcp.Tool{
		Name: "split",
	}, func(context.Context, *gomcp.CallToolRequest, struct{}) (*gomcp.CallToolResult, any, error) {
		return &gomcp.CallToolResult{
			Content: []gomcp.Content{
				&gomcp.TextContent{Text: "one,"},
				&gomcp.TextContent{Text: "two"},
			},
		}, nil, nil
	})
	gomcp.AddTool(server, &gomcp.Tool{
		Name: "refuse",
	}, func(context.Context, *gomcp.CallToolRequest, struct{}) (*gomcp.CallToolResult, any, error) {
		return &gomcp.CallToolResult{
			Content: []gomcp.Content{&gomcp.TextContent{Text: "not allowed"}},
			IsError: true,
		}, nil, nil
	})
	gomcp.AddTool(server, &gomcp.Tool{
		Name: "silent",
	}, func(context.Context, *gomcp.CallToolRequest, struct{}) (*gomcp.CallToolResult, any, error) {
		return &gomcp.CallToolResult{}, nil, nil
	})

	return server
}

// inMemoryClient connects to a server in the same process. Its first
// `failures` initializations fail.
type inMemoryClient struct {
	sessionClient
	server   *gomcp.Server
	failures int32
	attempts atomic.Int32
}

func (c *inMemoryClient) Initialize(ctx context.Context) (*gomcp.InitializeResult, error) {
	if c.attempts.Add(1) <= c.failures {
		return nil, errors.New("server not ready")
	}

	serverTransport, clientTransport := gomcp.NewInMemoryTransports()
	if _, err := c.server.Connect(ctx, serverTransport, nil); err != nil {
		return nil, err
	}
	session, err := c.newClient().Connect(ctx, clientTransport, nil)
	if err != nil {
		return nil, err
	}
	c.setSession(session)
	return session.InitializeResult(), nil
}

func startToolset(t *testing.T, name string) *Toolset {
	t.Helper()

	ts := newToolset(name, "in-memory", &inMemoryClient{server: newTestServer()})
	require.NoError(t, ts.Start(t.Context()))
	t.Cleanup(func() {
		_ = ts.Stop(context.Background())
	})
	return ts
}

func findTool(t *testing.T, list []tools.Tool, name string) tools.Tool {
	t.Helper()
	for _, tool := range list {
		if tool.Name == name {
			return tool
		}
	}
	require.Failf(t, "tool not found", "%s", name)
	return tools.Tool{}
}

func call(t *testing.T, tool tools.Tool, args string) *tools.ToolCallResult {
	t.Helper()
	result, err := tool.Handler(t.Context(), tools.ToolCall{
		ID:       "call_1",
		Type:     "function",
		Function: tools.FunctionCall{Name: tool.Name, Arguments: args},
	})
	require.NoError(t, err)
	return result
}

func TestToolset_ToolsArePrefixed(t *testing.T) {
	t.Parallel()

	ts := startToolset(t, "lab")
	assert.Equal(t, "Use echo to repeat things.", ts.Instructions())

	list, err := ts.Tools(t.Context())
	require.NoError(t, err)
	require.Len(t, list, 4)

	echo := findTool(t, list, "lab_echo")
	assert.Equal(t, "Echo the raw arguments", echo.Description)
	assert.Equal(t, "lab", echo.Category)
	assert.Equal(t, "Echo", echo.Annotations.Title)
	assert.True(t, echo.Annotations.ReadOnlyHint)
	assert.NotNil(t, echo.Parameters)

	// The prefixed tool still reaches the server-side name.
	assert.JSONEq(t, `{"text":"hi"}`, call(t, echo, `{"text":"hi"}`).Output)
}

func TestToolset_NoPrefixWithoutName(t *testing.T) {
	t.Parallel()

	list, err := startToolset(t, "").Tools(t.Context())
	require.NoError(t, err)
	findTool(t, list, "echo")
}

func TestToolset_StripsNullArguments(t *testing.T) {
	t.Parallel()

	list, err := startToolset(t, "").Tools(t.Context())
	require.NoError(t, err)

	result := call(t, findTool(t, list, "echo"), `{"text":"hi","note":null}`)
	assert.False(t, result.IsError)
	assert.JSONEq(t, `{"text":"hi"}`, result.Output)
}

func TestToolset_ContentHandling(t *testing.T) {
	t.Parallel()

	list, err := startToolset(t, "").Tools(t.Context())
	require.NoError(t, err)

	assert.Equal(t, "one,two", call(t, findTool(t, list, "split"), "").Output)

	refused := call(t, findTool(t, list, "refuse"), "{}")
	assert.True(t, refused.IsError)
	assert.Equal(t, "not allowed", refused.Output)

	assert.Equal(t, "no output", call(t, findTool(t, list, "silent"), "{}").Output)
}

func TestToolset_RejectsMalformedArguments(t *testing.T) {
	t.Parallel()

	list, err := startToolset(t, "").Tools(t.Context())
	require.NoError(t, err)

	echo := findTool(t, list, "echo")
	_, err = echo.Handler(t.Context(), tools.ToolCall{Function: tools.FunctionCall{Name: "echo", Arguments: `{"text":`}})
	require.ErrorContains(t, err, "failed to parse tool arguments")
}

func TestToolset_ToolsBeforeStart(t *testing.T) {
	t.Parallel()

	ts := newToolset("", "in-memory", &inMemoryClient{server: newTestServer()})
	_, err := ts.Tools(t.Context())
	require.ErrorContains(t, err, "not started")
}

func TestToolset_InitializeIsRetried(t *testing.T) {
	t.Parallel()

	client := &inMemoryClient{server: newTestServer(), failures: 2}
	ts := newToolset("", "flaky", client)
	ts.initBackoff = time.Millisecond

	require.NoError(t, ts.Start(t.Context()))
	t.Cleanup(func() { _ = ts.Stop(context.Background()) })
	assert.Equal(t, int32(3), client.attempts.Load())
}

func TestToolset_InitializeGivesUp(t *testing.T) {
	t.Parallel()

	client := &inMemoryClient{server: newTestServer(), failures: 10}
	ts := newToolset("", "down", client)
	ts.initBackoff = time.Millisecond

	err := ts.Start(t.Context())
	require.ErrorContains(t, err, "after 3 attempts")
	require.ErrorContains(t, err, "server not ready")
	assert.Equal(t, int32(3), client.attempts.Load())
}

func TestToolset_ThroughRegistry(t *testing.T) {
	t.Parallel()

	r := tools.NewRegistry()
	ts := newToolset("lab", "in-memory", &inMemoryClient{server: newTestServer()})
	require.NoError(t, r.AddToolSet(t.Context(), ts))
	t.Cleanup(func() { _ = r.Close(context.Background()) })

	result, err := r.Invoke(t.Context(), "call_1", "lab_echo", map[string]any{"text": "from registry"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"from registry"}`, result.Output)
}

func TestRemoteToolset_StreamableHTTP(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	var sawHeader atomic.Bool
	handler := gomcp.NewStreamableHTTPHandler(func(*http.Request) *gomcp.Server { return server }, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") == "secret" {
			sawHeader.Store(true)
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	ts := NewRemoteToolset("remote", srv.URL, map[string]string{"X-Api-Key": "secret"})
	require.NoError(t, ts.Start(t.Context()))
	t.Cleanup(func() { _ = ts.Stop(context.Background()) })

	list, err := ts.Tools(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "one,two", call(t, findTool(t, list, "remote_split"), "{}").Output)
	assert.True(t, sawHeader.Load())
}
