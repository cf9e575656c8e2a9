package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docker/agentlab/pkg/platform"
	"github.com/docker/agentlab/pkg/platform/fake"
	"github.com/docker/agentlab/pkg/retry"
	"github.com/docker/agentlab/pkg/runtime"
	"github.com/docker/agentlab/pkg/session"
	"github.com/docker/agentlab/pkg/tools"
	"github.com/docker/agentlab/pkg/tools/builtin"
)

var researchAgent = platform.AgentRef{ID: "asst_research", Name: "research-agent", Version: "v1"}

type fixture struct {
	platform *fake.Platform
	store    *session.MemoryStore
	server   *Server
	client   *Client
}

func startServer(t *testing.T, ctx context.Context, opts ...fake.Option) *fixture {
	t.Helper()

	p := fake.New(opts...)
	registry, err := builtin.NewRegistry(ctx, builtin.Options{})
	require.NoError(t, err)

	o := runtime.New(p,
		runtime.WithClock(runtime.NewSimulatedClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))),
		runtime.WithPollInterval(time.Second),
	)
	store := session.NewMemoryStore()
	srv := New(o, Agent{Name: "research-agent", Ref: researchAgent, Tools: registry, Timeout: 30 * time.Second},
		WithStore(store),
		WithRetryPolicy(retry.Policy{MaxAttempts: 1}),
	)

	socketPath := "unix://" + filepath.Join(t.TempDir(), "sock")
	ln, err := Listen(ctx, socketPath)
	require.NoError(t, err)
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	go func() {
		_ = srv.Serve(ctx, ln)
	}()

	return &fixture{
		platform: p,
		store:    store,
		server:   srv,
		client:   NewClient(socketPath),
	}
}

func TestServer_Health(t *testing.T) {
	t.Parallel()
	f := startServer(t, t.Context())

	health, err := f.client.Health(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "research-agent", health.Agent)
	assert.NotEmpty(t, health.Version)
}

func TestServer_Invoke(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	f := startServer(t, ctx, fake.WithScripts(fake.Script{
		{Status: platform.RunQueued},
		{Status: platform.RunRequiresAction, ToolCalls: []platform.ToolCallRequest{
			{ID: "c1", Name: builtin.ToolNameCheckInventory, Arguments: `{"product_id": "monitor-lg-27"}`},
		}},
		{Status: platform.RunInProgress},
		{Status: platform.RunCompleted, Text: "Only 3 monitors left.", Outputs: []platform.Item{
			{Kind: platform.ItemImage, FileID: "file-chart"},
		}},
	}))

	resp, err := f.client.Invoke(ctx, "How many monitors are in stock?")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, "research-agent", resp.Agent)
	assert.Equal(t, "Only 3 monitors left.", resp.Result)
	require.Len(t, resp.Outputs, 1)
	assert.Equal(t, "file-chart", resp.Outputs[0].FileID)

	items := f.platform.Items(resp.ConversationID)
	require.Len(t, items, 5)
	assert.Equal(t, platform.RoleUser, items[0].Role)
	assert.Equal(t, platform.ItemToolCallOutput, items[2].Kind)
	assert.Equal(t, "c1", items[2].ToolOutput.CallID)
	assert.Contains(t, items[2].ToolOutput.Output, `"status":"LOW STOCK"`)

	ref, ok := f.platform.RunAgent(items[1].RunID)
	require.True(t, ok)
	assert.Equal(t, researchAgent, ref)

	turns, err := f.store.Turns(ctx, resp.ConversationID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, session.TurnSuccess, turns[0].Status)
	assert.Equal(t, "How many monitors are in stock?", turns[0].UserText)
	assert.Equal(t, "Only 3 monitors left.", turns[0].ResultText)
}

func TestServer_InvokeErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		task       string
		script     fake.Script
		failOp     string
		failErr    error
		wantStatus int
		wantError  string
	}{
		{
			name:       "empty task",
			task:       "  ",
			wantStatus: http.StatusBadRequest,
			wantError:  "task is required",
		},
		{
			name: "run failed",
			task: "Write a poem",
			script: fake.Script{
				{Status: platform.RunFailed, Error: &platform.RunError{Code: "server_error", Message: "model overloaded"}},
			},
			wantStatus: http.StatusBadGateway,
			wantError:  "model overloaded",
		},
		{
			name:       "timeout",
			task:       "Write a poem",
			script:     fake.Script{{Status: platform.RunInProgress}},
			wantStatus: http.StatusGatewayTimeout,
			wantError:  "timeout after 30 seconds",
		},
		{
			name:       "transport",
			task:       "Write a poem",
			failOp:     fake.OpCreateConversation,
			failErr:    platform.NewTransportError("create_conversation", errors.New("connection refused")),
			wantStatus: http.StatusBadGateway,
			wantError:  "connection refused",
		},
		{
			name: "unknown tool",
			task: "Destroy everything",
			script: fake.Script{
				{Status: platform.RunRequiresAction, ToolCalls: []platform.ToolCallRequest{
					{ID: "c1", Name: "launch_missiles", Arguments: "{}"},
				}},
			},
			wantStatus: http.StatusInternalServerError,
			wantError:  "unknown tool: launch_missiles",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := t.Context()

			var opts []fake.Option
			if tt.script != nil {
				opts = append(opts, fake.WithScripts(tt.script))
			}
			f := startServer(t, ctx, opts...)
			if tt.failOp != "" {
				f.platform.FailNext(tt.failOp, tt.failErr)
			}

			_, err := f.client.Invoke(ctx, tt.task)
			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.wantStatus, statusErr.StatusCode)
			assert.Contains(t, statusErr.Message, tt.wantError)
		})
	}
}

func TestServer_ErrorBody(t *testing.T) {
	t.Parallel()
	f := startServer(t, t.Context())

	req := httptest.NewRequest(http.MethodPost, "/invoke", strings.NewReader(`{"task": "  "}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp InvokeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusFailed, resp.Status)
	assert.NotEmpty(t, resp.Error)
}

func TestServer_FailedTurnIsRecorded(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	f := startServer(t, ctx, fake.WithScripts(fake.Script{
		{Status: platform.RunFailed, Error: &platform.RunError{Message: "model overloaded"}},
	}))

	_, err := f.client.Invoke(ctx, "Write a poem")
	require.Error(t, err)

	convs, err := f.store.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "research-agent", convs[0].Agent)

	turns, err := f.store.Turns(ctx, convs[0].ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, session.TurnError, turns[0].Status)
	assert.Contains(t, turns[0].Error, "model overloaded")
}

func TestServer_SetAgent(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	f := startServer(t, ctx, fake.WithScripts(fake.Script{{Status: platform.RunCompleted, Text: "Done."}}))

	writer := platform.AgentRef{ID: "asst_writer", Name: "writer-agent", Version: "v2"}
	f.server.SetAgent(Agent{Name: "writer-agent", Ref: writer, Tools: tools.NewRegistry()})

	health, err := f.client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "writer-agent", health.Agent)

	resp, err := f.client.Invoke(ctx, "Write it up")
	require.NoError(t, err)
	assert.Equal(t, "writer-agent", resp.Agent)

	items := f.platform.Items(resp.ConversationID)
	ref, ok := f.platform.RunAgent(items[1].RunID)
	require.True(t, ok)
	assert.Equal(t, writer, ref)
}

func TestServer_Conversations(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	f := startServer(t, ctx, fake.WithResponder(func(userText string) fake.Script {
		return fake.Script{{Status: platform.RunCompleted, Text: "Echo: " + userText}}
	}))

	resp, err := f.client.Invoke(ctx, "ping")
	require.NoError(t, err)
	assert.Equal(t, "Echo: ping", resp.Result)

	var convs []session.Conversation
	require.NoError(t, f.client.do(ctx, http.MethodGet, "/conversations", nil, &convs))
	require.Len(t, convs, 1)
	assert.Equal(t, resp.ConversationID, convs[0].ID)

	var conv ConversationResponse
	require.NoError(t, f.client.do(ctx, http.MethodGet, "/conversations/"+resp.ConversationID, nil, &conv))
	require.Len(t, conv.Turns, 1)
	assert.Equal(t, "Echo: ping", conv.Turns[0].ResultText)

	err = f.client.do(ctx, http.MethodGet, "/conversations/missing", nil, &conv)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusGatewayTimeout, statusFor(&runtime.RunTimeoutError{RunID: "run_1"}))
	assert.Equal(t, http.StatusBadGateway, statusFor(&runtime.RunFailedError{Message: "boom"}))
	assert.Equal(t, http.StatusBadGateway, statusFor(platform.NewTransportError("get_run", errors.New("reset"))))
	assert.Equal(t, http.StatusBadGateway, statusFor(&runtime.InterruptedRunError{RunID: "run_1", Err: platform.NewTransportError("get_run", errors.New("reset"))}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(&runtime.ToolExecutionError{Name: "x", Err: errors.New("boom")}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(context.Canceled))
}
