package openai

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docker/agentlab/pkg/platform"
)

type recorded struct {
	method string
	path   string
	query  string
	header http.Header
	body   map[string]any
}

type mockAPI struct {
	mu       sync.Mutex
	requests []recorded
	mux      *http.ServeMux
}

func newMockAPI(t *testing.T) (*mockAPI, *httptest.Server) {
	t.Helper()

	m := &mockAPI{mux: http.NewServeMux()}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(buf, &body)

		m.mu.Lock()
		m.requests = append(m.requests, recorded{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			header: r.Header.Clone(),
			body:   body,
		})
		m.mu.Unlock()

		m.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return m, srv
}

func (m *mockAPI) handle(pattern, response string, status int) {
	m.mux.HandleFunc(pattern, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	})
}

func (m *mockAPI) last() recorded {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()

	c, err := NewClient(t.Context(), Config{BaseURL: srv.URL, APIKey: "sk-test"})
	require.NoError(t, err)
	return c
}

func TestClient_RequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := NewClient(t.Context(), Config{})
	require.Error(t, err)

	_, err = NewClient(t.Context(), Config{Auth: AuthAzure, APIKey: "k"})
	require.Error(t, err)

	_, err = NewClient(t.Context(), Config{Auth: AuthOAuth2})
	require.Error(t, err)

	_, err = NewClient(t.Context(), Config{Auth: "kerberos", APIKey: "k"})
	require.Error(t, err)
}

func TestClient_ConversationAndRun(t *testing.T) {
	t.Parallel()

	m, srv := newMockAPI(t)
	m.handle("POST /threads", `{"id":"thread_1","object":"thread"}`, http.StatusOK)
	m.handle("POST /threads/thread_1/messages", `{"id":"msg_1","object":"thread.message","role":"user"}`, http.StatusOK)
	m.handle("POST /threads/thread_1/runs", `{"id":"run_1","object":"thread.run","status":"queued","thread_id":"thread_1"}`, http.StatusOK)

	c := newTestClient(t, srv)
	ctx := t.Context()

	convID, err := c.CreateConversation(ctx)
	require.NoError(t, err)
	assert.Equal(t, "thread_1", convID)
	assert.Equal(t, "Bearer sk-test", m.last().header.Get("Authorization"))

	require.NoError(t, c.AppendItem(ctx, convID, platform.UserMessage("How many PROD-001?")))
	msg := m.last()
	assert.Equal(t, "user", msg.body["role"])
	assert.Equal(t, "How many PROD-001?", msg.body["content"])

	require.Error(t, c.AppendItem(ctx, convID, platform.ToolOutputItem(platform.ToolCallResult{CallID: "c1"})))

	runID, err := c.SubmitRun(ctx, convID, platform.AgentRef{ID: "asst_1"})
	require.NoError(t, err)
	assert.Equal(t, "run_1", runID)
	assert.Equal(t, "asst_1", m.last().body["assistant_id"])

	_, err = c.SubmitRun(ctx, convID, platform.AgentRef{Name: "no-id"})
	require.Error(t, err)
}

func TestClient_GetRunRequiresAction(t *testing.T) {
	t.Parallel()

	m, srv := newMockAPI(t)
	m.handle("GET /threads/thread_1/runs/run_1", `{
		"id": "run_1",
		"thread_id": "thread_1",
		"status": "requires_action",
		"required_action": {
			"type": "submit_tool_outputs",
			"submit_tool_outputs": {"tool_calls": [
				{"id": "call_A", "type": "function", "function": {"name": "check_inventory", "arguments": "{\"product_id\":\"PROD-001\"}"}},
				{"id": "call_B", "type": "function", "function": {"name": "check_inventory", "arguments": "{\"product_id\":\"PROD-002\"}"}}
			]}
		}
	}`, http.StatusOK)

	c := newTestClient(t, srv)
	run, err := c.GetRun(t.Context(), "thread_1", "run_1")
	require.NoError(t, err)

	assert.Equal(t, platform.RunRequiresAction, run.Status)
	require.Len(t, run.RequiredAction, 2)
	assert.Equal(t, "call_A", run.RequiredAction[0].ID)
	assert.Equal(t, "check_inventory", run.RequiredAction[0].Name)
	assert.JSONEq(t, `{"product_id":"PROD-001"}`, run.RequiredAction[0].Arguments.(string))
	assert.Equal(t, "call_B", run.RequiredAction[1].ID)
	assert.Nil(t, run.Error)
}

func TestClient_GetRunFailed(t *testing.T) {
	t.Parallel()

	m, srv := newMockAPI(t)
	m.handle("GET /threads/thread_1/runs/run_1", `{
		"id": "run_1",
		"status": "failed",
		"last_error": {"code": "server_error", "message": "model overloaded"}
	}`, http.StatusOK)

	c := newTestClient(t, srv)
	run, err := c.GetRun(t.Context(), "thread_1", "run_1")
	require.NoError(t, err)

	assert.Equal(t, platform.RunFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "model overloaded", run.Error.Message)
	assert.Equal(t, "server_error", run.Error.Code)
}

func TestClient_SubmitToolOutputs(t *testing.T) {
	t.Parallel()

	m, srv := newMockAPI(t)
	m.handle("POST /threads/thread_1/runs/run_1/submit_tool_outputs", `{"id":"run_1","status":"queued"}`, http.StatusOK)

	c := newTestClient(t, srv)
	err := c.SubmitToolOutputs(t.Context(), "thread_1", "run_1", []platform.ToolCallResult{
		{CallID: "call_A", Output: "42"},
		{CallID: "call_B", Output: "7"},
	})
	require.NoError(t, err)

	outputs := m.last().body["tool_outputs"].([]any)
	require.Len(t, outputs, 2)
	assert.Equal(t, map[string]any{"tool_call_id": "call_A", "output": "42"}, outputs[0])
	assert.Equal(t, map[string]any{"tool_call_id": "call_B", "output": "7"}, outputs[1])
}

func TestClient_ListItemsMergesRunSteps(t *testing.T) {
	t.Parallel()

	m, srv := newMockAPI(t)
	m.handle("GET /threads/thread_1/messages", `{
		"object": "list",
		"has_more": false,
		"data": [
			{"id": "msg_u", "role": "user", "content": [{"type": "text", "text": {"value": "Plot stock", "annotations": []}}]},
			{"id": "msg_a", "role": "assistant", "run_id": "run_1", "content": [
				{"type": "text", "text": {"value": "Here you go", "annotations": [
					{"type": "file_path", "text": "sandbox:/mnt/data/stock.csv", "file_path": {"file_id": "file-csv"}}
				]}},
				{"type": "image_file", "image_file": {"file_id": "file-png"}}
			]}
		]
	}`, http.StatusOK)
	m.handle("GET /threads/thread_1/runs/run_1/steps", `{
		"object": "list",
		"has_more": false,
		"data": [
			{"id": "step_1", "run_id": "run_1", "type": "tool_calls", "step_details": {"type": "tool_calls", "tool_calls": [
				{"id": "call_A", "type": "function", "function": {"name": "check_inventory", "arguments": "{}", "output": "42"}},
				{"id": "ci_1", "type": "code_interpreter", "code_interpreter": {"input": "print(1)", "outputs": []}}
			]}},
			{"id": "step_2", "run_id": "run_1", "type": "message_creation", "step_details": {"type": "message_creation", "message_creation": {"message_id": "msg_a"}}}
		]
	}`, http.StatusOK)

	c := newTestClient(t, srv)
	items, err := c.ListItems(t.Context(), "thread_1")
	require.NoError(t, err)

	var got []platform.ItemKind
	for _, item := range items {
		got = append(got, item.Kind)
	}
	assert.Equal(t, []platform.ItemKind{
		platform.ItemText,
		platform.ItemToolCallRequest,
		platform.ItemToolCallOutput,
		platform.ItemText,
		platform.ItemFile,
		platform.ItemImage,
	}, got)

	assert.Equal(t, platform.RoleUser, items[0].Role)
	assert.Equal(t, "call_A", items[1].ToolCall.ID)
	assert.Equal(t, "call_A", items[2].ToolOutput.CallID)
	assert.Equal(t, "42", items[2].ToolOutput.Output)
	assert.Equal(t, "Here you go", items[3].Text)
	assert.Equal(t, "file-csv", items[4].FileID)
	assert.Equal(t, "file-png", items[5].FileID)
	for _, item := range items[3:] {
		assert.Equal(t, "msg_a", item.ID)
		assert.Equal(t, platform.RoleAssistant, item.Role)
	}

	listReq := m.requests[0]
	assert.Contains(t, listReq.query, "order=asc")
}

func TestClient_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		transport bool
		notFound  bool
	}{
		{status: http.StatusInternalServerError, transport: true},
		{status: http.StatusServiceUnavailable, transport: true},
		{status: http.StatusUnauthorized, transport: true},
		{status: http.StatusTooManyRequests, transport: true},
		{status: http.StatusNotFound, notFound: true},
		{status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()

			m, srv := newMockAPI(t)
			m.handle("GET /threads/thread_1/runs/run_1", `{"error":{"message":"nope","type":"error"}}`, tt.status)

			c := newTestClient(t, srv)
			_, err := c.GetRun(t.Context(), "thread_1", "run_1")
			require.Error(t, err)

			var te *platform.TransportError
			assert.Equal(t, tt.transport, errors.As(err, &te))
			if tt.transport {
				assert.Equal(t, tt.status, te.StatusCode)
				assert.Equal(t, "get_run", te.Op)
			}
			assert.Equal(t, tt.notFound, errors.Is(err, platform.ErrNotFound))
		})
	}
}

func TestClient_NetworkFailureIsTransportError(t *testing.T) {
	t.Parallel()

	_, srv := newMockAPI(t)
	c := newTestClient(t, srv)
	srv.Close()

	_, err := c.CreateConversation(t.Context())
	require.ErrorIs(t, err, platform.ErrTransport)
}

func TestClient_AzureAuth(t *testing.T) {
	t.Parallel()

	m, srv := newMockAPI(t)
	m.handle("POST /threads", `{"id":"thread_1"}`, http.StatusOK)

	c, err := NewClient(t.Context(), Config{
		BaseURL:    srv.URL,
		Auth:       AuthAzure,
		APIKey:     "azure-key",
		APIVersion: "2024-07-01-preview",
	})
	require.NoError(t, err)

	_, err = c.CreateConversation(t.Context())
	require.NoError(t, err)

	req := m.last()
	assert.Equal(t, "azure-key", req.header.Get("api-key"))
	assert.Empty(t, req.header.Get("Authorization"))
	assert.Contains(t, req.query, "api-version=2024-07-01-preview")
}

func TestClient_OAuth2ClientCredentials(t *testing.T) {
	t.Parallel()

	m, srv := newMockAPI(t)
	m.handle("POST /oauth/token", `{"access_token":"tok-123","token_type":"Bearer","expires_in":3600}`, http.StatusOK)
	m.handle("POST /threads", `{"id":"thread_1"}`, http.StatusOK)

	c, err := NewClient(t.Context(), Config{
		BaseURL: srv.URL,
		Auth:    AuthOAuth2,
		OAuth2: OAuth2Config{
			TokenURL:     srv.URL + "/oauth/token",
			ClientID:     "client",
			ClientSecret: "secret",
			Scopes:       []string{"https://ai.azure.com/.default"},
		},
	})
	require.NoError(t, err)

	_, err = c.CreateConversation(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-123", m.last().header.Get("Authorization"))
}

func TestClient_CreateAgent(t *testing.T) {
	t.Parallel()

	m, srv := newMockAPI(t)
	m.handle("POST /assistants", `{"id":"asst_42","object":"assistant"}`, http.StatusOK)
	m.handle("DELETE /assistants/asst_42", `{"id":"asst_42","deleted":true}`, http.StatusOK)

	c := newTestClient(t, srv)
	def, err := c.CreateAgent(t.Context(), platform.AgentDefinition{
		Name:            "inventory-agent",
		Version:         "v2",
		Model:           "gpt-4o",
		Instructions:    "Answer stock questions.",
		CodeInterpreter: true,
		Functions: []platform.FunctionDef{{
			Name:        "check_inventory",
			Description: "Check stock for a product",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{"product_id": map[string]any{"type": "string"}}},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "asst_42", def.ID)

	body := m.last().body
	assert.Equal(t, "gpt-4o", body["model"])
	assert.Equal(t, "inventory-agent", body["name"])
	assert.Equal(t, map[string]any{"version": "v2"}, body["metadata"])

	toolsBody := body["tools"].([]any)
	require.Len(t, toolsBody, 2)
	assert.Equal(t, "code_interpreter", toolsBody[0].(map[string]any)["type"])
	fn := toolsBody[1].(map[string]any)
	assert.Equal(t, "function", fn["type"])
	assert.Equal(t, "check_inventory", fn["function"].(map[string]any)["name"])

	require.NoError(t, c.DeleteAgent(t.Context(), "asst_42"))
	assert.Equal(t, http.MethodDelete, m.last().method)
}
