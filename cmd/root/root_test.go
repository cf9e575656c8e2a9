package root

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docker/agentlab/pkg/platform"
	"github.com/docker/agentlab/pkg/platform/fake"
	"github.com/docker/agentlab/pkg/runtime"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

const fakeLabConfig = `
platform:
  kind: fake
runtime:
  poll_interval: 5ms
  timeout: 5s
agents:
  stock:
    model: gpt-4o-mini
    instructions: You answer stock questions.
    toolsets:
      - type: builtin
        builtin: inventory
`

// runCLI runs the command line against a fake platform configuration and
// returns stdout.
func runCLI(t *testing.T, dir string, stdin string, args ...string) (string, error) {
	t.Helper()
	return runCLIWithConfig(t, dir, fakeLabConfig, stdin, args...)
}

func runCLIWithConfig(t *testing.T, dir, labConfig, stdin string, args ...string) (string, error) {
	t.Helper()

	configPath := filepath.Join(dir, "agentlab.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(labConfig), 0o644))

	var stdout, stderr bytes.Buffer
	args = append([]string{"--config", configPath, "--data-dir", dir}, args...)
	err := Execute(t.Context(), strings.NewReader(stdin), &stdout, &stderr, args...)
	return stdout.String(), err
}

func TestAsk_EndToEnd(t *testing.T) {
	dir := t.TempDir()

	out, err := runCLI(t, dir, "", "ask", "Is the monitor in stock?")
	require.NoError(t, err)
	assert.Equal(t, "You said: Is the monitor in stock?\n", out)

	out, err = runCLI(t, dir, "", "history")
	require.NoError(t, err)
	assert.Contains(t, out, "CONVERSATION")
	assert.Contains(t, out, "stock")

	// The agent was created for the turn only.
	out, err = runCLI(t, dir, "", "agent", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "stock")
}

func TestAsk_StdinAndKeepAgent(t *testing.T) {
	dir := t.TempDir()

	out, err := runCLI(t, dir, "What is in stock?\n", "ask", "-", "--keep-agent", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"result": "You said: What is in stock?"`)
	assert.Contains(t, out, `"agent": "stock"`)

	out, err = runCLI(t, dir, "", "agent", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "stock")
	assert.Contains(t, out, "v1")
}

func TestAsk_ConnectedAgentsAreReleased(t *testing.T) {
	dir := t.TempDir()
	triage := fakeLabConfig + `
  triage_agent:
    model: gpt-4o
    instructions: Triage the ticket.
    toolsets:
      - type: agent
        agent: stock
`

	out, err := runCLIWithConfig(t, dir, triage, "", "ask", "--agent", "triage_agent", "--keep-agent", "Laptop is broken")
	require.NoError(t, err)
	assert.Equal(t, "You said: Laptop is broken\n", out)

	out, err = runCLIWithConfig(t, dir, triage, "", "agent", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "triage_agent")
	assert.NotContains(t, out, "stock")
}

func TestBatch_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	batchFile := filepath.Join(dir, "tasks.yaml")
	require.NoError(t, os.WriteFile(batchFile, []byte(`
- first question
- agent: stock
  message: second question
`), 0o644))

	out, err := runCLI(t, dir, "", "batch", batchFile, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, "You said: first question")
	assert.Contains(t, out, "You said: second question")
}

func TestBatch_SequentialStats(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "agentlab.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(fakeLabConfig), 0o644))
	batchFile := filepath.Join(dir, "tasks.yaml")
	require.NoError(t, os.WriteFile(batchFile, []byte("- first question\n- agent: stock\n  message: second question\n"), 0o644))

	var stdout, stderr bytes.Buffer
	err := Execute(t.Context(), strings.NewReader(""), &stdout, &stderr,
		"--config", configPath, "--data-dir", dir, "batch", batchFile, "--sequential", "--stats")
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), "You said: first question")
	assert.Contains(t, stdout.String(), "You said: second question")

	// Both turns ran on one conversation.
	lines := strings.Split(strings.TrimSpace(stderr.String()), "\n")
	var table []string
	for _, line := range lines {
		if strings.HasPrefix(line, "CONVERSATION") || strings.Contains(line, "stock@") {
			table = append(table, line)
		}
	}
	require.Len(t, table, 2)
	assert.Regexp(t, `stock@v1\s+2\s+0\s+0\s+`, table[1])
}

func TestRunSequence_MarksTurnsAfterFailure(t *testing.T) {
	t.Parallel()

	p := fake.New(fake.WithScripts(
		fake.Script{{Status: platform.RunCompleted, Text: "one"}},
		fake.Script{{Status: platform.RunFailed, Error: &platform.RunError{Message: "boom"}}},
	))
	o := runtime.New(p)
	convID, err := p.CreateConversation(t.Context())
	require.NoError(t, err)

	reqs := []runtime.TurnRequest{
		{ConversationID: convID, UserText: "a", Timeout: time.Minute},
		{ConversationID: convID, UserText: "b", Timeout: time.Minute},
		{ConversationID: convID, UserText: "c", Timeout: time.Minute},
	}
	results := runSequence(t.Context(), o, reqs)
	require.Len(t, results, 3)
	require.NoError(t, results[0].Err)
	assert.Equal(t, "one", results[0].Result.Text)
	require.ErrorIs(t, results[1].Err, runtime.ErrRunFailed)
	require.ErrorIs(t, results[2].Err, errNotRun)
	assert.Equal(t, "c", results[2].Request.UserText)
}

func TestChat_Stats(t *testing.T) {
	out, err := runCLI(t, t.TempDir(), "hello\n/stats\n/exit\n", "chat")
	require.NoError(t, err)
	assert.Contains(t, out, "You said: hello")
	assert.Regexp(t, `CONVERSATION\s+AGENT\s+TURNS`, out)
	assert.Regexp(t, `stock@v1\s+1\s+0\s+0\s+`, out)
}

func TestExecute_UnknownAgent(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), "", "ask", "--agent", "nope", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, t.TempDir(), "", "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "agentlab version "))
}

func TestParseEnvVars(t *testing.T) {
	t.Parallel()

	env, err := parseEnvVars([]string{"A=1", " B =two=2", "A=3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "3", "B": "two=2"}, env)

	env, err = parseEnvVars(nil)
	require.NoError(t, err)
	assert.Nil(t, env)

	_, err = parseEnvVars([]string{"NOVALUE"})
	require.Error(t, err)
	_, err = parseEnvVars([]string{"=x"})
	require.Error(t, err)
}

func TestShouldHideOutput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		hide     string
		expected bool
	}{
		{"", false},
		{"all", true},
		{"inventory", true},
		{"office, check_inventory", true},
		{"office,support", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, shouldHideOutput("check_inventory", "inventory", tt.hide), tt.hide)
	}
}

func TestFormatToolCallArguments(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "()", formatToolCallArguments(nil))
	assert.Equal(t, "()", formatToolCallArguments("  "))
	assert.Equal(t, "(not json)", formatToolCallArguments("not json"))
	assert.Equal(t, `(product_id: "MONITOR-LG-27")`, formatToolCallArguments(`{"product_id":"MONITOR-LG-27"}`))
	assert.Equal(t, "(\n  a: 1\n  b: true\n)", formatToolCallArguments(map[string]any{"b": true, "a": 1}))
}

func TestFormatToolCallResponse(t *testing.T) {
	t.Parallel()

	assert.Equal(t, " → ()", formatToolCallResponse(""))
	assert.Equal(t, ` → (status: "ok")`, formatToolCallResponse(`{"status":"ok"}`))
	assert.Equal(t, ` → "plain text"`, formatToolCallResponse("plain text"))
	assert.Equal(t, " → (\na\n\nb\nc\n)", formatToolCallResponse("a\n\n\nb\nc"))
}

func TestReadMessage(t *testing.T) {
	t.Parallel()

	text, err := readMessage(strings.NewReader(""), []string{"hello", "there"})
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)

	text, err = readMessage(strings.NewReader("  from stdin\n"), []string{"-"})
	require.NoError(t, err)
	assert.Equal(t, "from stdin", text)

	_, err = readMessage(strings.NewReader("\n"), []string{"-"})
	require.Error(t, err)
}

func TestReadBatchFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	path := filepath.Join(dir, "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- plain\n- agent: helpdesk\n  message: with agent\n"), 0o644))
	tasks, err := readBatchFile(path)
	require.NoError(t, err)
	assert.Equal(t, []batchTask{{Message: "plain"}, {Agent: "helpdesk", Message: "with agent"}}, tasks)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("[]\n"), 0o644))
	_, err = readBatchFile(empty)
	require.Error(t, err)

	blank := filepath.Join(dir, "blank.yaml")
	require.NoError(t, os.WriteFile(blank, []byte("- agent: helpdesk\n"), 0o644))
	_, err = readBatchFile(blank)
	require.Error(t, err)
}

func TestFirstLine(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "one", firstLine("one"))
	assert.Equal(t, "one …", firstLine("\none\ntwo"))
	assert.Empty(t, firstLine(""))
}
