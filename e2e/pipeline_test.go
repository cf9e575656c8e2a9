package e2e_test

import (
	"bytes"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docker/agentlab/cmd/root"
	"github.com/docker/agentlab/pkg/platform"
	"github.com/docker/agentlab/pkg/platform/fake"
	"github.com/docker/agentlab/pkg/runtime"
	"github.com/docker/agentlab/pkg/server"
	"github.com/docker/agentlab/pkg/tools/builtin"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

// startAgentService serves an agent backed by a fake platform that echoes
// its input.
func startAgentService(t *testing.T, name string) string {
	t.Helper()

	registry, err := builtin.NewRegistry(t.Context(), builtin.Options{})
	require.NoError(t, err)

	o := runtime.New(fake.New(fake.WithResponder(fake.Echo)), runtime.WithPollInterval(time.Millisecond))
	s := server.New(o, server.Agent{
		Name:  name,
		Ref:   platform.AgentRef{ID: "asst_" + name, Name: name, Version: "v1"},
		Tools: registry,
	})

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestPipeline_ResearchThenWrite(t *testing.T) {
	research := startAgentService(t, "researcher")
	writer := startAgentService(t, "writer")

	var stdout, stderr bytes.Buffer
	err := root.Execute(t.Context(), strings.NewReader(""), &stdout, &stderr,
		"--data-dir", t.TempDir(),
		"pipeline", "Remote work", "--research", research, "--writer", writer)
	require.NoError(t, err, stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "research service: agent researcher")
	assert.Contains(t, out, "writer service: agent writer")
	assert.Contains(t, out, "Research\nYou said: Remote work\n")
	// The writer receives the research findings.
	assert.Contains(t, out, "Article\nYou said: Write a short article about \"Remote work\" based on these research findings:\n\nYou said: Remote work")
}

func TestPipeline_ServiceDown(t *testing.T) {
	research := startAgentService(t, "researcher")

	down := httptest.NewServer(nil)
	down.Close()

	var stdout, stderr bytes.Buffer
	err := root.Execute(t.Context(), strings.NewReader(""), &stdout, &stderr,
		"pipeline", "Remote work", "--research", research, "--writer", down.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "writer service is not available")
}

func TestAgentService_InvokeRecordsTranscript(t *testing.T) {
	url := startAgentService(t, "helpdesk")
	client := server.NewClient(url)

	resp, err := client.Invoke(t.Context(), "VPN is down")
	require.NoError(t, err)
	assert.Equal(t, server.StatusSuccess, resp.Status)
	assert.Equal(t, "helpdesk", resp.Agent)
	assert.Equal(t, "You said: VPN is down", resp.Result)
	assert.NotEmpty(t, resp.ConversationID)
}
