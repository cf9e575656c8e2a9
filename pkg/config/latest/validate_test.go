package latest

import (
	"testing"

	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/require"
)

func TestToolset_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name: "builtin inventory",
			config: `
agents:
  root:
    model: gpt-4o
    toolsets:
      - type: builtin
        builtin: inventory
`,
		},
		{
			name: "unknown builtin",
			config: `
agents:
  root:
    model: gpt-4o
    toolsets:
      - type: builtin
        builtin: payroll
`,
			wantErr: `unknown builtin toolset "payroll"`,
		},
		{
			name: "ticket file on support",
			config: `
agents:
  root:
    model: gpt-4o
    toolsets:
      - type: builtin
        builtin: support
        ticket_file: tickets.json
`,
		},
		{
			name: "ticket file on inventory",
			config: `
agents:
  root:
    model: gpt-4o
    toolsets:
      - type: builtin
        builtin: inventory
        ticket_file: tickets.json
`,
			wantErr: "ticket_file can only be used with the builtin support toolset",
		},
		{
			name: "mcp command",
			config: `
agents:
  root:
    model: gpt-4o
    toolsets:
      - type: mcp
        name: calc
        command: npx
        args: ["-y", "calculator-mcp"]
        env:
          LOG_LEVEL: debug
`,
		},
		{
			name: "mcp remote",
			config: `
agents:
  root:
    model: gpt-4o
    toolsets:
      - type: mcp
        remote:
          url: https://learn.microsoft.com/api/mcp
          headers:
            X-Api-Key: secret
`,
		},
		{
			name: "mcp without command or remote",
			config: `
agents:
  root:
    model: gpt-4o
    toolsets:
      - type: mcp
        name: calc
`,
			wantErr: "either command or remote must be set",
		},
		{
			name: "mcp with command and remote",
			config: `
agents:
  root:
    model: gpt-4o
    toolsets:
      - type: mcp
        command: calc-mcp
        remote:
          url: http://localhost:8000/mcp
`,
			wantErr: "but only one of those",
		},
		{
			name: "command on builtin",
			config: `
agents:
  root:
    model: gpt-4o
    toolsets:
      - type: builtin
        builtin: office
        command: office-mcp
`,
			wantErr: "command can only be used with type 'mcp'",
		},
		{
			name: "missing type",
			config: `
agents:
  root:
    model: gpt-4o
    toolsets:
      - builtin: office
`,
			wantErr: "builtin can only be used with type 'builtin'",
		},
		{
			name: "connected agent",
			config: `
agents:
  triage_agent:
    model: gpt-4o
    toolsets:
      - type: agent
        agent: priority_agent
  priority_agent:
    model: gpt-4o
    description: Assess the priority of a ticket
`,
		},
		{
			name: "connected agent without name",
			config: `
agents:
  root:
    model: gpt-4o
    toolsets:
      - type: agent
`,
			wantErr: "agent is required",
		},
		{
			name: "agent on builtin",
			config: `
agents:
  root:
    model: gpt-4o
    toolsets:
      - type: builtin
        builtin: office
        agent: root
`,
			wantErr: "agent can only be used with type 'agent'",
		},
		{
			name: "unknown connected agent",
			config: `
agents:
  root:
    model: gpt-4o
    toolsets:
      - type: agent
        agent: team_agent
`,
			wantErr: `unknown agent "team_agent"`,
		},
		{
			name: "connected agent name is not a tool name",
			config: `
agents:
  root:
    model: gpt-4o
    toolsets:
      - type: agent
        agent: effort agent
  effort agent:
    model: gpt-4o
`,
			wantErr: "cannot be used as a tool name",
		},
		{
			name: "agents calling each other",
			config: `
agents:
  a:
    model: gpt-4o
    toolsets:
      - type: agent
        agent: b
  b:
    model: gpt-4o
    toolsets:
      - type: agent
        agent: a
`,
			wantErr: "cycle: a -> b -> a",
		},
		{
			name: "agent calling itself",
			config: `
agents:
  a:
    model: gpt-4o
    toolsets:
      - type: agent
        agent: a
`,
			wantErr: "cycle: a -> a",
		},
		{
			name: "unknown type",
			config: `
agents:
  root:
    model: gpt-4o
    toolsets:
      - type: a2a
`,
			wantErr: `unknown toolset type "a2a"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var cfg Config
			err := yaml.Unmarshal([]byte(tt.config), &cfg)

			if tt.wantErr != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name: "complete",
			config: `
version: "1"
platform:
  auth: azure
  base_url: https://lab.openai.azure.com/openai
  api_version: 2024-05-01-preview
runtime:
  poll_interval: 500ms
  timeout: 2m
  retry:
    max_attempts: 5
    backoff: exponential
    initial_delay: 1s
    max_delay: 10s
agents:
  writer:
    model: gpt-4o
`,
		},
		{
			name:    "unsupported version",
			config:  `version: "7"`,
			wantErr: `unsupported config version "7"`,
		},
		{
			name: "agent without model",
			config: `
agents:
  writer:
    instructions: Write things.
`,
			wantErr: `agent "writer": model is required`,
		},
		{
			name: "existing agent by id",
			config: `
agents:
  writer:
    id: asst_123
`,
		},
		{
			name: "version with spaces",
			config: `
agents:
  writer:
    model: gpt-4o
    version: release one
`,
			wantErr: "version cannot contain whitespace",
		},
		{
			name: "unknown platform",
			config: `
platform:
  kind: bedrock
`,
			wantErr: `unknown platform kind "bedrock"`,
		},
		{
			name: "azure without base url",
			config: `
platform:
  auth: azure
`,
			wantErr: "azure auth requires platform.base_url",
		},
		{
			name: "oauth2 incomplete",
			config: `
platform:
  auth: oauth2
  oauth2:
    client_id: lab
`,
			wantErr: "oauth2 auth requires",
		},
		{
			name: "oauth2 block without oauth2 auth",
			config: `
platform:
  oauth2:
    token_url: https://login.example.com/token
    client_id: lab
`,
			wantErr: "oauth2 can only be used with auth 'oauth2'",
		},
		{
			name: "bad backoff",
			config: `
runtime:
  retry:
    backoff: random
`,
			wantErr: `unknown retry backoff "random"`,
		},
		{
			name: "initial delay above max",
			config: `
runtime:
  retry:
    initial_delay: 1m
    max_delay: 10s
`,
			wantErr: "initial_delay cannot exceed max_delay",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var cfg Config
			err := yaml.Unmarshal([]byte(tt.config), &cfg)

			if tt.wantErr != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
