// Package latest holds the current configuration file format.
package latest

import "time"

const Version = "1"

// Config is the top-level configuration file.
type Config struct {
	Version  string                 `json:"version,omitempty" yaml:"version,omitempty"`
	Platform PlatformConfig         `json:"platform" yaml:"platform"`
	Runtime  RuntimeConfig          `json:"runtime,omitempty" yaml:"runtime,omitempty"`
	Agents   map[string]AgentConfig `json:"agents" yaml:"agents"`
	Server   ServerConfig           `json:"server,omitempty" yaml:"server,omitempty"`
	// DataDir holds the session database, the agent state file and tickets.
	DataDir string `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`
}

// PlatformConfig selects and authenticates the remote agent platform.
type PlatformConfig struct {
	// Kind is "openai" (any Assistants-compatible endpoint) or "fake", an
	// in-process platform that echoes the user, for offline demos.
	Kind           string        `json:"kind,omitempty" yaml:"kind,omitempty"`
	BaseURL        string        `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Auth           string        `json:"auth,omitempty" yaml:"auth,omitempty"`
	APIKey         string        `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	APIVersion     string        `json:"api_version,omitempty" yaml:"api_version,omitempty"`
	OAuth2         *OAuth2Config `json:"oauth2,omitempty" yaml:"oauth2,omitempty"`
	RequestTimeout time.Duration `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`
}

// OAuth2Config holds client-credentials settings.
type OAuth2Config struct {
	TokenURL     string   `json:"token_url" yaml:"token_url"`
	ClientID     string   `json:"client_id" yaml:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

// RuntimeConfig tunes turn execution.
type RuntimeConfig struct {
	PollInterval time.Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry        RetryConfig   `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// RetryConfig is the caller-level retry policy around whole turns.
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Backoff      string        `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	InitialDelay time.Duration `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
	MaxDelay     time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

// AgentConfig is one agent definition.
type AgentConfig struct {
	Model           string    `json:"model" yaml:"model"`
	Description     string    `json:"description,omitempty" yaml:"description,omitempty"`
	Instructions    string    `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Version         string    `json:"version,omitempty" yaml:"version,omitempty"`
	Toolsets        []Toolset `json:"toolsets,omitempty" yaml:"toolsets,omitempty"`
	CodeInterpreter bool      `json:"code_interpreter,omitempty" yaml:"code_interpreter,omitempty"`
	FileSearch      bool      `json:"file_search,omitempty" yaml:"file_search,omitempty"`
	// ID references an agent that already exists on the platform. When set,
	// the agent is used as is instead of being created.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`
	// Timeout overrides runtime.timeout for this agent.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Toolset is a group of local tools an agent can call.
type Toolset struct {
	// Type is "builtin", "mcp" or "agent".
	Type string `json:"type" yaml:"type"`

	// Agent names another agent of the file that is called as a tool.
	Agent string `json:"agent,omitempty" yaml:"agent,omitempty"`

	// Builtin names a builtin toolset: inventory, office or support.
	Builtin string `json:"builtin,omitempty" yaml:"builtin,omitempty"`
	// TicketFile persists support tickets. Only for the support toolset.
	TicketFile string `json:"ticket_file,omitempty" yaml:"ticket_file,omitempty"`

	// Name prefixes the tools of an MCP server.
	Name       string            `json:"name,omitempty" yaml:"name,omitempty"`
	Command    string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args       []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	Remote     Remote            `json:"remote,omitempty" yaml:"remote,omitempty"`
}

// Remote is a streamable HTTP MCP server.
type Remote struct {
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// ServerConfig holds listen addresses, host:port or unix:///path.
type ServerConfig struct {
	Listen     string `json:"listen,omitempty" yaml:"listen,omitempty"`
	ToolServer string `json:"tool_server,omitempty" yaml:"tool_server,omitempty"`
	MCPServer  string `json:"mcp_server,omitempty" yaml:"mcp_server,omitempty"`
}
