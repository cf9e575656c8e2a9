package latest

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/docker/agentlab/pkg/tools/builtin"
)

func (t *Config) UnmarshalYAML(unmarshal func(any) error) error {
	type alias Config
	var tmp alias
	if err := unmarshal(&tmp); err != nil {
		return err
	}
	*t = Config(tmp)
	return t.validate()
}

func (t *Config) validate() error {
	if t.Version != "" && t.Version != Version {
		return fmt.Errorf("unsupported config version %q", t.Version)
	}

	if err := t.Platform.validate(); err != nil {
		return err
	}
	if err := t.Runtime.Retry.validate(); err != nil {
		return err
	}

	for agentName, agent := range t.Agents {
		if agentName == "" {
			return errors.New("agent name cannot be empty")
		}
		if agent.Model == "" && agent.ID == "" {
			return fmt.Errorf("agent %q: model is required", agentName)
		}
		if agent.Version != "" && strings.ContainsAny(agent.Version, " \t\r\n") {
			return fmt.Errorf("agent %q: version cannot contain whitespace", agentName)
		}
		for j := range agent.Toolsets {
			if err := agent.Toolsets[j].validate(); err != nil {
				return fmt.Errorf("agent %q: toolset %d: %w", agentName, j, err)
			}
		}
	}

	return t.validateConnectedAgents()
}

// toolNamePattern is what platforms accept as a function name.
var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// validateConnectedAgents checks that agent toolsets name agents of the file
// and that no agent ends up calling itself.
func (t *Config) validateConnectedAgents() error {
	for _, agentName := range slices.Sorted(maps.Keys(t.Agents)) {
		for j, toolset := range t.Agents[agentName].Toolsets {
			if toolset.Type != "agent" {
				continue
			}
			if _, ok := t.Agents[toolset.Agent]; !ok {
				return fmt.Errorf("agent %q: toolset %d: unknown agent %q", agentName, j, toolset.Agent)
			}
			if !toolNamePattern.MatchString(toolset.Agent) {
				return fmt.Errorf("agent %q: toolset %d: agent name %q cannot be used as a tool name", agentName, j, toolset.Agent)
			}
		}
	}

	const (
		visiting = iota + 1
		done
	)
	state := make(map[string]int, len(t.Agents))
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("agents call each other in a cycle: %s", strings.Join(append(path, name), " -> "))
		case done:
			return nil
		}
		state[name] = visiting
		for _, toolset := range t.Agents[name].Toolsets {
			if toolset.Type != "agent" {
				continue
			}
			if err := visit(toolset.Agent, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}
	for _, name := range slices.Sorted(maps.Keys(t.Agents)) {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}

func (p *PlatformConfig) validate() error {
	switch p.Kind {
	case "", "openai", "fake":
	default:
		return fmt.Errorf("unknown platform kind %q, must be one of: openai, fake", p.Kind)
	}

	switch p.Auth {
	case "", "api_key":
	case "azure":
		if p.BaseURL == "" {
			return errors.New("azure auth requires platform.base_url")
		}
	case "oauth2":
		if p.OAuth2 == nil || p.OAuth2.TokenURL == "" || p.OAuth2.ClientID == "" {
			return errors.New("oauth2 auth requires platform.oauth2.token_url and client_id")
		}
	default:
		return fmt.Errorf("unknown auth %q, must be one of: api_key, azure, oauth2", p.Auth)
	}
	if p.OAuth2 != nil && p.Auth != "oauth2" {
		return errors.New("oauth2 can only be used with auth 'oauth2'")
	}
	if p.APIVersion != "" && p.Auth != "azure" {
		return errors.New("api_version can only be used with auth 'azure'")
	}
	return nil
}

func (r *RetryConfig) validate() error {
	switch r.Backoff {
	case "", "fixed", "exponential":
	default:
		return fmt.Errorf("unknown retry backoff %q, must be one of: fixed, exponential", r.Backoff)
	}
	if r.MaxAttempts < 0 {
		return errors.New("retry max_attempts cannot be negative")
	}
	if r.MaxDelay > 0 && r.InitialDelay > r.MaxDelay {
		return errors.New("retry initial_delay cannot exceed max_delay")
	}
	return nil
}

func (t *Toolset) validate() error {
	// Attributes used on the wrong toolset type.
	if t.Builtin != "" && t.Type != "builtin" {
		return errors.New("builtin can only be used with type 'builtin'")
	}
	if t.TicketFile != "" && (t.Type != "builtin" || t.Builtin != builtin.ToolsetSupport) {
		return errors.New("ticket_file can only be used with the builtin support toolset")
	}
	if t.Command != "" && t.Type != "mcp" {
		return errors.New("command can only be used with type 'mcp'")
	}
	if len(t.Args) > 0 && t.Type != "mcp" {
		return errors.New("args can only be used with type 'mcp'")
	}
	if len(t.Env) > 0 && t.Type != "mcp" {
		return errors.New("env can only be used with type 'mcp'")
	}
	if t.WorkingDir != "" && t.Type != "mcp" {
		return errors.New("working_dir can only be used with type 'mcp'")
	}
	if (t.Remote.URL != "" || len(t.Remote.Headers) > 0) && t.Type != "mcp" {
		return errors.New("remote can only be used with type 'mcp'")
	}
	if t.Name != "" && t.Type != "mcp" {
		return errors.New("name can only be used with type 'mcp'")
	}
	if t.Agent != "" && t.Type != "agent" {
		return errors.New("agent can only be used with type 'agent'")
	}

	switch t.Type {
	case "builtin":
		if !slices.Contains(builtin.ToolsetNames(), t.Builtin) {
			return fmt.Errorf("unknown builtin toolset %q, must be one of: %s", t.Builtin, strings.Join(builtin.ToolsetNames(), ", "))
		}
	case "mcp":
		if t.Command == "" && t.Remote.URL == "" {
			return errors.New("either command or remote must be set")
		}
		if t.Command != "" && t.Remote.URL != "" {
			return errors.New("either command or remote must be set, but only one of those")
		}
		if t.WorkingDir != "" && t.Command == "" {
			return errors.New("working_dir can only be used with command")
		}
	case "agent":
		if t.Agent == "" {
			return errors.New("agent is required")
		}
	case "":
		return errors.New("toolset type is required")
	default:
		return fmt.Errorf("unknown toolset type %q, must be one of: builtin, mcp, agent", t.Type)
	}

	return nil
}
