// Package config loads agentlab configuration files.
package config

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/docker/agentlab/pkg/config/latest"
	"github.com/docker/agentlab/pkg/environment"
	"github.com/docker/agentlab/pkg/retry"
	"github.com/docker/agentlab/pkg/runtime"
)

const (
	DefaultListen     = "127.0.0.1:8080"
	DefaultToolServer = "127.0.0.1:8081"
	DefaultMCPServer  = "127.0.0.1:8082"
)

// ErrNoAgents is returned when an agent is requested from a file that
// defines none.
var ErrNoAgents = errors.New("no agents defined")

// Load reads, expands and validates the configuration at path.
func Load(ctx context.Context, path string, env environment.Provider) (*latest.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(ctx, data, env)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if cfg.DataDir != "" && !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(filepath.Dir(path), cfg.DataDir)
	}
	return cfg, nil
}

// Parse expands ${NAME} references with env, decodes the YAML and applies
// defaults.
func Parse(ctx context.Context, data []byte, env environment.Provider) (*latest.Config, error) {
	expanded, err := expandEnv(ctx, string(data), env)
	if err != nil {
		return nil, err
	}

	var cfg latest.Config
	if err := yaml.UnmarshalWithOptions([]byte(expanded), &cfg, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// envRef matches ${NAME} and ${NAME:-default}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnv replaces every ${NAME} with its value. All missing variables are
// reported at once.
func expandEnv(ctx context.Context, s string, env environment.Provider) (string, error) {
	var missing []string
	out := envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		name, hasDefault := m[1], strings.Contains(ref, ":-")
		if env != nil {
			if val, ok := env.Get(ctx, name); ok {
				return val
			}
		}
		if hasDefault {
			return m[2]
		}
		if !slices.Contains(missing, name) {
			missing = append(missing, name)
		}
		return ""
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func applyDefaults(cfg *latest.Config) {
	cfg.Version = cmp.Or(cfg.Version, latest.Version)
	cfg.Platform.Kind = cmp.Or(cfg.Platform.Kind, "openai")
	cfg.Platform.Auth = cmp.Or(cfg.Platform.Auth, "api_key")

	cfg.Runtime.PollInterval = cmp.Or(cfg.Runtime.PollInterval, runtime.DefaultPollInterval)
	cfg.Runtime.Timeout = cmp.Or(cfg.Runtime.Timeout, runtime.DefaultTimeout)

	r := &cfg.Runtime.Retry
	r.MaxAttempts = cmp.Or(r.MaxAttempts, retry.DefaultMaxAttempts)
	r.Backoff = cmp.Or(r.Backoff, string(retry.BackoffFixed))
	r.InitialDelay = cmp.Or(r.InitialDelay, retry.DefaultInitialDelay)
	r.MaxDelay = cmp.Or(r.MaxDelay, retry.DefaultMaxDelay)

	cfg.Server.Listen = cmp.Or(cfg.Server.Listen, DefaultListen)
	cfg.Server.ToolServer = cmp.Or(cfg.Server.ToolServer, DefaultToolServer)
	cfg.Server.MCPServer = cmp.Or(cfg.Server.MCPServer, DefaultMCPServer)

	if cfg.Agents == nil {
		cfg.Agents = map[string]latest.AgentConfig{}
	}
}

// RetryPolicy converts the configured retry settings.
func RetryPolicy(cfg *latest.Config) retry.Policy {
	r := cfg.Runtime.Retry
	return retry.Policy{
		MaxAttempts:  r.MaxAttempts,
		Backoff:      retry.Backoff(r.Backoff),
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
	}
}

// AgentNames returns the configured agent names, sorted.
func AgentNames(cfg *latest.Config) []string {
	return slices.Sorted(maps.Keys(cfg.Agents))
}

// Agent returns the agent called name. An empty name selects the only agent
// of a single-agent file.
func Agent(cfg *latest.Config, name string) (string, latest.AgentConfig, error) {
	if name == "" {
		switch len(cfg.Agents) {
		case 0:
			return "", latest.AgentConfig{}, ErrNoAgents
		case 1:
			name = AgentNames(cfg)[0]
		default:
			return "", latest.AgentConfig{}, fmt.Errorf("several agents defined, pick one of: %s", strings.Join(AgentNames(cfg), ", "))
		}
	}

	agent, ok := cfg.Agents[name]
	if !ok {
		return "", latest.AgentConfig{}, fmt.Errorf("agent %q not found, available: %s", name, strings.Join(AgentNames(cfg), ", "))
	}
	return name, agent, nil
}

// AgentTimeout returns the turn timeout of an agent.
func AgentTimeout(cfg *latest.Config, agent latest.AgentConfig) time.Duration {
	return cmp.Or(agent.Timeout, cfg.Runtime.Timeout)
}
