// Package teamloader turns an agent from a configuration file into a
// platform definition and the local tools that serve its function calls.
package teamloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/docker/agentlab/pkg/agents"
	"github.com/docker/agentlab/pkg/config"
	"github.com/docker/agentlab/pkg/config/latest"
	"github.com/docker/agentlab/pkg/platform"
	"github.com/docker/agentlab/pkg/tools"
	"github.com/docker/agentlab/pkg/tools/agenttool"
	"github.com/docker/agentlab/pkg/tools/builtin"
	"github.com/docker/agentlab/pkg/tools/mcp"
)

// Agent is a configured agent with its tools started.
type Agent struct {
	Name       string
	Config     latest.AgentConfig
	Definition platform.AgentDefinition
	Tools      *tools.Registry
	Timeout    time.Duration
}

// Close stops the agent's toolsets.
func (a *Agent) Close(ctx context.Context) error {
	return a.Tools.Close(ctx)
}

type loadOptions struct {
	builtin      builtin.Options
	registryOpts []tools.RegistryOption
	connector    *agenttool.Connector
}

type Opt func(*loadOptions)

// WithBuiltinOptions overrides the data behind the builtin toolsets.
func WithBuiltinOptions(opts builtin.Options) Opt {
	return func(o *loadOptions) {
		o.builtin = opts
	}
}

// WithAgentConnector enables toolsets of type agent.
func WithAgentConnector(c *agenttool.Connector) Opt {
	return func(o *loadOptions) {
		o.connector = c
	}
}

func WithRegistryOptions(opts ...tools.RegistryOption) Opt {
	return func(o *loadOptions) {
		o.registryOpts = append(o.registryOpts, opts...)
	}
}

// Load builds the agent called agentName. An empty name selects the only
// agent of the file. Relative ticket files resolve against the data
// directory, relative MCP working directories against runConfig.WorkingDir.
// Toolsets of type agent only run with WithAgentConnector.
func Load(ctx context.Context, cfg *latest.Config, agentName string, runConfig *config.RuntimeConfig, opts ...Opt) (*Agent, error) {
	name, agentCfg, err := config.Agent(cfg, agentName)
	if err != nil {
		return nil, err
	}

	var lo loadOptions
	for _, opt := range opts {
		opt(&lo)
	}
	if runConfig == nil {
		runConfig = &config.RuntimeConfig{}
	}
	dataDir := runConfig.ResolveDataDir(cfg.DataDir)

	registry := tools.NewRegistry(lo.registryOpts...)
	instructions := []string{agentCfg.Instructions}
	for i, toolset := range agentCfg.Toolsets {
		ts, err := createToolset(cfg, toolset, runConfig, dataDir, &lo)
		if err != nil {
			_ = registry.Close(ctx)
			return nil, fmt.Errorf("agent %s: toolset %d: %w", name, i, err)
		}
		if err := registry.AddToolSet(ctx, ts); err != nil {
			_ = registry.Close(ctx)
			return nil, fmt.Errorf("agent %s: toolset %d: %w", name, i, err)
		}
		if withInstructions, ok := ts.(interface{ Instructions() string }); ok {
			instructions = append(instructions, withInstructions.Instructions())
		}
	}

	functions, err := registry.FunctionDefinitions()
	if err != nil {
		_ = registry.Close(ctx)
		return nil, fmt.Errorf("agent %s: %w", name, err)
	}

	slog.Debug("Loaded agent", "agent", name, "tools", registry.Len())

	return &Agent{
		Name:   name,
		Config: agentCfg,
		Definition: platform.AgentDefinition{
			ID:              agentCfg.ID,
			Name:            name,
			Version:         agentCfg.Version,
			Model:           agentCfg.Model,
			Instructions:    joinInstructions(instructions),
			Functions:       functions,
			CodeInterpreter: agentCfg.CodeInterpreter,
			FileSearch:      agentCfg.FileSearch,
		},
		Tools:   registry,
		Timeout: config.AgentTimeout(cfg, agentCfg),
	}, nil
}

func createToolset(cfg *latest.Config, toolset latest.Toolset, runConfig *config.RuntimeConfig, dataDir string, lo *loadOptions) (tools.ToolSet, error) {
	switch toolset.Type {
	case "builtin":
		opts := lo.builtin
		if toolset.TicketFile != "" {
			path := toolset.TicketFile
			if !filepath.IsAbs(path) {
				path = filepath.Join(dataDir, path)
			}
			opts.Tickets = builtin.NewFileTicketStore(path)
		}
		return builtin.NewToolset(toolset.Builtin, opts)

	case "mcp":
		if toolset.Remote.URL != "" {
			return mcp.NewRemoteToolset(toolset.Name, toolset.Remote.URL, toolset.Remote.Headers), nil
		}

		cwd := toolset.WorkingDir
		if cwd != "" && !filepath.IsAbs(cwd) && runConfig.WorkingDir != "" {
			cwd = filepath.Join(runConfig.WorkingDir, cwd)
		}
		return mcp.NewToolsetCommand(toolset.Name, toolset.Command, toolset.Args, envList(toolset.Env), cwd), nil

	case "agent":
		description := cfg.Agents[toolset.Agent].Description
		if lo.connector == nil {
			return agenttool.Detached(toolset.Agent, description), nil
		}
		return lo.connector.Toolset(toolset.Agent, description), nil

	default:
		return nil, fmt.Errorf("unknown toolset type %q", toolset.Type)
	}
}

func joinInstructions(parts []string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		list = append(list, k+"="+env[k])
	}
	return list
}

// Deploy returns the reference runs should target. Agents configured with
// an id are used as is; the others are created through m, which assigns
// the next version.
func Deploy(ctx context.Context, a *Agent, m *agents.Manager) (platform.AgentRef, error) {
	if a.Definition.ID != "" {
		return a.Definition.Ref(), nil
	}
	if m == nil {
		return platform.AgentRef{}, errors.New("an agent manager is required to create agents")
	}

	record, err := m.Create(ctx, a.Definition)
	if err != nil {
		return platform.AgentRef{}, err
	}
	a.Definition.ID = record.ID
	a.Definition.Version = record.Version
	return a.Definition.Ref(), nil
}
