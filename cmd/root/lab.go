package root

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/docker/agentlab/pkg/agents"
	"github.com/docker/agentlab/pkg/config"
	"github.com/docker/agentlab/pkg/config/latest"
	"github.com/docker/agentlab/pkg/platform"
	"github.com/docker/agentlab/pkg/platform/fake"
	"github.com/docker/agentlab/pkg/platform/openai"
	"github.com/docker/agentlab/pkg/retry"
	"github.com/docker/agentlab/pkg/runtime"
	"github.com/docker/agentlab/pkg/session"
	"github.com/docker/agentlab/pkg/teamloader"
	"github.com/docker/agentlab/pkg/tools"
	"github.com/docker/agentlab/pkg/tools/agenttool"
)

// remotePlatform is a platform that can also store agent definitions.
type remotePlatform interface {
	platform.Platform
	platform.AgentManager
}

// lab is what most commands need: the loaded configuration, the platform,
// the agent state and the transcript store.
type lab struct {
	cfg      *latest.Config
	dataDir  string
	platform remotePlatform
	agents   *agents.Manager
	store    *session.SQLiteStore
	policy   retry.Policy
}

func (f *rootFlags) loadConfig(ctx context.Context) (*latest.Config, error) {
	env, err := f.runConfig.EnvProvider()
	if err != nil {
		return nil, err
	}
	return config.Load(ctx, f.runConfig.ConfigPath, env)
}

func (f *rootFlags) openLab(ctx context.Context) (*lab, error) {
	cfg, err := f.loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	p, err := newPlatform(ctx, cfg.Platform)
	if err != nil {
		return nil, err
	}

	dataDir := f.runConfig.ResolveDataDir(cfg.DataDir)
	store, err := session.NewSQLiteStore(filepath.Join(dataDir, "sessions.db"))
	if err != nil {
		return nil, err
	}

	return &lab{
		cfg:      cfg,
		dataDir:  dataDir,
		platform: p,
		agents:   agents.NewManager(p, agents.DefaultStatePath(dataDir)),
		store:    store,
		policy:   config.RetryPolicy(cfg),
	}, nil
}

// withConfig returns a copy of l using cfg, after a configuration reload.
func (l *lab) withConfig(cfg *latest.Config) *lab {
	reloaded := *l
	reloaded.cfg = cfg
	reloaded.policy = config.RetryPolicy(cfg)
	return &reloaded
}

func (l *lab) Close() error {
	return l.store.Close()
}

func newPlatform(ctx context.Context, cfg latest.PlatformConfig) (remotePlatform, error) {
	switch cfg.Kind {
	case "fake":
		slog.Warn("Using the in-process fake platform, replies echo the user")
		return fake.New(fake.WithResponder(fake.Echo)), nil
	case "", "openai":
		oauth2 := openai.OAuth2Config{}
		if cfg.OAuth2 != nil {
			oauth2 = openai.OAuth2Config{
				TokenURL:     cfg.OAuth2.TokenURL,
				ClientID:     cfg.OAuth2.ClientID,
				ClientSecret: cfg.OAuth2.ClientSecret,
				Scopes:       cfg.OAuth2.Scopes,
			}
		}
		client, err := openai.NewClient(ctx, openai.Config{
			BaseURL:        cfg.BaseURL,
			Auth:           openai.AuthMode(cfg.Auth),
			APIKey:         cfg.APIKey,
			APIVersion:     cfg.APIVersion,
			OAuth2:         oauth2,
			RequestTimeout: cfg.RequestTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("creating platform client: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown platform kind %q", cfg.Kind)
	}
}

func (l *lab) orchestrator(opts ...runtime.Opt) *runtime.Orchestrator {
	return runtime.New(l.platform, append([]runtime.Opt{
		runtime.WithPollInterval(l.cfg.Runtime.PollInterval),
		runtime.WithDefaultTimeout(l.cfg.Runtime.Timeout),
	}, opts...)...)
}

// deployedAgent is a loaded agent with the reference runs target.
type deployedAgent struct {
	*teamloader.Agent
	Ref platform.AgentRef
	// created is set when the agent was created for this command only.
	created bool
}

// deploy loads agentName and finds it on the platform: configured ids are
// used as is, recorded agents are reused when reuse is set, anything else
// is created.
func (l *lab) deploy(ctx context.Context, agentName string, runConfig *config.RuntimeConfig, reuse bool) (*deployedAgent, error) {
	agent, err := teamloader.Load(ctx, l.cfg, agentName, runConfig,
		teamloader.WithRegistryOptions(tools.WithSchemaValidation()),
		teamloader.WithAgentConnector(l.connector(runConfig, reuse)),
	)
	if err != nil {
		return nil, err
	}

	if agent.Definition.ID == "" && reuse {
		record, err := l.agents.Get(agent.Name)
		switch {
		case err == nil:
			agent.Definition.ID = record.ID
			agent.Definition.Version = record.Version
			return &deployedAgent{Agent: agent, Ref: agent.Definition.Ref()}, nil
		case !errors.Is(err, agents.ErrNotFound):
			_ = agent.Close(ctx)
			return nil, err
		}
	}

	created := agent.Definition.ID == ""
	ref, err := teamloader.Deploy(ctx, agent, l.agents)
	if err != nil {
		_ = agent.Close(ctx)
		return nil, err
	}
	return &deployedAgent{Agent: agent, Ref: ref, created: created}, nil
}

// connector deploys the agents other agents call as tools. They are
// released when the calling agent's tools stop.
func (l *lab) connector(runConfig *config.RuntimeConfig, reuse bool) *agenttool.Connector {
	return agenttool.NewConnector(l.orchestrator(), func(ctx context.Context, name string) (*agenttool.Agent, error) {
		sub, err := l.deploy(ctx, name, runConfig, reuse)
		if err != nil {
			return nil, err
		}
		return &agenttool.Agent{
			Ref:     sub.Ref,
			Tools:   sub.Tools,
			Timeout: sub.Timeout,
			Release: func(ctx context.Context) {
				l.release(ctx, sub, false)
			},
		}, nil
	}, agenttool.WithRetryPolicy(l.policy))
}

// release stops the agent's tools and deletes it from the platform when it
// was created by this command and keep is false.
func (l *lab) release(ctx context.Context, agent *deployedAgent, keep bool) {
	ctx = context.WithoutCancel(ctx)
	if agent.created && !keep {
		if err := l.agents.Delete(ctx, agent.Name); err != nil {
			slog.Warn("Failed to delete agent", "agent", agent.Name, "error", err)
		}
	}
	if err := agent.Close(ctx); err != nil {
		slog.Warn("Failed to stop toolsets", "agent", agent.Name, "error", err)
	}
}

// record stores a turn, creating the conversation on first use.
func (l *lab) record(ctx context.Context, conversationID, agentName, userText string, res *runtime.TurnResult, turnErr error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := l.store.GetConversation(ctx, conversationID); errors.Is(err, session.ErrNotFound) {
		if err := l.store.AddConversation(ctx, &session.Conversation{ID: conversationID, Agent: agentName}); err != nil {
			slog.Warn("Failed to record conversation", "conversation", conversationID, "error", err)
			return
		}
	}
	if err := l.store.AddTurn(ctx, session.NewTurn(conversationID, userText, res, turnErr)); err != nil {
		slog.Warn("Failed to record turn", "conversation", conversationID, "error", err)
	}
}
