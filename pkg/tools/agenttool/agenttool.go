// Package agenttool lets an agent call other agents as tools. Every call
// runs one turn of the connected agent in a new conversation and returns
// its reply.
package agenttool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/agentlab/pkg/platform"
	"github.com/docker/agentlab/pkg/retry"
	"github.com/docker/agentlab/pkg/runtime"
	"github.com/docker/agentlab/pkg/tools"
)

// Agent is a connected agent ready to run turns.
type Agent struct {
	Ref     platform.AgentRef
	Tools   runtime.ToolRegistry
	Timeout time.Duration
	// Release is called when the toolset stops.
	Release func(ctx context.Context)
}

// ConnectFunc deploys the agent called name.
type ConnectFunc func(ctx context.Context, name string) (*Agent, error)

// Connector builds toolsets that share an orchestrator and a retry policy.
type Connector struct {
	orchestrator *runtime.Orchestrator
	connect      ConnectFunc
	policy       retry.Policy
}

type Opt func(*Connector)

// WithRetryPolicy retries the connected agent's turns. The default is a
// single attempt.
func WithRetryPolicy(p retry.Policy) Opt {
	return func(c *Connector) {
		c.policy = p
	}
}

func NewConnector(o *runtime.Orchestrator, connect ConnectFunc, opts ...Opt) *Connector {
	c := &Connector{
		orchestrator: o,
		connect:      connect,
		policy:       retry.Policy{MaxAttempts: 1},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Toolset returns a toolset with one tool, named after the agent, that
// forwards a message to it.
func (c *Connector) Toolset(name, description string) *Toolset {
	return &Toolset{
		connector:   c,
		name:        name,
		description: description,
	}
}

// Detached returns a toolset that describes the tool without connecting the
// agent, for callers that only need function definitions. Its calls fail.
func Detached(name, description string) *Toolset {
	return &Toolset{name: name, description: description}
}

// Toolset connects its agent on Start and releases it on Stop.
type Toolset struct {
	connector   *Connector
	name        string
	description string

	mu    sync.Mutex
	agent *Agent
}

var (
	_ tools.ToolSet   = (*Toolset)(nil)
	_ tools.Startable = (*Toolset)(nil)
)

type AskArgs struct {
	Message string `json:"message" jsonschema:"The request for the agent, with all the context it needs to answer"`
}

func (t *Toolset) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connector == nil || t.agent != nil {
		return nil
	}
	agent, err := t.connector.connect(ctx, t.name)
	if err != nil {
		return fmt.Errorf("connecting agent %s: %w", t.name, err)
	}
	t.agent = agent
	slog.Debug("Connected agent", "agent", t.name, "ref", agent.Ref.String())
	return nil
}

func (t *Toolset) Stop(ctx context.Context) error {
	t.mu.Lock()
	agent := t.agent
	t.agent = nil
	t.mu.Unlock()

	if agent != nil && agent.Release != nil {
		agent.Release(ctx)
	}
	return nil
}

func (t *Toolset) Tools(context.Context) ([]tools.Tool, error) {
	description := t.description
	if description == "" {
		description = fmt.Sprintf("Ask the %s agent and return its answer.", t.name)
	}
	return []tools.Tool{
		{
			Name:        t.name,
			Category:    "agents",
			Description: description,
			Parameters:  tools.MustSchemaFor[AskArgs](),
			Handler:     tools.NewHandler(t.ask),
			Annotations: tools.ToolAnnotations{Title: "Ask " + t.name},
		},
	}, nil
}

func (t *Toolset) connected() (*Agent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.agent == nil {
		return nil, fmt.Errorf("agent %s is not connected", t.name)
	}
	return t.agent, nil
}

// ask runs one turn of the connected agent. Failed turns are reported to
// the calling agent as error results; only cancellation and platform errors
// before the turn fail the call.
func (t *Toolset) ask(ctx context.Context, args AskArgs) (*tools.ToolCallResult, error) {
	message := strings.TrimSpace(args.Message)
	if message == "" {
		return tools.ResultError("message cannot be empty"), nil
	}
	agent, err := t.connected()
	if err != nil {
		return nil, err
	}

	o := t.connector.orchestrator
	p := o.Platform()
	convID, err := p.CreateConversation(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating conversation for agent %s: %w", t.name, err)
	}
	defer func() {
		if err := p.DeleteConversation(context.WithoutCancel(ctx), convID); err != nil {
			slog.Warn("Failed to delete conversation", "agent", t.name, "conversation", convID, "error", err)
		}
	}()

	res, err := retry.ExecuteTurn(ctx, t.connector.policy, o, runtime.TurnRequest{
		ConversationID: convID,
		Agent:          agent.Ref,
		UserText:       message,
		Tools:          agent.Tools,
		Timeout:        agent.Timeout,
	})
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err
	default:
		slog.Debug("Connected agent failed", "agent", t.name, "conversation", convID, "error", err)
		return tools.ResultError(fmt.Sprintf("agent %s failed: %v", t.name, err)), nil
	}

	if res.Text == "" {
		return tools.ResultError(fmt.Sprintf("agent %s returned no text", t.name)), nil
	}
	return tools.ResultSuccess(res.Text), nil
}
