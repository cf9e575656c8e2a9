// Package mcp exposes tools served by MCP servers as local tools.
package mcp

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/docker/agentlab/pkg/tools"
)

const (
	initAttempts = 3
	initTimeout  = 30 * time.Second
)

type mcpClient interface {
	Initialize(ctx context.Context) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request *mcp.ListToolsParams) iter.Seq2[*mcp.Tool, error]
	CallTool(ctx context.Context, request *mcp.CallToolParams) (*mcp.CallToolResult, error)
	SetToolListChangedHandler(handler func())
	Close(ctx context.Context) error
}

// Toolset represents a set of MCP tools
type Toolset struct {
	name         string
	mcpClient    mcpClient
	logID        string
	instructions string
	initBackoff  time.Duration

	mu      sync.Mutex
	started bool

	// cacheGen is bumped on each invalidation so that a concurrent Tools()
	// call can detect that its result is stale.
	cachedTools []tools.Tool
	cacheGen    uint64
}

var (
	_ tools.ToolSet   = (*Toolset)(nil)
	_ tools.Startable = (*Toolset)(nil)
)

func newToolset(name, logID string, client mcpClient) *Toolset {
	return &Toolset{
		name:        name,
		mcpClient:   client,
		logID:       logID,
		initBackoff: 500 * time.Millisecond,
	}
}

// NewToolsetCommand creates a toolset served by a local command over stdio.
// Tool names are prefixed with name when it is not empty.
func NewToolsetCommand(name, command string, args, env []string, cwd string) *Toolset {
	slog.Debug("Creating Stdio MCP toolset", "command", command, "args", args)
	return newToolset(name, command, newStdioCmdClient(command, args, env, cwd))
}

// NewRemoteToolset creates a toolset served by a streamable HTTP MCP server.
func NewRemoteToolset(name, url string, headers map[string]string) *Toolset {
	slog.Debug("Creating Remote MCP toolset", "url", url)
	return newToolset(name, url, newRemoteClient(url, headers))
}

// Start connects and initializes the session. Initialization is attempted
// up to three times with a linear backoff, each attempt bounded by 30s.
func (ts *Toolset) Start(ctx context.Context) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.started {
		return nil
	}

	ts.mcpClient.SetToolListChangedHandler(func() {
		ts.mu.Lock()
		ts.invalidateCache()
		ts.mu.Unlock()
		slog.Debug("MCP server notified tool list changed", "server", ts.logID)
	})

	slog.Debug("Starting MCP toolset", "server", ts.logID)

	var lastErr error
	for attempt := 1; attempt <= initAttempts; attempt++ {
		result, err := ts.initialize(ctx)
		if err == nil {
			ts.instructions = result.Instructions
			ts.started = true
			slog.Debug("Started MCP toolset successfully", "server", ts.logID, "attempt", attempt)
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("failed to initialize MCP client: %w", ctx.Err())
		}
		if attempt == initAttempts {
			break
		}

		backoff := ts.initBackoff * time.Duration(attempt)
		slog.Debug("MCP initialize failed, retrying", "server", ts.logID, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("failed to initialize MCP client: %w", ctx.Err())
		}
	}

	slog.Error("Failed to initialize MCP client after retries", "server", ts.logID, "error", lastErr)
	return fmt.Errorf("failed to initialize MCP client after %d attempts: %w", initAttempts, lastErr)
}

func (ts *Toolset) initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	// The session must outlive the caller's context; only the attempt is bounded.
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), initTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	result, err := ts.mcpClient.Initialize(attemptCtx)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return &mcp.InitializeResult{}, nil
	}
	return result, nil
}

// invalidateCache clears the cached tools. The caller must hold ts.mu.
func (ts *Toolset) invalidateCache() {
	ts.cachedTools = nil
	ts.cacheGen++
}

// Instructions returns what the server sent at initialization.
func (ts *Toolset) Instructions() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.instructions
}

func (ts *Toolset) Tools(ctx context.Context) ([]tools.Tool, error) {
	ts.mu.Lock()
	if !ts.started {
		ts.mu.Unlock()
		return nil, errors.New("toolset not started")
	}
	if ts.cachedTools != nil {
		result := ts.cachedTools
		ts.mu.Unlock()
		return result, nil
	}
	gen := ts.cacheGen
	ts.mu.Unlock()

	slog.Debug("Listing MCP tools (cache miss)", "server", ts.logID)

	var toolsList []tools.Tool
	for t, err := range ts.mcpClient.ListTools(ctx, &mcp.ListToolsParams{}) {
		if err != nil {
			return nil, err
		}

		name := t.Name
		if ts.name != "" {
			name = fmt.Sprintf("%s_%s", ts.name, name)
		}

		tool := tools.Tool{
			Name:         name,
			Category:     cmp.Or(ts.name, "mcp"),
			Description:  t.Description,
			Parameters:   t.InputSchema,
			OutputSchema: t.OutputSchema,
			Handler:      ts.callTool(t.Name),
		}
		if a := t.Annotations; a != nil {
			tool.Annotations = tools.ToolAnnotations{
				Title:           a.Title,
				ReadOnlyHint:    a.ReadOnlyHint,
				DestructiveHint: a.DestructiveHint,
				IdempotentHint:  a.IdempotentHint,
				OpenWorldHint:   a.OpenWorldHint,
			}
		}
		toolsList = append(toolsList, tool)
	}

	slog.Debug("Listed MCP tools", "count", len(toolsList), "server", ts.logID)

	ts.mu.Lock()
	if ts.cacheGen == gen {
		ts.cachedTools = toolsList
	}
	ts.mu.Unlock()

	return toolsList, nil
}

// callTool returns a handler forwarding to the server-side tool named
// remoteName, whatever prefix the local name carries.
func (ts *Toolset) callTool(remoteName string) tools.ToolHandler {
	return func(ctx context.Context, toolCall tools.ToolCall) (*tools.ToolCallResult, error) {
		slog.Debug("Calling MCP tool", "tool", remoteName, "arguments", toolCall.Function.Arguments)

		args, err := tools.NormalizeArguments(toolCall.Function.Arguments)
		if err != nil {
			return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
		}

		resp, err := ts.mcpClient.CallTool(ctx, &mcp.CallToolParams{
			Name:      remoteName,
			Arguments: tools.StripNulls(args),
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
				slog.Debug("CallTool canceled by context", "tool", remoteName)
				return nil, err
			}
			slog.Error("Failed to call MCP tool", "tool", remoteName, "error", err)
			return nil, fmt.Errorf("failed to call tool: %w", err)
		}

		result := processMCPContent(resp)
		slog.Debug("MCP tool call completed", "tool", remoteName, "output_length", len(result.Output))
		return result, nil
	}
}

func (ts *Toolset) Stop(ctx context.Context) error {
	slog.Debug("Stopping MCP toolset", "server", ts.logID)

	ts.mu.Lock()
	ts.started = false
	ts.invalidateCache()
	ts.mu.Unlock()

	if err := ts.mcpClient.Close(context.WithoutCancel(ctx)); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		slog.Error("Failed to stop MCP toolset", "server", ts.logID, "error", err)
		return err
	}

	slog.Debug("Stopped MCP toolset successfully", "server", ts.logID)
	return nil
}

func processMCPContent(toolResult *mcp.CallToolResult) *tools.ToolCallResult {
	var sb strings.Builder
	for _, c := range toolResult.Content {
		if text, ok := c.(*mcp.TextContent); ok {
			sb.WriteString(text.Text)
		}
	}

	// Tools may return no content at all.
	output := cmp.Or(sb.String(), "no output")

	if toolResult.IsError {
		return tools.ResultError(output)
	}
	return tools.ResultSuccess(output)
}
