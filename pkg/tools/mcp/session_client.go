package mcp

import (
	"context"
	"errors"
	"iter"
	"sync"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/docker/agentlab/pkg/version"
)

var errNoSession = errors.New("session not initialized")

// sessionClient holds the session shared by the stdio and remote clients.
type sessionClient struct {
	mu                     sync.RWMutex
	session                *gomcp.ClientSession
	toolListChangedHandler func()
}

func (c *sessionClient) setSession(s *gomcp.ClientSession) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *sessionClient) getSession() *gomcp.ClientSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// newClient builds a go-sdk client whose tool list notifications reach the
// currently registered handler.
func (c *sessionClient) newClient() *gomcp.Client {
	return gomcp.NewClient(&gomcp.Implementation{
		Name:    "agentlab",
		Version: version.Version,
	}, &gomcp.ClientOptions{
		ToolListChangedHandler: func(context.Context, *gomcp.ToolListChangedRequest) {
			c.mu.RLock()
			h := c.toolListChangedHandler
			c.mu.RUnlock()
			if h != nil {
				h()
			}
		},
	})
}

func (c *sessionClient) SetToolListChangedHandler(handler func()) {
	c.mu.Lock()
	c.toolListChangedHandler = handler
	c.mu.Unlock()
}

func (c *sessionClient) Close(context.Context) error {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()

	if s != nil {
		return s.Close()
	}
	return nil
}

func (c *sessionClient) ListTools(ctx context.Context, request *gomcp.ListToolsParams) iter.Seq2[*gomcp.Tool, error] {
	if s := c.getSession(); s != nil {
		return s.Tools(ctx, request)
	}
	return func(yield func(*gomcp.Tool, error) bool) {
		yield(nil, errNoSession)
	}
}

func (c *sessionClient) CallTool(ctx context.Context, request *gomcp.CallToolParams) (*gomcp.CallToolResult, error) {
	if s := c.getSession(); s != nil {
		return s.CallTool(ctx, request)
	}
	return nil, errNoSession
}
