package mcp

import (
	"context"
	"os"
	"os/exec"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

type stdioMCPClient struct {
	sessionClient
	command string
	args    []string
	env     []string
	cwd     string

	cancel context.CancelFunc
}

func newStdioCmdClient(command string, args, env []string, cwd string) *stdioMCPClient {
	return &stdioMCPClient{
		command: command,
		args:    args,
		env:     env,
		cwd:     cwd,
	}
}

// Initialize spawns the server command in its own process group, so that a
// Ctrl-C in the terminal does not reach it before the session is closed.
// The process lives until Close, not until ctx is done.
func (c *stdioMCPClient) Initialize(ctx context.Context) (*gomcp.InitializeResult, error) {
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	cmd := exec.CommandContext(procCtx, c.command, c.args...)
	cmd.Env = append(os.Environ(), c.env...)
	cmd.Dir = c.cwd
	cmd.Stderr = os.Stderr
	cmd.WaitDelay = 5 * time.Second
	configureProcessGroup(cmd)

	session, err := c.newClient().Connect(ctx, &gomcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		cancel()
		return nil, err
	}

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	c.setSession(session)
	return session.InitializeResult(), nil
}

func (c *stdioMCPClient) Close(ctx context.Context) error {
	err := c.sessionClient.Close(ctx)

	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return err
}
