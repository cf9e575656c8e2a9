package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

type remoteMCPClient struct {
	sessionClient
	url     string
	headers map[string]string
}

func newRemoteClient(url string, headers map[string]string) *remoteMCPClient {
	return &remoteMCPClient{
		url:     url,
		headers: headers,
	}
}

func (c *remoteMCPClient) Initialize(ctx context.Context) (*gomcp.InitializeResult, error) {
	transport := &gomcp.StreamableClientTransport{
		Endpoint:             c.url,
		HTTPClient:           c.createHTTPClient(),
		DisableStandaloneSSE: true,
	}

	session, err := c.newClient().Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MCP server: %w", err)
	}

	c.setSession(session)

	slog.Debug("Remote MCP client connected successfully", "url", c.url)
	return session.InitializeResult(), nil
}

func (c *remoteMCPClient) createHTTPClient() *http.Client {
	if len(c.headers) == 0 {
		return &http.Client{}
	}
	return &http.Client{Transport: &headerTransport{base: http.DefaultTransport, headers: c.headers}}
}

// headerTransport adds fixed headers to every request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}
