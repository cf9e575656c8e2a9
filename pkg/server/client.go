package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Client calls an agent service. It is how one agent hands its result to
// the next in a pipeline.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type ClientOpt func(*Client)

// WithHTTPClient replaces the default client. It is ignored for unix://
// addresses.
func WithHTTPClient(c *http.Client) ClientOpt {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// NewClient returns a client for the service at baseURL, an http(s) URL or
// unix:///path/to/socket.
func NewClient(baseURL string, opts ...ClientOpt) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}

	if socketPath, ok := strings.CutPrefix(baseURL, "unix://"); ok {
		c.baseURL = "http://_"
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		}
	}
	return c
}

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent service returned %d: %s", e.StatusCode, e.Message)
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Invoke runs task on the service and returns its answer.
func (c *Client) Invoke(ctx context.Context, task string) (*InvokeResponse, error) {
	var resp InvokeResponse
	if err := c.do(ctx, http.MethodPost, "/invoke", InvokeRequest{Task: task}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	body := io.Reader(http.NoBody)
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling agent service: %w", err)
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading agent service response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var errResp InvokeResponse
		msg := strings.TrimSpace(string(buf))
		if json.Unmarshal(buf, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("decoding agent service response: %w", err)
	}
	return nil
}
