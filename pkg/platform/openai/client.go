// Package openai implements platform.Platform on top of the Assistants
// threads API, for OpenAI itself and for compatible endpoints such as Azure
// OpenAI deployments.
package openai

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/docker/agentlab/pkg/platform"
)

// AuthMode selects how requests are authenticated.
type AuthMode string

const (
	// AuthAPIKey sends "Authorization: Bearer <key>".
	AuthAPIKey AuthMode = "api_key"
	// AuthAzure sends the key in an "api-key" header and adds the
	// "api-version" query parameter to every request.
	AuthAzure AuthMode = "azure"
	// AuthOAuth2 obtains bearer tokens with the client-credentials grant.
	AuthOAuth2 AuthMode = "oauth2"
)

// OAuth2Config holds client-credentials settings.
type OAuth2Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

type Config struct {
	BaseURL    string
	Auth       AuthMode
	APIKey     string
	APIVersion string
	OAuth2     OAuth2Config
	// RequestTimeout bounds each HTTP request. Zero leaves the SDK default.
	RequestTimeout time.Duration
	// MaxRetries is the SDK-level retry count for a single request. Turn
	// level retries belong to the caller, so it defaults to zero.
	MaxRetries int
	HTTPClient *http.Client
}

// Client talks to an Assistants-compatible endpoint.
type Client struct {
	client openai.Client
	cfg    Config
}

var (
	_ platform.Platform     = (*Client)(nil)
	_ platform.AgentManager = (*Client)(nil)
)

// NewClient creates a platform client. The caller owns it; it holds no
// resources besides the HTTP client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	opts := []option.RequestOption{
		option.WithMaxRetries(max(cfg.MaxRetries, 0)),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.RequestTimeout))
	}

	httpClient := cfg.HTTPClient
	switch cmp.Or(cfg.Auth, AuthAPIKey) {
	case AuthAPIKey:
		if cfg.APIKey == "" {
			return nil, errors.New("api key is required")
		}
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	case AuthAzure:
		if cfg.APIKey == "" {
			return nil, errors.New("api key is required")
		}
		if cfg.BaseURL == "" {
			return nil, errors.New("azure endpoints need a base url")
		}
		opts = append(opts,
			option.WithHeaderDel("authorization"),
			option.WithHeader("api-key", cfg.APIKey),
			option.WithQuery("api-version", cmp.Or(cfg.APIVersion, "2024-05-01-preview")),
		)
	case AuthOAuth2:
		if cfg.OAuth2.TokenURL == "" || cfg.OAuth2.ClientID == "" {
			return nil, errors.New("oauth2 needs a token url and a client id")
		}
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuth2.ClientID,
			ClientSecret: cfg.OAuth2.ClientSecret,
			TokenURL:     cfg.OAuth2.TokenURL,
			Scopes:       cfg.OAuth2.Scopes,
		}
		if httpClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
		}
		httpClient = cc.Client(context.WithoutCancel(ctx))
		opts = append(opts, option.WithHeaderDel("authorization"))
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Auth)
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}

	slog.Debug("Creating platform client", "base_url", cfg.BaseURL, "auth", cmp.Or(cfg.Auth, AuthAPIKey))

	return &Client{
		client: openai.NewClient(opts...),
		cfg:    cfg,
	}, nil
}

func (c *Client) CreateConversation(ctx context.Context) (string, error) {
	thread, err := c.client.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	if err != nil {
		return "", classify("create_conversation", err)
	}
	return thread.ID, nil
}

func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	if _, err := c.client.Beta.Threads.Delete(ctx, conversationID); err != nil {
		return classify("delete_conversation", err)
	}
	return nil
}

// AppendItem adds a message. Tool outputs are recorded by SubmitToolOutputs,
// so only text items can be appended.
func (c *Client) AppendItem(ctx context.Context, conversationID string, item platform.Item) error {
	if item.Kind != platform.ItemText {
		return fmt.Errorf("cannot append %s items to a thread", item.Kind)
	}

	role := openai.BetaThreadMessageNewParamsRoleUser
	if item.Role == platform.RoleAssistant {
		role = openai.BetaThreadMessageNewParamsRoleAssistant
	}

	_, err := c.client.Beta.Threads.Messages.New(ctx, conversationID, openai.BetaThreadMessageNewParams{
		Role: role,
		Content: openai.BetaThreadMessageNewParamsContentUnion{
			OfString: openai.String(item.Text),
		},
	})
	if err != nil {
		return classify("append_item", err)
	}
	return nil
}

func (c *Client) SubmitRun(ctx context.Context, conversationID string, agent platform.AgentRef) (string, error) {
	if agent.ID == "" {
		return "", errors.New("agent id is required to submit a run")
	}
	run, err := c.client.Beta.Threads.Runs.New(ctx, conversationID, openai.BetaThreadRunNewParams{
		AssistantID: agent.ID,
	})
	if err != nil {
		return "", classify("submit_run", err)
	}
	return run.ID, nil
}

func (c *Client) GetRun(ctx context.Context, conversationID, runID string) (*platform.Run, error) {
	run, err := c.client.Beta.Threads.Runs.Get(ctx, conversationID, runID)
	if err != nil {
		return nil, classify("get_run", err)
	}
	return convertRun(run), nil
}

func convertRun(run *openai.Run) *platform.Run {
	out := &platform.Run{
		ID:             run.ID,
		ConversationID: run.ThreadID,
		Status:         platform.RunStatus(run.Status),
	}
	if out.Status == platform.RunRequiresAction {
		for _, call := range run.RequiredAction.SubmitToolOutputs.ToolCalls {
			out.RequiredAction = append(out.RequiredAction, platform.ToolCallRequest{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			})
		}
	}
	if run.LastError.Message != "" || run.LastError.Code != "" {
		out.Error = &platform.RunError{
			Code:    run.LastError.Code,
			Message: run.LastError.Message,
		}
	}
	if out.Status == platform.RunIncomplete && out.Error == nil && run.IncompleteDetails.Reason != "" {
		out.Error = &platform.RunError{Message: "incomplete: " + run.IncompleteDetails.Reason}
	}
	return out
}

func (c *Client) SubmitToolOutputs(ctx context.Context, conversationID, runID string, outputs []platform.ToolCallResult) error {
	params := openai.BetaThreadRunSubmitToolOutputsParams{
		ToolOutputs: make([]openai.BetaThreadRunSubmitToolOutputsParamsToolOutput, 0, len(outputs)),
	}
	for _, out := range outputs {
		params.ToolOutputs = append(params.ToolOutputs, openai.BetaThreadRunSubmitToolOutputsParamsToolOutput{
			ToolCallID: openai.String(out.CallID),
			Output:     openai.String(out.Output),
		})
	}

	if _, err := c.client.Beta.Threads.Runs.SubmitToolOutputs(ctx, conversationID, runID, params); err != nil {
		return classify("submit_tool_outputs", err)
	}
	return nil
}

func (c *Client) CancelRun(ctx context.Context, conversationID, runID string) error {
	if _, err := c.client.Beta.Threads.Runs.Cancel(ctx, conversationID, runID); err != nil {
		return classify("cancel_run", err)
	}
	return nil
}

// ListItems returns the thread in conversation order. Function calls made by
// a run are not messages in the threads API; they are read from the run's
// steps and placed, request then output, before the run's first assistant
// message.
func (c *Client) ListItems(ctx context.Context, conversationID string) ([]platform.Item, error) {
	var messages []openai.Message
	pager := c.client.Beta.Threads.Messages.ListAutoPaging(ctx, conversationID, openai.BetaThreadMessageListParams{
		Order: openai.BetaThreadMessageListParamsOrderAsc,
	})
	for pager.Next() {
		messages = append(messages, pager.Current())
	}
	if err := pager.Err(); err != nil {
		return nil, classify("list_items", err)
	}

	var items []platform.Item
	expanded := map[string]bool{}
	for _, msg := range messages {
		if msg.RunID != "" && !expanded[msg.RunID] {
			expanded[msg.RunID] = true
			calls, err := c.runToolItems(ctx, conversationID, msg.RunID)
			if err != nil {
				return nil, err
			}
			items = append(items, calls...)
		}
		items = append(items, convertMessage(msg)...)
	}
	return items, nil
}

func (c *Client) runToolItems(ctx context.Context, conversationID, runID string) ([]platform.Item, error) {
	var items []platform.Item
	pager := c.client.Beta.Threads.Runs.Steps.ListAutoPaging(ctx, conversationID, runID, openai.BetaThreadRunStepListParams{
		Order: openai.BetaThreadRunStepListParamsOrderAsc,
	})
	for pager.Next() {
		step := pager.Current()
		if step.StepDetails.Type != "tool_calls" {
			continue
		}

		var outputs []platform.Item
		for _, call := range step.StepDetails.ToolCalls {
			if call.Type != "function" {
				continue
			}
			items = append(items, platform.Item{
				ID:    step.ID,
				Kind:  platform.ItemToolCallRequest,
				Role:  platform.RoleAssistant,
				RunID: runID,
				ToolCall: &platform.ToolCallRequest{
					ID:        call.ID,
					Name:      call.Function.Name,
					Arguments: call.Function.Arguments,
				},
			})
			if call.Function.Output != "" {
				outputs = append(outputs, platform.Item{
					ID:         step.ID,
					Kind:       platform.ItemToolCallOutput,
					RunID:      runID,
					ToolOutput: &platform.ToolCallResult{CallID: call.ID, Output: call.Function.Output},
				})
			}
		}
		items = append(items, outputs...)
	}
	if err := pager.Err(); err != nil {
		return nil, classify("list_run_steps", err)
	}
	return items, nil
}

// convertMessage turns each content part into an item. All parts keep the
// message ID so they can be grouped back together.
func convertMessage(msg openai.Message) []platform.Item {
	role := platform.RoleUser
	if msg.Role == "assistant" {
		role = platform.RoleAssistant
	}
	base := platform.Item{ID: msg.ID, Role: role, RunID: msg.RunID}

	var items []platform.Item
	for _, part := range msg.Content {
		switch part.Type {
		case "text":
			item := base
			item.Kind = platform.ItemText
			item.Text = part.Text.Value
			items = append(items, item)
			for _, ann := range part.Text.Annotations {
				if ann.Type == "file_path" && ann.FilePath.FileID != "" {
					file := base
					file.Kind = platform.ItemFile
					file.FileID = ann.FilePath.FileID
					file.Text = ann.Text
					items = append(items, file)
				}
			}
		case "image_file":
			item := base
			item.Kind = platform.ItemImage
			item.FileID = part.ImageFile.FileID
			items = append(items, item)
		case "image_url":
			item := base
			item.Kind = platform.ItemImage
			item.URL = part.ImageURL.URL
			items = append(items, item)
		case "refusal":
			item := base
			item.Kind = platform.ItemText
			item.Text = part.Refusal
			items = append(items, item)
		default:
			slog.Debug("Skipping unsupported message content", "type", part.Type, "message", msg.ID)
		}
	}
	return items
}

// classify maps SDK errors onto the platform error model: network failures,
// authentication failures, throttling and server errors are transport
// errors the caller may retry.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%s: %w: %s", op, platform.ErrNotFound, apiErr.Message)
		case apiErr.StatusCode >= 500,
			apiErr.StatusCode == http.StatusUnauthorized,
			apiErr.StatusCode == http.StatusForbidden,
			apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode == http.StatusTooManyRequests:
			return &platform.TransportError{Op: op, StatusCode: apiErr.StatusCode, Err: err}
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	// Anything else never got a response: DNS, refused connections, resets.
	return platform.NewTransportError(op, err)
}
