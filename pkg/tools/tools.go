package tools

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
)

// ToolHandler executes a single tool call.
type ToolHandler func(ctx context.Context, toolCall ToolCall) (*ToolCallResult, error)

// FunctionCall is the name and raw JSON arguments of a requested call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is one call requested by the remote agent.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// ToolCallResult is what a handler produced for a call.
type ToolCallResult struct {
	Output  string `json:"output"`
	IsError bool   `json:"isError,omitempty"`
}

// ResultSuccess wraps a successful textual output.
func ResultSuccess(output string) *ToolCallResult {
	return &ToolCallResult{Output: output}
}

// ResultError wraps an error message that should be reported back to the
// model rather than failing the turn.
func ResultError(output string) *ToolCallResult {
	return &ToolCallResult{Output: output, IsError: true}
}

// ResultJSON marshals v and returns it as a successful output.
func ResultJSON(v any) (*ToolCallResult, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling tool output: %w", err)
	}
	return ResultSuccess(string(buf)), nil
}

// ToolAnnotations mirrors the MCP tool annotation hints.
type ToolAnnotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    bool   `json:"readOnlyHint,omitempty"`
	DestructiveHint *bool  `json:"destructiveHint,omitempty"`
	IdempotentHint  bool   `json:"idempotentHint,omitempty"`
	OpenWorldHint   *bool  `json:"openWorldHint,omitempty"`
}

// Tool is a locally executable capability.
type Tool struct {
	Name         string          `json:"name"`
	Category     string          `json:"category,omitempty"`
	Description  string          `json:"description,omitempty"`
	Parameters   any             `json:"parameters"`
	OutputSchema any             `json:"outputSchema,omitempty"`
	Annotations  ToolAnnotations `json:"annotations"`
	Handler      ToolHandler     `json:"-"`
}

// NewHandler adapts a typed handler. Arguments are decoded strictly into T.
func NewHandler[T any](fn func(context.Context, T) (*ToolCallResult, error)) ToolHandler {
	return func(ctx context.Context, toolCall ToolCall) (*ToolCallResult, error) {
		var params T
		if err := DecodeArguments(cmp.Or(toolCall.Function.Arguments, "{}"), &params); err != nil {
			return nil, fmt.Errorf("invalid arguments for %s: %w", toolCall.Function.Name, err)
		}
		return fn(ctx, params)
	}
}

// ToolSet is a group of tools that share a lifecycle.
type ToolSet interface {
	Tools(ctx context.Context) ([]Tool, error)
}

// Startable is implemented by toolsets that hold a connection or a process.
type Startable interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// BaseToolSet can be embedded by toolsets without lifecycle.
type BaseToolSet struct{}

func (BaseToolSet) Start(context.Context) error { return nil }

func (BaseToolSet) Stop(context.Context) error { return nil }
