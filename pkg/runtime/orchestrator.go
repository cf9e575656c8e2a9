// Package runtime drives single turns against a remote agent platform: it
// submits the user message, polls the run, executes requested tools locally
// and returns the final assistant output.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/docker/agentlab/pkg/platform"
	"github.com/docker/agentlab/pkg/tools"
)

const (
	DefaultPollInterval = time.Second
	DefaultTimeout      = 5 * time.Minute
)

// ToolRegistry is the local side of tool dispatch.
type ToolRegistry interface {
	Lookup(name string) (tools.Tool, bool)
	Invoke(ctx context.Context, callID, name string, args any) (*tools.ToolCallResult, error)
}

// TurnRequest describes one user turn.
type TurnRequest struct {
	ConversationID string
	Agent          platform.AgentRef
	UserText       string
	Tools          ToolRegistry
	// Timeout bounds the whole turn across all polling cycles. Zero means the
	// orchestrator default.
	Timeout time.Duration
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	RunID string
	// Text of the most recent assistant message.
	Text string
	// Outputs holds the non-text parts of that message (images, files) in
	// platform order.
	Outputs   []platform.Item
	ToolCalls int
	Elapsed   time.Duration
}

// Orchestrator executes turns. It holds no per-turn state and may be shared
// by goroutines working on different conversations; turns on the same
// conversation are serialized.
type Orchestrator struct {
	platform       platform.Platform
	pollInterval   time.Duration
	defaultTimeout time.Duration
	clock          Clock
	logger         *slog.Logger
	tracer         trace.Tracer
	onEvent        EventHandler
	conversations  *conversationTracker
}

type Opt func(*Orchestrator)

// WithPollInterval sets the fixed wait between status polls.
func WithPollInterval(d time.Duration) Opt {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithDefaultTimeout is used for turns that do not set a timeout.
func WithDefaultTimeout(d time.Duration) Opt {
	return func(o *Orchestrator) {
		if d > 0 {
			o.defaultTimeout = d
		}
	}
}

func WithClock(c Clock) Opt {
	return func(o *Orchestrator) {
		o.clock = c
	}
}

func WithLogger(l *slog.Logger) Opt {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

func WithTracer(t trace.Tracer) Opt {
	return func(o *Orchestrator) {
		o.tracer = t
	}
}

func WithEventHandler(h EventHandler) Opt {
	return func(o *Orchestrator) {
		o.onEvent = h
	}
}

// New returns an orchestrator bound to p. The caller owns p and closes it
// when done.
func New(p platform.Platform, opts ...Opt) *Orchestrator {
	o := &Orchestrator{
		platform:       p,
		pollInterval:   DefaultPollInterval,
		defaultTimeout: DefaultTimeout,
		clock:          SystemClock{},
		logger:         slog.Default(),
		tracer:         otel.Tracer("github.com/docker/agentlab/pkg/runtime"),
		conversations:  newConversationTracker(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Platform returns the platform the orchestrator talks to.
func (o *Orchestrator) Platform() platform.Platform {
	return o.platform
}

// Stats returns per-conversation totals in first-seen order.
func (o *Orchestrator) Stats() []ConversationStats {
	return o.conversations.snapshot()
}

func (o *Orchestrator) emit(ev Event) {
	if o.onEvent != nil {
		o.onEvent(ev)
	}
}

// ExecuteTurn runs one user turn to completion.
//
// Exactly one user message is appended before the run is submitted. While the
// run requires action, every requested call is executed in platform order and
// all outputs are submitted in a single batch. Errors are returned as
// *RunFailedError, *RunTimeoutError, *UnknownToolError, *ToolExecutionError or
// *platform.TransportError; nothing is retried here. Platform failures after
// the run was submitted are wrapped in *InterruptedRunError, and ActiveRunID
// reports the run a failed turn left behind.
func (o *Orchestrator) ExecuteTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.ConversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	if req.UserText == "" {
		return nil, errors.New("user text cannot be empty")
	}
	if req.Tools == nil {
		req.Tools = tools.NewRegistry()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.defaultTimeout
	}

	ctx, span := o.tracer.Start(ctx, "runtime.ExecuteTurn", trace.WithAttributes(
		attribute.String("conversation.id", req.ConversationID),
		attribute.String("agent", req.Agent.String()),
		attribute.Float64("timeout.seconds", timeout.Seconds()),
	))
	defer span.End()

	release, err := o.conversations.acquire(ctx, req.ConversationID, req.Agent.String())
	if err != nil {
		return nil, err
	}
	defer release()

	start := o.clock.Now()
	result, err := o.executeTurn(ctx, req, timeout, start)

	elapsed := o.clock.Now().Sub(start)
	toolCalls := 0
	if result != nil {
		result.Elapsed = elapsed
		toolCalls = result.ToolCalls
	}
	o.conversations.record(req.ConversationID, toolCalls, elapsed, err != nil)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Debug("Turn failed", "conversation", req.ConversationID, "error", err)
		o.emit(Event{Type: EventTurnFailed, ConversationID: req.ConversationID, Err: err})
		return nil, err
	}

	span.SetAttributes(
		attribute.String("run.id", result.RunID),
		attribute.Int("tool_calls", result.ToolCalls),
	)
	o.emit(Event{Type: EventTurnCompleted, ConversationID: req.ConversationID, RunID: result.RunID, Output: result.Text})
	return result, nil
}

func (o *Orchestrator) executeTurn(ctx context.Context, req TurnRequest, timeout time.Duration, start time.Time) (*TurnResult, error) {
	convID := req.ConversationID

	if err := o.platform.AppendItem(ctx, convID, platform.UserMessage(req.UserText)); err != nil {
		return nil, transportErr("append user message", err)
	}

	runID, err := o.platform.SubmitRun(ctx, convID, req.Agent)
	if err != nil {
		return nil, transportErr("submit run", err)
	}
	o.logger.Debug("Submitted run", "conversation", convID, "run", runID, "agent", req.Agent.String())
	o.emit(Event{Type: EventRunSubmitted, ConversationID: convID, RunID: runID})

	result := &TurnResult{RunID: runID}
	lastStatus := platform.RunQueued

	for {
		elapsed := o.clock.Now().Sub(start)
		if elapsed >= timeout {
			o.logger.Warn("Run timed out", "conversation", convID, "run", runID, "timeout", timeout, "status", lastStatus)
			return nil, &RunTimeoutError{RunID: runID, Timeout: timeout, LastStatus: lastStatus}
		}

		run, err := o.platform.GetRun(ctx, convID, runID)
		if err != nil {
			return nil, &InterruptedRunError{RunID: runID, Err: transportErr("get run", err)}
		}
		if run.Status != lastStatus {
			o.logger.Debug("Run status changed", "run", runID, "from", lastStatus, "to", run.Status)
			o.emit(Event{Type: EventRunStatus, ConversationID: convID, RunID: runID, Status: run.Status})
		}
		lastStatus = run.Status

		switch run.Status {
		case platform.RunCompleted:
			text, outputs, err := o.ReadFinal(ctx, convID)
			if err != nil {
				return nil, err
			}
			result.Text = text
			result.Outputs = outputs
			return result, nil

		case platform.RunFailed, platform.RunCancelled, platform.RunExpired, platform.RunIncomplete:
			failure := &RunFailedError{RunID: runID, Status: run.Status}
			if run.Error != nil {
				failure.Code = run.Error.Code
				failure.Message = run.Error.Message
			}
			return nil, failure

		case platform.RunRequiresAction:
			outputs, err := o.dispatch(ctx, convID, runID, run.RequiredAction, req.Tools)
			if err != nil {
				return nil, err
			}
			if err := o.platform.SubmitToolOutputs(ctx, convID, runID, outputs); err != nil {
				return nil, &InterruptedRunError{RunID: runID, Err: transportErr("submit tool outputs", err)}
			}
			result.ToolCalls += len(outputs)
			o.emit(Event{Type: EventOutputsSent, ConversationID: convID, RunID: runID})

		default:
			// queued, in_progress, cancelling: wait, but never past the deadline.
			wait := min(o.pollInterval, timeout-elapsed)
			if err := o.clock.Sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
	}
}

// dispatch executes every requested call, in order, before anything is
// submitted. All names are resolved first so an unknown tool fails the
// cycle without running any tool.
func (o *Orchestrator) dispatch(ctx context.Context, convID, runID string, calls []platform.ToolCallRequest, registry ToolRegistry) ([]platform.ToolCallResult, error) {
	for _, call := range calls {
		if _, ok := registry.Lookup(call.Name); !ok {
			o.logger.Error("Platform requested an unknown tool", "tool", call.Name, "call", call.ID, "run", runID)
			return nil, &UnknownToolError{RunID: runID, Name: call.Name, CallID: call.ID}
		}
	}

	outputs := make([]platform.ToolCallResult, 0, len(calls))
	for _, call := range calls {
		output, err := o.invoke(ctx, convID, runID, call, registry)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, platform.ToolCallResult{CallID: call.ID, Output: output})
	}
	return outputs, nil
}

func (o *Orchestrator) invoke(ctx context.Context, convID, runID string, call platform.ToolCallRequest, registry ToolRegistry) (string, error) {
	ctx, span := o.tracer.Start(ctx, "runtime.tool_call", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))
	defer span.End()

	o.logger.Debug("Calling tool", "tool", call.Name, "call", call.ID, "arguments", call.Arguments)
	o.emit(Event{Type: EventToolCall, ConversationID: convID, RunID: runID, ToolCall: &call})

	res, err := registry.Invoke(ctx, call.ID, call.Name, call.Arguments)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, tools.ErrToolNotFound) {
			return "", &UnknownToolError{RunID: runID, Name: call.Name, CallID: call.ID}
		}
		return "", &ToolExecutionError{RunID: runID, Name: call.Name, CallID: call.ID, Err: err}
	}

	if res.IsError {
		o.logger.Debug("Tool reported an error result", "tool", call.Name, "output", res.Output)
	}
	o.emit(Event{Type: EventToolResponse, ConversationID: convID, RunID: runID, ToolCall: &call, Output: res.Output})
	return res.Output, nil
}

// ReadFinal returns the text and non-text outputs of the most recent
// assistant message in the conversation. It only reads, so calling it again
// without new items returns the same result.
func (o *Orchestrator) ReadFinal(ctx context.Context, conversationID string) (string, []platform.Item, error) {
	items, err := o.platform.ListItems(ctx, conversationID)
	if err != nil {
		return "", nil, transportErr("list items", err)
	}
	text, outputs := FinalOutput(items)
	return text, outputs, nil
}

// FinalOutput selects the most recent assistant message from items. Parts of
// one message share an item ID; text parts are joined with newlines.
func FinalOutput(items []platform.Item) (string, []platform.Item) {
	last := -1
	for i := len(items) - 1; i >= 0; i-- {
		if isAssistantContent(items[i]) {
			last = i
			break
		}
	}
	if last < 0 {
		return "", nil
	}

	// Walk back to the first part of the same message.
	first := last
	msgID := items[last].ID
	for first > 0 && msgID != "" && isAssistantContent(items[first-1]) && items[first-1].ID == msgID {
		first--
	}

	var (
		text    string
		outputs []platform.Item
	)
	for _, item := range items[first : last+1] {
		switch item.Kind {
		case platform.ItemText:
			if text != "" {
				text += "\n"
			}
			text += item.Text
		case platform.ItemImage, platform.ItemFile:
			outputs = append(outputs, item)
		case platform.ItemToolCallRequest, platform.ItemToolCallOutput:
		}
	}
	return text, outputs
}

func isAssistantContent(item platform.Item) bool {
	if item.Role != platform.RoleAssistant {
		return false
	}
	switch item.Kind {
	case platform.ItemText, platform.ItemImage, platform.ItemFile:
		return true
	default:
		return false
	}
}

// String is used by the CLI for one-line summaries.
func (r *TurnResult) String() string {
	return fmt.Sprintf("run %s: %d tool call(s), %d output(s)", r.RunID, r.ToolCalls, len(r.Outputs))
}
