// Package platform defines the boundary between the run orchestrator and a
// remote conversational-agent platform: conversations made of items, runs
// that execute an agent over a conversation, and tool-call round trips.
package platform

import (
	"context"
	"errors"
	"fmt"
)

// Role of a message item.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ItemKind discriminates the content of an Item.
type ItemKind string

const (
	ItemText            ItemKind = "text"
	ItemToolCallRequest ItemKind = "tool_call_request"
	ItemToolCallOutput  ItemKind = "tool_call_output"
	ItemImage           ItemKind = "image"
	ItemFile            ItemKind = "file"
)

// Item is one entry of a conversation. Exactly the fields matching Kind are
// meaningful:
//
//	ItemText            Text
//	ItemToolCallRequest ToolCall
//	ItemToolCallOutput  ToolOutput
//	ItemImage           FileID or URL
//	ItemFile            FileID
type Item struct {
	ID         string           `json:"id,omitempty"`
	Kind       ItemKind         `json:"kind"`
	Role       Role             `json:"role,omitempty"`
	RunID      string           `json:"run_id,omitempty"`
	Text       string           `json:"text,omitempty"`
	ToolCall   *ToolCallRequest `json:"tool_call,omitempty"`
	ToolOutput *ToolCallResult  `json:"tool_output,omitempty"`
	FileID     string           `json:"file_id,omitempty"`
	URL        string           `json:"url,omitempty"`
}

// UserMessage builds the item appended at the start of a turn.
func UserMessage(text string) Item {
	return Item{Kind: ItemText, Role: RoleUser, Text: text}
}

// ToolOutputItem builds the item recording a tool result.
func ToolOutputItem(result ToolCallResult) Item {
	return Item{Kind: ItemToolCallOutput, ToolOutput: &result}
}

// Validate reports whether the fields required by Kind are present.
func (i Item) Validate() error {
	switch i.Kind {
	case ItemText:
		if i.Role != RoleUser && i.Role != RoleAssistant {
			return fmt.Errorf("text item has invalid role %q", i.Role)
		}
		return nil
	case ItemToolCallRequest:
		if i.ToolCall == nil || i.ToolCall.ID == "" {
			return errors.New("tool call request item needs a call id")
		}
		return nil
	case ItemToolCallOutput:
		if i.ToolOutput == nil || i.ToolOutput.CallID == "" {
			return errors.New("tool call output item must reference a call id")
		}
		return nil
	case ItemImage:
		if i.FileID == "" && i.URL == "" {
			return errors.New("image item needs a file id or url")
		}
		return nil
	case ItemFile:
		if i.FileID == "" {
			return errors.New("file item needs a file id")
		}
		return nil
	default:
		return fmt.Errorf("unknown item kind %q", i.Kind)
	}
}

// RunStatus is the status of a remote run.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelling     RunStatus = "cancelling"
	RunCancelled      RunStatus = "cancelled"
	RunExpired        RunStatus = "expired"
	RunIncomplete     RunStatus = "incomplete"
)

// Terminal reports whether no further transition can happen.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunExpired, RunIncomplete:
		return true
	default:
		return false
	}
}

// ToolCallRequest is a call the platform asks the client to execute.
// Arguments holds whatever the platform sent: usually raw JSON text, on some
// API versions an already decoded object.
type ToolCallRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments any    `json:"arguments"`
}

// ToolCallResult answers the ToolCallRequest with the same ID.
type ToolCallResult struct {
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// RunError is the error detail attached to a failed run.
type RunError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Run is a snapshot of a remote run.
type Run struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Status         RunStatus         `json:"status"`
	RequiredAction []ToolCallRequest `json:"required_action,omitempty"`
	Error          *RunError         `json:"error,omitempty"`
}

// AgentRef identifies the agent (and optionally version) a run executes.
type AgentRef struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

func (r AgentRef) String() string {
	if r.Name == "" {
		return r.ID
	}
	if r.Version == "" {
		return r.Name
	}
	return r.Name + "@" + r.Version
}

// FunctionDef declares a locally executed function to the platform.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// AgentDefinition is what the platform stores for an agent.
type AgentDefinition struct {
	ID           string        `json:"id,omitempty"`
	Name         string        `json:"name"`
	Version      string        `json:"version,omitempty"`
	Model        string        `json:"model"`
	Instructions string        `json:"instructions"`
	Functions    []FunctionDef `json:"functions,omitempty"`
	// CodeInterpreter and FileSearch enable platform-resolved tools that need
	// no local registry entry.
	CodeInterpreter bool `json:"code_interpreter,omitempty"`
	FileSearch      bool `json:"file_search,omitempty"`
}

// Ref returns the reference used to start runs against the agent.
func (d AgentDefinition) Ref() AgentRef {
	return AgentRef{ID: d.ID, Name: d.Name, Version: d.Version}
}

// Platform is the remote conversational-agent service.
//
// Implementations report network and authentication failures as
// *TransportError.
type Platform interface {
	CreateConversation(ctx context.Context) (string, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	AppendItem(ctx context.Context, conversationID string, item Item) error
	SubmitRun(ctx context.Context, conversationID string, agent AgentRef) (string, error)
	GetRun(ctx context.Context, conversationID, runID string) (*Run, error)
	SubmitToolOutputs(ctx context.Context, conversationID, runID string, outputs []ToolCallResult) error
	ListItems(ctx context.Context, conversationID string) ([]Item, error)
	CancelRun(ctx context.Context, conversationID, runID string) error
}

// AgentManager is implemented by platforms that can store agent definitions.
type AgentManager interface {
	CreateAgent(ctx context.Context, def AgentDefinition) (AgentDefinition, error)
	DeleteAgent(ctx context.Context, agentID string) error
}
