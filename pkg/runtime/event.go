package runtime

import (
	"github.com/docker/agentlab/pkg/platform"
)

type EventType string

const (
	EventRunSubmitted  EventType = "run_submitted"
	EventRunStatus     EventType = "run_status"
	EventToolCall      EventType = "tool_call"
	EventToolResponse  EventType = "tool_response"
	EventOutputsSent   EventType = "tool_outputs_submitted"
	EventTurnCompleted EventType = "turn_completed"
	EventTurnFailed    EventType = "turn_failed"
)

// Event reports progress of a turn. Handlers run synchronously on the
// polling goroutine and must not block.
type Event struct {
	Type           EventType
	ConversationID string
	RunID          string
	Status         platform.RunStatus
	ToolCall       *platform.ToolCallRequest
	Output         string
	Err            error
}

// EventHandler receives turn events.
type EventHandler func(Event)
