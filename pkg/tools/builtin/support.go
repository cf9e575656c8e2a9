package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docker/agentlab/pkg/tools"
)

const (
	ToolNameCheckSystemStatus   = "check_system_status"
	ToolNameCreateSupportTicket = "create_support_ticket"
)

var (
	issueTypes = []string{"hardware", "software", "network", "access"}
	priorities = []string{"low", "medium", "high"}
)

type systemHealth struct {
	Status string
	Uptime string
	Issue  string
}

var systems = map[string]systemHealth{
	"email":   {Status: "operational", Uptime: "99.9%"},
	"vpn":     {Status: "degraded", Uptime: "95.2%", Issue: "Slow connection speeds"},
	"printer": {Status: "operational", Uptime: "98.5%"},
	"network": {Status: "operational", Uptime: "99.7%"},
}

type SystemStatusArgs struct {
	SystemName string `json:"system_name" jsonschema:"Name of the system to check, for example email, vpn or printer"`
}

type SystemStatus struct {
	System    string `json:"system"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
	Uptime    string `json:"uptime,omitempty"`
	Issue     string `json:"issue,omitempty"`
	Message   string `json:"message,omitempty"`
}

type CreateTicketArgs struct {
	IssueType   string `json:"issue_type" jsonschema:"Type of issue"`
	Description string `json:"description" jsonschema:"Detailed description of the issue"`
	Priority    string `json:"priority,omitempty" jsonschema:"Priority level"`
}

// Ticket is a support ticket.
type Ticket struct {
	ID          string    `json:"ticket_id"`
	IssueType   string    `json:"issue_type"`
	Description string    `json:"description"`
	Priority    string    `json:"priority"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

type TicketCreated struct {
	Ticket
	Message string `json:"message"`
}

type SupportTool struct {
	tools.BaseToolSet
	handler *supportHandler
}

var _ tools.ToolSet = (*SupportTool)(nil)

type SupportToolOption func(*supportHandler)

// WithSupportClock replaces the wall clock used for timestamps.
func WithSupportClock(now func() time.Time) SupportToolOption {
	return func(h *supportHandler) {
		h.now = now
	}
}

type supportHandler struct {
	mu       sync.Mutex
	store    TicketStore
	tickets  []Ticket
	loadOnce sync.Once
	now      func() time.Time
}

func NewSupportTool(store TicketStore, opts ...SupportToolOption) *SupportTool {
	h := &supportHandler{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return &SupportTool{handler: h}
}

// Tickets returns the tickets created so far, oldest first.
func (t *SupportTool) Tickets() []Ticket {
	t.handler.ensureLoaded()

	t.handler.mu.Lock()
	defer t.handler.mu.Unlock()
	return slices.Clone(t.handler.tickets)
}

func (h *supportHandler) ensureLoaded() {
	h.loadOnce.Do(func() {
		tickets, err := h.store.Load()
		if err != nil {
			slog.Error("Failed to load tickets from store", "error", err)
			return
		}

		h.mu.Lock()
		h.tickets = append(h.tickets, tickets...)
		h.mu.Unlock()

		if len(tickets) > 0 {
			slog.Debug("Loaded tickets from store", "count", len(tickets))
		}
	})
}

func (h *supportHandler) checkSystemStatus(_ context.Context, args SystemStatusArgs) (*tools.ToolCallResult, error) {
	status := SystemStatus{
		System:    args.SystemName,
		Timestamp: h.now().Format(time.RFC3339),
	}

	health, ok := systems[strings.ToLower(strings.TrimSpace(args.SystemName))]
	if ok {
		status.Status = health.Status
		status.Uptime = health.Uptime
		status.Issue = health.Issue
	} else {
		status.Status = "unknown"
		status.Message = "System not found in monitoring"
	}
	return tools.ResultJSON(status)
}

func (h *supportHandler) createTicket(_ context.Context, args CreateTicketArgs) (*tools.ToolCallResult, error) {
	issueType := strings.ToLower(strings.TrimSpace(args.IssueType))
	if !slices.Contains(issueTypes, issueType) {
		return resultErrorJSON(fmt.Sprintf("invalid issue_type %q: expected one of %s", args.IssueType, strings.Join(issueTypes, ", ")))
	}
	if strings.TrimSpace(args.Description) == "" {
		return resultErrorJSON("description is required")
	}
	priority := strings.ToLower(strings.TrimSpace(args.Priority))
	if priority == "" {
		priority = "medium"
	}
	if !slices.Contains(priorities, priority) {
		return resultErrorJSON(fmt.Sprintf("invalid priority %q: expected one of %s", args.Priority, strings.Join(priorities, ", ")))
	}

	h.ensureLoaded()

	h.mu.Lock()
	defer h.mu.Unlock()

	ticket := Ticket{
		ID:          h.newTicketID(),
		IssueType:   issueType,
		Description: args.Description,
		Priority:    priority,
		Status:      "open",
		CreatedAt:   h.now().UTC(),
	}
	tickets := append(slices.Clone(h.tickets), ticket)
	if err := h.store.Save(tickets); err != nil {
		return nil, fmt.Errorf("saving ticket: %w", err)
	}
	h.tickets = tickets

	slog.Debug("Created support ticket", "ticket", ticket.ID, "priority", ticket.Priority)
	return tools.ResultJSON(TicketCreated{
		Ticket:  ticket,
		Message: fmt.Sprintf("Support ticket %s has been created successfully", ticket.ID),
	})
}

// newTicketID returns an unused TICKET-nnnnn identifier. Must be called
// with h.mu held.
func (h *supportHandler) newTicketID() string {
	for {
		id := fmt.Sprintf("TICKET-%d", 10000+uuid.New().ID()%90000)
		if !slices.ContainsFunc(h.tickets, func(t Ticket) bool { return t.ID == id }) {
			return id
		}
	}
}

func (t *SupportTool) Tools(context.Context) ([]tools.Tool, error) {
	createParams := withEnum(tools.MustSchemaFor[CreateTicketArgs](), "issue_type", issueTypes...)
	createParams = withEnum(createParams, "priority", priorities...)
	createParams = withDefault(createParams, "priority", json.RawMessage(`"medium"`))

	return []tools.Tool{
		{
			Name:        ToolNameCheckSystemStatus,
			Category:    "support",
			Description: "Check the status of a system or service.",
			Parameters:  tools.MustSchemaFor[SystemStatusArgs](),
			Handler:     tools.NewHandler(t.handler.checkSystemStatus),
			Annotations: tools.ToolAnnotations{Title: "Check System Status", ReadOnlyHint: true},
		},
		{
			Name:        ToolNameCreateSupportTicket,
			Category:    "support",
			Description: "Create a support ticket for an IT issue.",
			Parameters:  createParams,
			Handler:     tools.NewHandler(t.handler.createTicket),
			Annotations: tools.ToolAnnotations{Title: "Create Support Ticket"},
		},
	}, nil
}
