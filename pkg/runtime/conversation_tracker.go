package runtime

import (
	"context"
	"sort"
	"sync"
	"time"
)

// conversationTracker serializes turns per conversation and keeps running
// totals for each conversation the orchestrator has seen.
type conversationTracker struct {
	mu              sync.Mutex                  // Guards rows.
	rows            map[string]*conversationRow // Rows keyed by conversation ID.
	nextCreateOrder int                         // Preserves first-seen order for snapshots.
}

type conversationRow struct {
	// turn holds one token while a turn is outstanding on the conversation.
	turn chan struct{}

	ConversationID string
	Agent          string
	Turns          int
	Failures       int
	ToolCalls      int
	Elapsed        time.Duration
	Active         bool

	createdOrder int
}

// ConversationStats is a read-only copy of a tracker row.
type ConversationStats struct {
	ConversationID string        `json:"conversation_id"`
	Agent          string        `json:"agent"`
	Turns          int           `json:"turns"`
	Failures       int           `json:"failures"`
	ToolCalls      int           `json:"tool_calls"`
	Elapsed        time.Duration `json:"elapsed"`
	Active         bool          `json:"active"`
}

func newConversationTracker() *conversationTracker {
	return &conversationTracker{
		rows: make(map[string]*conversationRow),
	}
}

func (t *conversationTracker) row(conversationID string) *conversationRow {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, ok := t.rows[conversationID]
	if !ok {
		row = &conversationRow{
			ConversationID: conversationID,
			turn:           make(chan struct{}, 1),
			createdOrder:   t.nextCreateOrder,
		}
		t.nextCreateOrder++
		t.rows[conversationID] = row
	}
	return row
}

// acquire blocks until no other turn is outstanding on the conversation or
// ctx is done. The returned function releases the turn.
func (t *conversationTracker) acquire(ctx context.Context, conversationID, agent string) (func(), error) {
	row := t.row(conversationID)

	select {
	case row.turn <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	t.mu.Lock()
	row.Active = true
	if agent != "" {
		row.Agent = agent
	}
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		row.Active = false
		t.mu.Unlock()
		<-row.turn
	}, nil
}

func (t *conversationTracker) record(conversationID string, toolCalls int, elapsed time.Duration, failed bool) {
	row := t.row(conversationID)

	t.mu.Lock()
	defer t.mu.Unlock()

	row.Turns++
	row.ToolCalls += toolCalls
	row.Elapsed += elapsed
	if failed {
		row.Failures++
	}
}

func (t *conversationTracker) snapshot() []ConversationStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	rows := make([]*conversationRow, 0, len(t.rows))
	for _, row := range t.rows {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].createdOrder < rows[j].createdOrder
	})

	stats := make([]ConversationStats, 0, len(rows))
	for _, row := range rows {
		stats = append(stats, ConversationStats{
			ConversationID: row.ConversationID,
			Agent:          row.Agent,
			Turns:          row.Turns,
			Failures:       row.Failures,
			ToolCalls:      row.ToolCalls,
			Elapsed:        row.Elapsed,
			Active:         row.Active,
		})
	}
	return stats
}
