package session

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// MemoryStore is a Store that keeps everything in memory.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]Conversation
	order         map[string]int
	turns         map[string][]Turn
	seq           int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[string]Conversation{},
		order:         map[string]int{},
		turns:         map[string][]Turn{},
	}
}

func (s *MemoryStore) AddConversation(_ context.Context, conv *Conversation) error {
	if conv.ID == "" {
		return ErrEmptyID
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.conversations[conv.ID] = *conv
	s.order[conv.ID] = s.seq
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	if id == "" {
		return nil, ErrEmptyID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &conv, nil
}

func (s *MemoryStore) ListConversations(context.Context) ([]*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := slices.SortedFunc(maps.Keys(s.conversations), func(a, b string) int {
		ca, cb := s.conversations[a], s.conversations[b]
		if c := cb.CreatedAt.Compare(ca.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(s.order[b], s.order[a])
	})
	convs := make([]*Conversation, 0, len(ids))
	for _, id := range ids {
		conv := s.conversations[id]
		convs = append(convs, &conv)
	}
	return convs, nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	if id == "" {
		return ErrEmptyID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(s.conversations, id)
	delete(s.order, id)
	delete(s.turns, id)
	return nil
}

func (s *MemoryStore) AddTurn(_ context.Context, turn *Turn) error {
	if err := prepareTurn(turn); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[turn.ConversationID]; !ok {
		return ErrNotFound
	}
	s.turns[turn.ConversationID] = append(s.turns[turn.ConversationID], *turn)
	return nil
}

func (s *MemoryStore) Turns(_ context.Context, conversationID string) ([]*Turn, error) {
	if conversationID == "" {
		return nil, ErrEmptyID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	turns := make([]*Turn, 0, len(s.turns[conversationID]))
	for _, turn := range s.turns[conversationID] {
		turns = append(turns, &turn)
	}
	return turns, nil
}
