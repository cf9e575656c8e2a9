// Package session records the conversations an agent service or CLI has
// driven and the outcome of every turn taken on them.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/docker/agentlab/pkg/platform"
	"github.com/docker/agentlab/pkg/runtime"
)

var (
	ErrEmptyID  = errors.New("conversation ID cannot be empty")
	ErrNotFound = errors.New("conversation not found")
)

// TurnStatus is the outcome of a recorded turn.
type TurnStatus string

const (
	TurnSuccess TurnStatus = "success"
	TurnError   TurnStatus = "error"
)

// Conversation is a platform conversation known to the store.
type Conversation struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent"`
	CreatedAt time.Time `json:"created_at"`
}

// Turn is one user turn and what came of it.
type Turn struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	UserText       string          `json:"user_text"`
	ResultText     string          `json:"result_text,omitempty"`
	Outputs        []platform.Item `json:"outputs,omitempty"`
	Status         TurnStatus      `json:"status"`
	Error          string          `json:"error,omitempty"`
	RunID          string          `json:"run_id,omitempty"`
	Elapsed        time.Duration   `json:"elapsed"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Store defines the interface for transcript storage
type Store interface {
	AddConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context) ([]*Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	AddTurn(ctx context.Context, turn *Turn) error
	Turns(ctx context.Context, conversationID string) ([]*Turn, error)
}

// NewTurn describes the outcome of a turn. res may be nil when err is set.
func NewTurn(conversationID, userText string, res *runtime.TurnResult, err error) *Turn {
	turn := &Turn{
		ConversationID: conversationID,
		UserText:       userText,
		Status:         TurnSuccess,
	}
	if res != nil {
		turn.ResultText = res.Text
		turn.Outputs = res.Outputs
		turn.RunID = res.RunID
		turn.Elapsed = res.Elapsed
	}
	if err != nil {
		turn.Status = TurnError
		turn.Error = err.Error()
	}
	return turn
}

// prepareTurn fills in the ID and creation time when missing.
func prepareTurn(turn *Turn) error {
	if turn.ConversationID == "" {
		return ErrEmptyID
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	if turn.Status == "" {
		turn.Status = TurnSuccess
	}
	return nil
}

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating session directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}

	// SQLite serializes writers; a single connection avoids "database is locked".
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	_, err = db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			user_text TEXT NOT NULL,
			result_text TEXT NOT NULL DEFAULT '',
			outputs TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			run_id TEXT NOT NULL DEFAULT '',
			elapsed_ms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS turns_conversation ON turns (conversation_id);
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating session tables: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// AddConversation records a new conversation
func (s *SQLiteStore) AddConversation(ctx context.Context, conv *Conversation) error {
	if conv.ID == "" {
		return ErrEmptyID
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO conversations (id, agent, created_at) VALUES (?, ?, ?)",
		conv.ID, conv.Agent, conv.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// GetConversation retrieves a conversation by ID
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	if id == "" {
		return nil, ErrEmptyID
	}

	row := s.db.QueryRowContext(ctx, "SELECT id, agent, created_at FROM conversations WHERE id = ?", id)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return conv, nil
}

// ListConversations returns every conversation, newest first
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, agent, created_at FROM conversations ORDER BY created_at DESC, rowid DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// DeleteConversation deletes a conversation and its turns
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptyID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM turns WHERE conversation_id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// AddTurn appends a turn to an existing conversation
func (s *SQLiteStore) AddTurn(ctx context.Context, turn *Turn) error {
	if err := prepareTurn(turn); err != nil {
		return err
	}
	if _, err := s.GetConversation(ctx, turn.ConversationID); err != nil {
		return err
	}

	outputs, err := json.Marshal(turn.Outputs)
	if err != nil {
		return fmt.Errorf("encoding turn outputs: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO turns (id, conversation_id, user_text, result_text, outputs, status, error, run_id, elapsed_ms, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		turn.ID, turn.ConversationID, turn.UserText, turn.ResultText, string(outputs), string(turn.Status), turn.Error, turn.RunID, turn.Elapsed.Milliseconds(), turn.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// Turns returns the turns of a conversation in the order they were added
func (s *SQLiteStore) Turns(ctx context.Context, conversationID string) ([]*Turn, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, conversation_id, user_text, result_text, outputs, status, error, run_id, elapsed_ms, created_at FROM turns WHERE conversation_id = ? ORDER BY rowid",
		conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		var (
			turn                Turn
			outputsJSON, status string
			createdAtStr        string
			elapsedMs           int64
		)
		if err := rows.Scan(&turn.ID, &turn.ConversationID, &turn.UserText, &turn.ResultText, &outputsJSON, &status, &turn.Error, &turn.RunID, &elapsedMs, &createdAtStr); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(outputsJSON), &turn.Outputs); err != nil {
			return nil, fmt.Errorf("decoding turn outputs: %w", err)
		}
		createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, err
		}
		turn.Status = TurnStatus(status)
		turn.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		turn.CreatedAt = createdAt
		turns = append(turns, &turn)
	}
	return turns, rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var (
		conv         Conversation
		createdAtStr string
	)
	if err := row.Scan(&conv.ID, &conv.Agent, &createdAtStr); err != nil {
		return nil, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, err
	}
	conv.CreatedAt = createdAt
	return &conv, nil
}
