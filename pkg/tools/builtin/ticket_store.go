package builtin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/natefinch/atomic"
)

const ticketFileVersion = 1

// TicketFile is the on-disk layout of a FileTicketStore.
type TicketFile struct {
	Version int      `json:"version"`
	Tickets []Ticket `json:"tickets"`
}

// TicketStore persists support tickets.
type TicketStore interface {
	// Load returns every ticket, or an empty slice when none exist.
	Load() ([]Ticket, error)
	Save(tickets []Ticket) error
}

// FileTicketStore keeps tickets in one JSON file, replaced atomically on
// every save.
type FileTicketStore struct {
	path string
	mu   sync.RWMutex
}

func NewFileTicketStore(path string) *FileTicketStore {
	return &FileTicketStore{path: path}
}

func (s *FileTicketStore) Path() string {
	return s.path
}

func (s *FileTicketStore) Load() ([]Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Ticket{}, nil
		}
		return nil, fmt.Errorf("reading ticket file: %w", err)
	}

	var file TicketFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing ticket file: %w", err)
	}
	return file.Tickets, nil
}

func (s *FileTicketStore) Save(tickets []Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating ticket directory: %w", err)
	}

	data, err := json.MarshalIndent(TicketFile{
		Version: ticketFileVersion,
		Tickets: tickets,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling tickets: %w", err)
	}

	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing ticket file: %w", err)
	}
	return nil
}

// MemoryTicketStore keeps tickets for the lifetime of the process.
type MemoryTicketStore struct {
	mu      sync.Mutex
	tickets []Ticket
}

func NewMemoryTicketStore() *MemoryTicketStore {
	return &MemoryTicketStore{}
}

func (s *MemoryTicketStore) Load() ([]Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Ticket{}, s.tickets...), nil
}

func (s *MemoryTicketStore) Save(tickets []Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets = slices.Clone(tickets)
	return nil
}
