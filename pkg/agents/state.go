package agents

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/natefinch/atomic"
)

// Source tells where an agent version came from.
type Source string

const (
	SourceExplicit Source = "explicit"
	SourceCounter  Source = "counter"
)

const stateFileVersion = 1

// Record is one agent created on the platform.
type Record struct {
	Name      string    `json:"name"`
	ID        string    `json:"id"`
	Version   string    `json:"version"`
	Source    Source    `json:"source"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// State is the persisted lifecycle state. Counters survive deletion so
// a recreated agent never reuses a version.
type State struct {
	Version  int               `json:"version"`
	Counters map[string]int    `json:"counters"`
	Agents   map[string]Record `json:"agents"`
}

func newState() *State {
	return &State{
		Version:  stateFileVersion,
		Counters: map[string]int{},
		Agents:   map[string]Record{},
	}
}

// nextVersion returns the version the next agent called name gets, and
// the counter to store once it is created.
func (s *State) nextVersion(name, explicit string) (string, Source, int) {
	counter := s.Counters[name]
	if explicit != "" {
		return explicit, SourceExplicit, counter
	}
	counter++
	return "v" + strconv.Itoa(counter), SourceCounter, counter
}

func loadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return newState(), nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	state := newState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	if state.Counters == nil {
		state.Counters = map[string]int{}
	}
	if state.Agents == nil {
		state.Agents = map[string]Record{}
	}
	return state, nil
}

func saveState(path string, state *State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	return atomic.WriteFile(path, bytes.NewReader(data))
}

// IsValidVersion checks that an explicit version can be stored as
// metadata: not empty and no whitespace.
func IsValidVersion(version string) bool {
	return version != "" && !strings.ContainsAny(version, " \t\r\n")
}

// FormatForDisplay formats the version with its source.
func (r Record) FormatForDisplay() string {
	switch r.Source {
	case SourceExplicit:
		return fmt.Sprintf("%s (explicit)", r.Version)
	case SourceCounter:
		return fmt.Sprintf("%s (auto-incremented)", r.Version)
	default:
		return r.Version
	}
}
