// Package agents creates, versions and deletes agent definitions on the
// platform and remembers them in a local state file.
package agents

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/docker/agentlab/pkg/platform"
)

// ErrNotFound is returned for agent names with no record.
var ErrNotFound = errors.New("agent not found")

// DefaultStatePath returns the state file used when none is configured.
func DefaultStatePath(dataDir string) string {
	return filepath.Join(dataDir, "agents.json")
}

// Manager tracks the agents it creates on a platform.
type Manager struct {
	platform platform.AgentManager
	path     string
	now      func() time.Time

	mu sync.Mutex
}

type Opt func(*Manager)

func WithClock(now func() time.Time) Opt {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(p platform.AgentManager, statePath string, opts ...Opt) *Manager {
	m := &Manager{
		platform: p,
		path:     statePath,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create stores def on the platform under the next version of its name, or
// def.Version when set. An existing agent with the same name is replaced
// in the state file but left on the platform.
func (m *Manager) Create(ctx context.Context, def platform.AgentDefinition) (Record, error) {
	if def.Name == "" {
		return Record{}, errors.New("agent name is required")
	}
	if def.Version != "" && !IsValidVersion(def.Version) {
		return Record{}, fmt.Errorf("invalid agent version %q", def.Version)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := loadState(m.path)
	if err != nil {
		return Record{}, err
	}

	version, source, counter := state.nextVersion(def.Name, def.Version)
	def.Version = version

	created, err := m.platform.CreateAgent(ctx, def)
	if err != nil {
		return Record{}, fmt.Errorf("creating agent %s: %w", def.Name, err)
	}

	record := Record{
		Name:      def.Name,
		ID:        created.ID,
		Version:   version,
		Source:    source,
		Model:     def.Model,
		CreatedAt: m.now().UTC(),
	}
	state.Counters[def.Name] = counter
	state.Agents[def.Name] = record

	if err := saveState(m.path, state); err != nil {
		return record, fmt.Errorf("agent %s created as %s but state not saved: %w", def.Name, created.ID, err)
	}

	slog.Info("Created agent", "name", def.Name, "id", created.ID, "version", version)
	return record, nil
}

// Get returns the record for name.
func (m *Manager) Get(name string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := loadState(m.path)
	if err != nil {
		return Record{}, err
	}
	record, ok := state.Agents[name]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return record, nil
}

// List returns every recorded agent sorted by name.
func (m *Manager) List() ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := loadState(m.path)
	if err != nil {
		return nil, err
	}
	return sortedRecords(state), nil
}

// Delete removes the agent from the platform and from the state file.
func (m *Manager) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := loadState(m.path)
	if err != nil {
		return err
	}
	record, ok := state.Agents[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if err := m.deleteRemote(ctx, record); err != nil {
		return err
	}

	delete(state.Agents, name)
	return saveState(m.path, state)
}

// DeleteAll removes every recorded agent. It keeps going after a failure
// and returns every error joined.
func (m *Manager) DeleteAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := loadState(m.path)
	if err != nil {
		return err
	}

	var errs []error
	for _, record := range sortedRecords(state) {
		if err := m.deleteRemote(ctx, record); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(state.Agents, record.Name)
	}

	if err := saveState(m.path, state); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Manager) deleteRemote(ctx context.Context, record Record) error {
	err := m.platform.DeleteAgent(ctx, record.ID)
	switch {
	case err == nil:
		slog.Info("Deleted agent", "name", record.Name, "id", record.ID)
		return nil
	case errors.Is(err, platform.ErrNotFound):
		slog.Warn("Agent already gone from platform", "name", record.Name, "id", record.ID)
		return nil
	default:
		return fmt.Errorf("deleting agent %s: %w", record.Name, err)
	}
}

func sortedRecords(state *State) []Record {
	return slices.SortedFunc(maps.Values(state.Agents), func(a, b Record) int {
		return cmp.Compare(a.Name, b.Name)
	})
}
