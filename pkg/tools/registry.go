package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/docker/agentlab/pkg/platform"
)

// ErrToolNotFound is returned by Invoke when no tool has the requested name.
var ErrToolNotFound = errors.New("tool not found")

// Registry maps tool names to local tools. Registration order is preserved so
// that function declarations sent to the platform are stable.
//
// A Registry is safe for concurrent use. During a turn it is only read.
type Registry struct {
	mu       sync.RWMutex
	tools    *orderedmap.OrderedMap[string, Tool]
	toolsets []ToolSet
	validate bool
}

type RegistryOption func(*Registry)

// WithSchemaValidation validates arguments against each tool's Parameters
// schema before invoking its handler.
func WithSchemaValidation() RegistryOption {
	return func(r *Registry) {
		r.validate = true
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools: orderedmap.New[string, Tool](),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds tools. Names must be unique across the registry.
func (r *Registry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range tools {
		if t.Name == "" {
			return errors.New("tool name cannot be empty")
		}
		if t.Handler == nil {
			return fmt.Errorf("tool %q has no handler", t.Name)
		}
		if _, exists := r.tools.Get(t.Name); exists {
			return fmt.Errorf("tool %q already registered", t.Name)
		}
		r.tools.Set(t.Name, t)
	}
	return nil
}

// AddToolSet starts ts if it needs starting and registers its tools. The
// registry owns the toolset afterwards and stops it on Close.
func (r *Registry) AddToolSet(ctx context.Context, ts ToolSet) error {
	if startable, ok := ts.(Startable); ok {
		if err := startable.Start(ctx); err != nil {
			return fmt.Errorf("starting toolset: %w", err)
		}
	}

	list, err := ts.Tools(ctx)
	if err != nil {
		return fmt.Errorf("listing tools: %w", err)
	}
	if err := r.Register(list...); err != nil {
		return err
	}

	r.mu.Lock()
	r.toolsets = append(r.toolsets, ts)
	r.mu.Unlock()

	slog.Debug("Registered toolset", "tools", len(list))
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools.Get(name)
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, r.tools.Len())
	for pair := r.tools.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Tools returns a snapshot of the registered tools in registration order.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Tool, 0, r.tools.Len())
	for pair := r.tools.Oldest(); pair != nil; pair = pair.Next() {
		list = append(list, pair.Value)
	}
	return list
}

// FunctionDefinitions declares every registered tool as a platform function,
// in registration order.
func (r *Registry) FunctionDefinitions() ([]platform.FunctionDef, error) {
	list := r.Tools()
	defs := make([]platform.FunctionDef, 0, len(list))
	for _, t := range list {
		params, err := SchemaToMap(t.Parameters)
		if err != nil {
			return nil, fmt.Errorf("converting schema of %s: %w", t.Name, err)
		}
		defs = append(defs, platform.FunctionDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return defs, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools.Len()
}

// Invoke runs the named tool. raw may be a JSON string or an already decoded
// object; it is normalized, stripped of nulls and optionally validated before
// the handler sees it.
func (r *Registry) Invoke(ctx context.Context, callID, name string, raw any) (*ToolCallResult, error) {
	tool, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	args, err := NormalizeArguments(raw)
	if err != nil {
		return nil, err
	}
	args = StripNulls(args)

	if r.validate {
		if err := ValidateArguments(tool.Parameters, args); err != nil {
			return nil, err
		}
	}

	buf, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding tool arguments: %w", err)
	}

	result, err := tool.Handler(ctx, ToolCall{
		ID:   callID,
		Type: "function",
		Function: FunctionCall{
			Name:      name,
			Arguments: string(buf),
		},
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return ResultSuccess(""), nil
	}
	return result, nil
}

// Close stops every toolset added with AddToolSet.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	toolsets := r.toolsets
	r.toolsets = nil
	r.mu.Unlock()

	var errs []error
	for _, ts := range toolsets {
		if startable, ok := ts.(Startable); ok {
			if err := startable.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
