// Package builtin holds the local business tools: inventory, office hours
// and IT support.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/docker/agentlab/pkg/tools"
)

// Options configures the builtin toolsets.
type Options struct {
	Inventory []Product
	Tickets   TicketStore
	Office    []OfficeToolOption
	Support   []SupportToolOption
}

// Names of the builtin toolsets, as used in configuration files.
const (
	ToolsetInventory = "inventory"
	ToolsetOffice    = "office"
	ToolsetSupport   = "support"
)

// ToolsetNames lists the builtin toolsets in registration order.
func ToolsetNames() []string {
	return []string{ToolsetInventory, ToolsetOffice, ToolsetSupport}
}

// NewToolset returns the builtin toolset called name.
func NewToolset(name string, opts Options) (tools.ToolSet, error) {
	switch name {
	case ToolsetInventory:
		return NewInventoryTool(opts.Inventory...), nil
	case ToolsetOffice:
		return NewOfficeTool(opts.Office...), nil
	case ToolsetSupport:
		tickets := opts.Tickets
		if tickets == nil {
			tickets = NewMemoryTicketStore()
		}
		return NewSupportTool(tickets, opts.Support...), nil
	default:
		return nil, fmt.Errorf("unknown builtin toolset %q", name)
	}
}

// Toolsets returns every builtin toolset.
func Toolsets(opts Options) []tools.ToolSet {
	var sets []tools.ToolSet
	for _, name := range ToolsetNames() {
		ts, _ := NewToolset(name, opts)
		sets = append(sets, ts)
	}
	return sets
}

// NewRegistry registers every builtin tool in a fresh registry.
func NewRegistry(ctx context.Context, opts Options, registryOpts ...tools.RegistryOption) (*tools.Registry, error) {
	r := tools.NewRegistry(registryOpts...)
	for _, ts := range Toolsets(opts) {
		if err := r.AddToolSet(ctx, ts); err != nil {
			return nil, fmt.Errorf("registering builtin tools: %w", err)
		}
	}
	return r, nil
}

type errorOutput struct {
	Error string `json:"error"`
}

// resultErrorJSON reports a domain error to the model as {"error": msg}.
func resultErrorJSON(msg string) (*tools.ToolCallResult, error) {
	buf, err := json.Marshal(errorOutput{Error: msg})
	if err != nil {
		return nil, err
	}
	return tools.ResultError(string(buf)), nil
}

// withEnum restricts a string property of an inferred schema.
func withEnum(schema any, property string, values ...string) any {
	s, ok := schema.(*jsonschema.Schema)
	if !ok {
		return schema
	}
	prop, ok := s.Properties[property]
	if !ok {
		return schema
	}
	for _, v := range values {
		prop.Enum = append(prop.Enum, v)
	}
	return s
}

func withDefault(schema any, property string, value json.RawMessage) any {
	s, ok := schema.(*jsonschema.Schema)
	if !ok {
		return schema
	}
	if prop, ok := s.Properties[property]; ok {
		prop.Default = value
	}
	return s
}
