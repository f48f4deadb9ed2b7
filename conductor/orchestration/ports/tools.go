package conductorports

import (
	"context"
	"encoding/json"
)

// ToolSpec describes a callable tool exposed to the reasoning service.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	JSONSchema  []byte `json:"schema,omitempty"`
	// Cacheable marks read/search tools whose results may be served from cache.
	Cacheable bool `json:"-"`
	// Capability an agent must hold to use the tool; empty means any agent.
	Capability string `json:"-"`
}

// ToolCall represents a tool invocation with JSON arguments.
type ToolCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"arguments"`
}

// Tool defines the runtime that executes a tool call.
type Tool interface {
	Name() string
	Schema() []byte
	Invoke(ctx context.Context, args json.RawMessage) (any, error)
}

// ToolExecutor is the tool-execution collaborator.
type ToolExecutor interface {
	Execute(ctx context.Context, call ToolCall) (string, error)
	Describe(name string) (ToolSpec, bool)
	Specs() []ToolSpec
}
