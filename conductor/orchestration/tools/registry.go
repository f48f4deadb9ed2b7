// Package tools provides the tool registry and the sandboxed workspace tool set.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/armon/go-radix"

	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

// Described is implemented by tools that publish a full spec.
type Described interface {
	Spec() ports.ToolSpec
}

type registered struct {
	tool ports.Tool
	spec ports.ToolSpec
}

// Registry implements ports.ToolExecutor over a set of tools.
// Tools are indexed by name and by capability so hierarchical capability prefixes ("fs") find every "fs.*" tool.
type Registry struct {
	mu           sync.RWMutex
	byName       *radix.Tree
	byCapability *radix.Tree
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: radix.New(), byCapability: radix.New()}
}

// Register adds t. Names must be unique.
func (r *Registry) Register(t ports.Tool) error {
	spec := ports.ToolSpec{Name: t.Name(), JSONSchema: t.Schema()}
	if d, ok := t.(Described); ok {
		spec = d.Spec()
	}
	if spec.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if spec.Name != t.Name() {
		return fmt.Errorf("tool %s publishes spec for %s", t.Name(), spec.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName.Get(spec.Name); exists {
		return fmt.Errorf("tool %s already registered", spec.Name)
	}
	r.byName.Insert(spec.Name, registered{tool: t, spec: spec})
	r.byCapability.Insert(spec.Capability+"/"+spec.Name, spec)
	return nil
}

// RegisterWorkspace adds the workspace tool set. readOnly leaves out write_file.
func (r *Registry) RegisterWorkspace(ws *Workspace, readOnly bool) error {
	tools := []ports.Tool{
		NewReadFileTool(ws),
		NewListDirTool(ws),
		NewSearchTool(ws),
		NewFileStatTool(ws),
	}
	if !readOnly {
		tools = append(tools, NewWriteFileTool(ws))
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Execute invokes the named tool. Non-string results are rendered as JSON.
func (r *Registry) Execute(ctx context.Context, call ports.ToolCall) (string, error) {
	r.mu.RLock()
	v, ok := r.byName.Get(call.Name)
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool %s", call.Name)
	}

	args := call.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	out, err := v.(registered).tool.Invoke(ctx, args)
	if err != nil {
		return "", err
	}
	switch o := out.(type) {
	case string:
		return o, nil
	case []byte:
		return string(o), nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s result: %w", call.Name, err)
	}
	return string(raw), nil
}

// Describe returns the spec of a registered tool.
func (r *Registry) Describe(name string) (ports.ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.byName.Get(name)
	if !ok {
		return ports.ToolSpec{}, false
	}
	return v.(registered).spec, true
}

// Specs returns every spec sorted by name.
func (r *Registry) Specs() []ports.ToolSpec {
	return r.WithPrefix("")
}

// WithPrefix returns the specs whose name starts with prefix, sorted by name.
func (r *Registry) WithPrefix(prefix string) []ports.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ports.ToolSpec
	r.byName.WalkPrefix(prefix, func(_ string, v interface{}) bool {
		out = append(out, v.(registered).spec)
		return false
	})
	return out
}

// ByCapability returns the specs whose capability equals or is nested under capability.
// "fs" matches "fs", "fs.read" and "fs.write" but not "fsck".
func (r *Registry) ByCapability(capability string) []ports.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ports.ToolSpec
	r.byCapability.WalkPrefix(capability, func(key string, v interface{}) bool {
		rest := key[len(capability):]
		if capability == "" || len(rest) > 0 && (rest[0] == '/' || rest[0] == '.') {
			out = append(out, v.(ports.ToolSpec))
		}
		return false
	})
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName.Len()
}

var _ ports.ToolExecutor = (*Registry)(nil)
