package cache

import (
	"github.com/ZanzyTHEbar/agent-conductor/conductor/config"
)

// Registry owns the three process-wide caches. Construct once and inject.
type Registry struct {
	contextCompression *LRU
	toolResult         *LRU
	agentState         *LRU
}

// NewRegistry builds the caches from configuration.
func NewRegistry(cfg config.CacheConfig, opts ...Option) *Registry {
	return &Registry{
		contextCompression: NewLRU(NamespaceContext, cfg.Context.Capacity, cfg.Context.TTL, opts...),
		toolResult:         NewLRU(NamespaceTool, cfg.Tool.Capacity, cfg.Tool.TTL, opts...),
		agentState:         NewLRU(NamespaceAgent, cfg.Agent.Capacity, cfg.Agent.TTL, opts...),
	}
}

// ContextCompression caches compacted context and reasoning exchanges keyed by prompt hash.
func (r *Registry) ContextCompression() *LRU { return r.contextCompression }

// ToolResult caches outputs of cacheable tools.
func (r *Registry) ToolResult() *LRU { return r.toolResult }

// AgentState caches derived workflow/agent state in front of persistence.
func (r *Registry) AgentState() *LRU { return r.agentState }

// Stats returns counters for all namespaces.
func (r *Registry) Stats() []Stats {
	return []Stats{
		r.contextCompression.Stats(),
		r.toolResult.Stats(),
		r.agentState.Stats(),
	}
}
