package conductorports

import (
	"context"
)

// Conversation roles.
const (
	RoleUser   = "user"
	RoleAgent  = "agent"
	RoleSystem = "system"
	RoleTool   = "tool"
)

// PromptMessage represents a single chat message used to build prompts.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PromptInput aggregates everything the reasoning service needs to produce a completion.
type PromptInput struct {
	System   string            `json:"system"`
	Messages []PromptMessage   `json:"messages"` // already compacted
	Tools    []ToolSpec        `json:"tools,omitempty"`
	Meta     map[string]string `json:"-"` // tracing only, never part of cache keys
}

// Options controls sampling and limits for a single call.
type Options struct {
	MaxNewTokens int
	Temperature  float32
	Seed         int
	// ToolChoice: "auto" | "none"
	ToolChoice string
}

// Usage captures token accounting for cost/telemetry.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Completion is the reasoning service response: text, tool proposals, or both.
type Completion struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
}

// Provider is the abstraction for the external reasoning service.
type Provider interface {
	Complete(ctx context.Context, in PromptInput, opts Options) (Completion, error)
}
