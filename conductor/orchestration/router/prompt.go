package router

import (
	"strings"

	"github.com/ZanzyTHEbar/agent-conductor/conductor/cache"
	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

// PromptBuilder assembles reasoning inputs from the compacted window.
type PromptBuilder struct {
	system string
}

func NewPromptBuilder(system string) *PromptBuilder { return &PromptBuilder{system: system} }

// Build normalizes whitespace so equal conversations hash to the same cache key.
func (b *PromptBuilder) Build(window []ports.PromptMessage, tools []ports.ToolSpec, meta map[string]string) ports.PromptInput {
	msgs := make([]ports.PromptMessage, len(window))
	for i, m := range window {
		msgs[i] = ports.PromptMessage{Role: m.Role, Content: normalize(m.Content)}
	}
	return ports.PromptInput{
		System:   normalize(b.system),
		Messages: msgs,
		Tools:    tools,
		Meta:     meta,
	}
}

func normalize(s string) string { return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n")) }

// promptKey hashes everything sent to the reasoning service except Meta.
func promptKey(in ports.PromptInput) string {
	parts := make([]string, 0, 2+2*len(in.Messages)+len(in.Tools))
	parts = append(parts, in.System)
	for _, m := range in.Messages {
		parts = append(parts, m.Role, m.Content)
	}
	for _, t := range in.Tools {
		parts = append(parts, "tool:"+t.Name)
	}
	return cache.NamespaceContext.Key("exchange:" + cache.Hash(parts...))
}

// EstimateTokens is a rough heuristic: ~4 chars per token.
func EstimateTokens(s string) int {
	l := len(s)
	if l == 0 {
		return 0
	}
	return (l + 3) / 4
}

func estimatePrompt(in ports.PromptInput) int {
	n := EstimateTokens(in.System)
	for _, m := range in.Messages {
		n += EstimateTokens(m.Content) + 1
	}
	for _, t := range in.Tools {
		n += EstimateTokens(t.Name) + EstimateTokens(t.Description) + EstimateTokens(string(t.JSONSchema))
	}
	return n
}
