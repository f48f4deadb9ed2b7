package conductorports

import (
	"context"
	"sort"
)

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentIdle   AgentStatus = "idle"
	AgentActive AgentStatus = "active"
)

// AgentDescriptor describes one agent worker.
type AgentDescriptor struct {
	ID           string              `json:"id"`
	Capabilities map[string]struct{} `json:"-"`
	Status       AgentStatus         `json:"status"`
	CurrentTask  *string             `json:"current_task,omitempty"`
}

// NewAgentDescriptor returns an idle agent holding the given capabilities.
func NewAgentDescriptor(id string, capabilities ...string) AgentDescriptor {
	caps := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		caps[c] = struct{}{}
	}
	return AgentDescriptor{ID: id, Capabilities: caps, Status: AgentIdle}
}

// Can reports whether the agent may use a tool requiring capability.
// Agents without a declared capability set are unrestricted.
func (a AgentDescriptor) Can(capability string) bool {
	if capability == "" || len(a.Capabilities) == 0 {
		return true
	}
	_, ok := a.Capabilities[capability]
	return ok
}

// CapabilityList returns the capability set sorted.
func (a AgentDescriptor) CapabilityList() []string {
	out := make([]string, 0, len(a.Capabilities))
	for c := range a.Capabilities {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// AgentDirectory resolves agents for eligibility checks.
type AgentDirectory interface {
	Agent(ctx context.Context, agentID string) (AgentDescriptor, bool)
}
