package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/keylock"
	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

func agentKey(id string) string { return fmt.Sprintf("agent:%s", id) }

// agentRecord is the persisted shape of an AgentDescriptor.
type agentRecord struct {
	ID           string            `json:"id"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Status       ports.AgentStatus `json:"status"`
	CurrentTask  *string           `json:"current_task,omitempty"`
}

func toRecord(a ports.AgentDescriptor) agentRecord {
	return agentRecord{ID: a.ID, Capabilities: a.CapabilityList(), Status: a.Status, CurrentTask: a.CurrentTask}
}

func (r agentRecord) descriptor() ports.AgentDescriptor {
	d := ports.NewAgentDescriptor(r.ID, r.Capabilities...)
	if r.Status != "" {
		d.Status = r.Status
	}
	d.CurrentTask = r.CurrentTask
	return d
}

// AgentRegistry holds agent descriptors. Agents are persisted so a restarted process sees the same registry.
type AgentRegistry struct {
	kv    ports.KVStore
	locks *keylock.Map

	mu     sync.RWMutex
	agents map[string]ports.AgentDescriptor
}

// NewAgentRegistry creates a registry backed by kv.
func NewAgentRegistry(kv ports.KVStore) *AgentRegistry {
	return &AgentRegistry{kv: kv, locks: keylock.New(), agents: make(map[string]ports.AgentDescriptor)}
}

// Register creates or replaces the capability set of an agent, keeping its status.
func (r *AgentRegistry) Register(ctx context.Context, id string, capabilities ...string) (ports.AgentDescriptor, error) {
	if id == "" {
		return ports.AgentDescriptor{}, &ports.ValidationError{Field: "agentId", Message: "agent id is required"}
	}
	unlock := r.locks.Lock(id)
	defer unlock()

	d := ports.NewAgentDescriptor(id, capabilities...)
	if cur, ok, err := r.load(ctx, id); err != nil {
		return ports.AgentDescriptor{}, err
	} else if ok {
		d.Status = cur.Status
		d.CurrentTask = cur.CurrentTask
	}
	if err := r.save(ctx, d); err != nil {
		return ports.AgentDescriptor{}, err
	}
	return d, nil
}

// Agent implements ports.AgentDirectory.
func (r *AgentRegistry) Agent(ctx context.Context, id string) (ports.AgentDescriptor, bool) {
	d, ok, err := r.load(ctx, id)
	if err != nil {
		return ports.AgentDescriptor{}, false
	}
	return d, ok
}

// Describe returns an agent or an error when the store fails.
func (r *AgentRegistry) Describe(ctx context.Context, id string) (ports.AgentDescriptor, bool, error) {
	return r.load(ctx, id)
}

// List returns the agents seen by this process, sorted by id.
func (r *AgentRegistry) List() []ports.AgentDescriptor {
	r.mu.RLock()
	out := make([]ports.AgentDescriptor, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// markActive sets the agent's current task, registering unknown agents without capability restrictions.
func (r *AgentRegistry) markActive(ctx context.Context, id, task string) error {
	return r.mutate(ctx, id, func(d *ports.AgentDescriptor) {
		d.Status = ports.AgentActive
		d.CurrentTask = &task
	})
}

// markIdle clears the current task. When other tasks remain, nextTask becomes current instead.
func (r *AgentRegistry) markIdle(ctx context.Context, id string, nextTask *string) error {
	return r.mutate(ctx, id, func(d *ports.AgentDescriptor) {
		if nextTask != nil {
			d.CurrentTask = nextTask
			return
		}
		d.Status = ports.AgentIdle
		d.CurrentTask = nil
	})
}

func (r *AgentRegistry) mutate(ctx context.Context, id string, fn func(*ports.AgentDescriptor)) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	d, ok, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		d = ports.NewAgentDescriptor(id)
	}
	fn(&d)
	return r.save(ctx, d)
}

func (r *AgentRegistry) load(ctx context.Context, id string) (ports.AgentDescriptor, bool, error) {
	r.mu.RLock()
	d, ok := r.agents[id]
	r.mu.RUnlock()
	if ok {
		return d, true, nil
	}

	raw, ok, err := r.kv.Get(ctx, agentKey(id))
	if err != nil {
		return ports.AgentDescriptor{}, false, fmt.Errorf("failed to load agent %s: %w", id, err)
	}
	if !ok {
		return ports.AgentDescriptor{}, false, nil
	}
	var rec agentRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return ports.AgentDescriptor{}, false, fmt.Errorf("corrupt agent %s: %w", id, err)
	}
	d = rec.descriptor()

	r.mu.Lock()
	r.agents[id] = d
	r.mu.Unlock()
	return d, true, nil
}

func (r *AgentRegistry) save(ctx context.Context, d ports.AgentDescriptor) error {
	raw, err := json.Marshal(toRecord(d))
	if err != nil {
		return fmt.Errorf("failed to encode agent %s: %w", d.ID, err)
	}
	if err := r.kv.Put(ctx, agentKey(d.ID), raw); err != nil {
		return fmt.Errorf("failed to save agent %s: %w", d.ID, err)
	}
	r.mu.Lock()
	r.agents[d.ID] = d
	r.mu.Unlock()
	return nil
}

var _ ports.AgentDirectory = (*AgentRegistry)(nil)
