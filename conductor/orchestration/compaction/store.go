package compaction

import (
	"context"
	"encoding/json"
	"fmt"

	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

func stateKey(id string) string {
	return fmt.Sprintf("conversation:%s:state", id)
}

func archiveKey(id string, n int) string {
	return fmt.Sprintf("conversation:%s:archive:%d", id, n)
}

// store persists conversation state and archive segments in a KVStore.
type store struct {
	kv ports.KVStore
}

func (s store) load(ctx context.Context, id string) (*State, error) {
	raw, ok, err := s.kv.Get(ctx, stateKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	if !ok {
		return &State{ID: id, NextSeq: 1}, nil
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("corrupt conversation %s: %w", id, err)
	}
	return &st, nil
}

func (s store) save(ctx context.Context, st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode conversation %s: %w", st.ID, err)
	}
	if err := s.kv.Put(ctx, stateKey(st.ID), raw); err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", st.ID, err)
	}
	return nil
}

func (s store) saveArchive(ctx context.Context, id string, n int, msgs []Message) error {
	raw, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("failed to encode archive %d of %s: %w", n, id, err)
	}
	if err := s.kv.Put(ctx, archiveKey(id, n), raw); err != nil {
		return fmt.Errorf("failed to save archive %d of %s: %w", n, id, err)
	}
	return nil
}

func (s store) loadArchive(ctx context.Context, id string, n int) ([]Message, error) {
	raw, ok, err := s.kv.Get(ctx, archiveKey(id, n))
	if err != nil {
		return nil, fmt.Errorf("failed to load archive %d of %s: %w", n, id, err)
	}
	if !ok {
		return nil, fmt.Errorf("archive %d of %s is missing", n, id)
	}
	var msgs []Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("corrupt archive %d of %s: %w", n, id, err)
	}
	return msgs, nil
}
