// Package compaction keeps conversation windows bounded by folding old messages into a summary.
package compaction

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring"

	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

// Message is one persisted conversation entry.
type Message struct {
	Seq       uint32    `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Section is one titled block of a summary.
type Section struct {
	Title   string   `json:"title"`
	Entries []string `json:"entries"`
}

// Summary is the folded form of every message that left the active window.
type Summary struct {
	Content  string    `json:"content"`
	Sections []Section `json:"sections,omitempty"`
	// Coverage holds the sequence numbers folded into this summary.
	Coverage  *roaring.Bitmap `json:"-"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type summaryJSON struct {
	Content   string    `json:"content"`
	Sections  []Section `json:"sections,omitempty"`
	Coverage  []byte    `json:"coverage,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s Summary) MarshalJSON() ([]byte, error) {
	out := summaryJSON{Content: s.Content, Sections: s.Sections, UpdatedAt: s.UpdatedAt}
	if s.Coverage != nil {
		b, err := s.Coverage.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("failed to encode coverage: %w", err)
		}
		out.Coverage = b
	}
	return json.Marshal(out)
}

func (s *Summary) UnmarshalJSON(data []byte) error {
	var in summaryJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	s.Content = in.Content
	s.Sections = in.Sections
	s.UpdatedAt = in.UpdatedAt
	s.Coverage = roaring.New()
	if len(in.Coverage) > 0 {
		if err := s.Coverage.UnmarshalBinary(in.Coverage); err != nil {
			return fmt.Errorf("failed to decode coverage: %w", err)
		}
	}
	return nil
}

// Covers reports whether the message with seq was folded into the summary.
func (s *Summary) Covers(seq uint32) bool {
	return s != nil && s.Coverage != nil && s.Coverage.Contains(seq)
}

// State is the persisted conversation.
type State struct {
	ID             string    `json:"id"`
	Messages       []Message `json:"messages"`
	Summary        *Summary  `json:"summary,omitempty"`
	NextSeq        uint32    `json:"next_seq"`
	LastCompaction time.Time `json:"last_compaction,omitempty"`
	// Compactions is also the number of archive segments.
	Compactions int `json:"compactions"`
}

// Count is the length of the active window, summary message included.
func (s *State) Count() int {
	n := len(s.Messages)
	if s.Summary != nil {
		n++
	}
	return n
}

// Window renders the active window as prompt messages, summary first.
func (s *State) Window() []ports.PromptMessage {
	out := make([]ports.PromptMessage, 0, s.Count())
	if s.Summary != nil {
		out = append(out, ports.PromptMessage{Role: ports.RoleSystem, Content: s.Summary.Content})
	}
	for _, m := range s.Messages {
		out = append(out, ports.PromptMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func validRole(role string) bool {
	switch role {
	case ports.RoleUser, ports.RoleAgent, ports.RoleSystem:
		return true
	}
	return false
}
