package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

const reasoningSummaryPrompt = "You compress conversation history for an agent. Keep requests, decisions, " +
	"identifiers (paths, ids, numbers) and open items. Never invent facts. Answer with the summary only."

// ReasoningSummarizer asks the reasoning service to summarize the new messages and appends the result to prior.
type ReasoningSummarizer struct {
	provider  ports.Provider
	maxTokens int
}

// NewReasoningSummarizer creates a summarizer backed by provider.
func NewReasoningSummarizer(provider ports.Provider, maxTokens int) *ReasoningSummarizer {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &ReasoningSummarizer{provider: provider, maxTokens: maxTokens}
}

func (r *ReasoningSummarizer) Summarize(ctx context.Context, prior *Summary, messages []Message) (*Summary, error) {
	if err := validateMessages(prior, messages); err != nil {
		return nil, fmt.Errorf("message validation failed: %w", err)
	}

	var transcript strings.Builder
	transcript.WriteString("Summarize the following conversation excerpt:\n\n")
	for _, m := range messages {
		fmt.Fprintf(&transcript, "[%d] %s: %s\n", m.Seq, m.Role, m.Content)
	}

	resp, err := r.provider.Complete(ctx, ports.PromptInput{
		System:   reasoningSummaryPrompt,
		Messages: []ports.PromptMessage{{Role: ports.RoleUser, Content: transcript.String()}},
	}, ports.Options{MaxNewTokens: r.maxTokens, ToolChoice: "none"})
	if err != nil {
		return nil, fmt.Errorf("summary call failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil, errors.New("reasoning service returned an empty summary")
	}

	entry := fmt.Sprintf("messages %d-%d: %s", messages[0].Seq, messages[len(messages)-1].Seq, text)
	out := &Summary{Sections: []Section{{Title: SectionTimeline, Entries: []string{entry}}}}
	if prior != nil {
		out.Sections = mergeTimeline(prior.Sections, entry)
	}
	out.Content = renderSections(out.Sections)
	return out, nil
}

// mergeTimeline appends entry to the prior timeline section, keeping other prior sections as they are.
func mergeTimeline(prior []Section, entry string) []Section {
	out := make([]Section, 0, len(prior)+1)
	appended := false
	for _, s := range prior {
		entries := append([]string(nil), s.Entries...)
		if s.Title == SectionTimeline {
			entries = append(entries, entry)
			appended = true
		}
		out = append(out, Section{Title: s.Title, Entries: entries})
	}
	if !appended {
		out = append(out, Section{Title: SectionTimeline, Entries: []string{entry}})
	}
	return out
}
