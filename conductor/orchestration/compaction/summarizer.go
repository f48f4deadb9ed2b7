package compaction

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

// Summarizer folds messages into a summary extending prior. It must not return prior's content shortened.
type Summarizer interface {
	Summarize(ctx context.Context, prior *Summary, messages []Message) (*Summary, error)
}

// Section titles in rendering order.
const (
	SectionRequests    = "Requests"
	SectionResponses   = "Agent Responses"
	SectionTools       = "Tool Activity"
	SectionIdentifiers = "Identifiers"
	SectionOpenItems   = "Open Items"
	SectionTimeline    = "Timeline"
)

var sectionOrder = []string{
	SectionRequests,
	SectionResponses,
	SectionTools,
	SectionIdentifiers,
	SectionOpenItems,
	SectionTimeline,
}

var (
	identifierPattern = regexp.MustCompile(
		`(?:\.{0,2}/)?[\w.-]+(?:/[\w.-]+)+|\b[\w-]+\.(?:go|py|js|ts|md|txt|json|ya?ml|sql|toml|csv|log)\b|` +
			`\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b|#\d+`)
	openItemMarkers = []string{"todo", "next step", "pending", "blocked", "still", "follow up", "unresolved"}
)

// DeterministicSummarizer extracts sectioned facts without calling the reasoning service.
type DeterministicSummarizer struct {
	// MaxEntries bounds the entry count of each section. Older entries are condensed into one
	// leading "Earlier:" line rather than dropped.
	MaxEntries int
	// MaxEntryLen clips individual entries.
	MaxEntryLen int
}

// NewDeterministicSummarizer creates a summarizer with default bounds.
func NewDeterministicSummarizer() *DeterministicSummarizer {
	return &DeterministicSummarizer{MaxEntries: 20, MaxEntryLen: 240}
}

// Summarize creates a structured summary of messages merged after prior.
func (sum *DeterministicSummarizer) Summarize(ctx context.Context, prior *Summary, messages []Message) (*Summary, error) {
	if err := validateMessages(prior, messages); err != nil {
		return nil, fmt.Errorf("message validation failed: %w", err)
	}

	sections := sum.buildSections(messages)
	if prior != nil {
		sections = sum.mergeSections(prior.Sections, sections)
	}

	return &Summary{
		Content:  renderSections(sections),
		Sections: sections,
	}, nil
}

// validateMessages checks messages are non-empty, ordered and newer than anything already summarized.
func validateMessages(prior *Summary, messages []Message) error {
	if len(messages) == 0 {
		return errors.New("no messages to summarize")
	}
	for i := 1; i < len(messages); i++ {
		if messages[i].Seq <= messages[i-1].Seq {
			return fmt.Errorf("message %d is out of order", messages[i].Seq)
		}
	}
	if prior != nil && prior.Coverage != nil && !prior.Coverage.IsEmpty() {
		if messages[0].Seq <= prior.Coverage.Maximum() {
			return fmt.Errorf("message %d is already summarized", messages[0].Seq)
		}
	}
	return nil
}

func (sum *DeterministicSummarizer) buildSections(messages []Message) []Section {
	byTitle := make(map[string][]string, len(sectionOrder))
	seen := make(map[string]struct{})

	for _, msg := range messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		lower := strings.ToLower(content)

		switch {
		case strings.HasPrefix(lower, "tool result"), strings.HasPrefix(lower, "tool error"):
			byTitle[SectionTools] = append(byTitle[SectionTools], sum.clip(content))
		case msg.Role == ports.RoleUser:
			byTitle[SectionRequests] = append(byTitle[SectionRequests], sum.clip(content))
		case msg.Role == ports.RoleAgent:
			byTitle[SectionResponses] = append(byTitle[SectionResponses], sum.clip(content))
		}

		for _, m := range openItemMarkers {
			if strings.Contains(lower, m) {
				byTitle[SectionOpenItems] = append(byTitle[SectionOpenItems], sum.clip(content))
				break
			}
		}

		for _, id := range identifierPattern.FindAllString(content, -1) {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			byTitle[SectionIdentifiers] = append(byTitle[SectionIdentifiers], id)
		}
	}

	first, last := messages[0], messages[len(messages)-1]
	byTitle[SectionTimeline] = []string{fmt.Sprintf("messages %d-%d (%d) from %s to %s",
		first.Seq, last.Seq, len(messages),
		first.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
		last.Timestamp.UTC().Format("2006-01-02T15:04:05Z"))}

	sections := make([]Section, 0, len(sectionOrder))
	for _, title := range sectionOrder {
		if entries := byTitle[title]; len(entries) > 0 {
			sections = append(sections, Section{Title: title, Entries: sum.bound(entries)})
		}
	}
	return sections
}

// mergeSections appends newer entries after prior ones, section by section.
func (sum *DeterministicSummarizer) mergeSections(prior, next []Section) []Section {
	merged := make(map[string][]string, len(sectionOrder))
	for _, s := range prior {
		merged[s.Title] = append(merged[s.Title], s.Entries...)
	}
	for _, s := range next {
		if s.Title == SectionIdentifiers {
			merged[s.Title] = appendUnique(merged[s.Title], s.Entries)
			continue
		}
		merged[s.Title] = append(merged[s.Title], s.Entries...)
	}

	out := make([]Section, 0, len(sectionOrder))
	for _, title := range sectionOrder {
		if entries := merged[title]; len(entries) > 0 {
			out = append(out, Section{Title: title, Entries: sum.bound(entries)})
		}
	}
	return out
}

const earlierPrefix = "Earlier: "

// bound folds the oldest entries into a condensed first line once a section exceeds MaxEntries.
func (sum *DeterministicSummarizer) bound(entries []string) []string {
	if sum.MaxEntries < 2 || len(entries) <= sum.MaxEntries {
		out := make([]string, len(entries))
		copy(out, entries)
		return out
	}

	split := len(entries) - (sum.MaxEntries - 1)
	folded := make([]string, 0, split)
	for _, e := range entries[:split] {
		folded = append(folded, strings.TrimPrefix(e, earlierPrefix))
	}

	out := make([]string, 0, sum.MaxEntries)
	out = append(out, earlierPrefix+strings.Join(folded, " | "))
	return append(out, entries[split:]...)
}

func (sum *DeterministicSummarizer) clip(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if sum.MaxEntryLen <= 0 || len(s) <= sum.MaxEntryLen {
		return s
	}
	cut := sum.MaxEntryLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func appendUnique(dst, src []string) []string {
	have := make(map[string]struct{}, len(dst))
	for _, s := range dst {
		have[s] = struct{}{}
	}
	for _, s := range src {
		if _, ok := have[s]; !ok {
			have[s] = struct{}{}
			dst = append(dst, s)
		}
	}
	return dst
}

// renderSections creates the summary text sent as the window's system message.
func renderSections(sections []Section) string {
	var content strings.Builder
	content.WriteString("Conversation summary:\n")
	for _, s := range sections {
		fmt.Fprintf(&content, "\n**%s:**\n", s.Title)
		for _, e := range s.Entries {
			content.WriteString("- ")
			content.WriteString(e)
			content.WriteString("\n")
		}
	}
	return content.String()
}
