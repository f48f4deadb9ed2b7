package router

import (
	"encoding/json"
	"regexp"
	"strings"

	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

var (
	// JSON array format: [{"name": "tool", "arguments": {...}}]
	arrayCallPattern = regexp.MustCompile(`(?s)\[\s*\{\s*"name"\s*:\s*"([^"]+)"\s*,\s*"arguments"\s*:\s*(\{.*?\})\s*\}\s*\]`)
	// Function call format: tool_name({"arg": "value"})
	funcCallPattern = regexp.MustCompile(`(?s)\b(\w+)\s*\(\s*(\{.*?\})\s*\)`)

	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
	unquotedKeyPattern   = regexp.MustCompile(`([{,]\s*)([a-zA-Z_][a-zA-Z0-9_]*)\s*:`)
)

// OutputParser extracts tool calls written inline in text.
type OutputParser struct {
	patterns []*regexp.Regexp
}

// NewOutputParser creates a parser with default patterns for common tool call formats.
func NewOutputParser() *OutputParser {
	return &OutputParser{patterns: []*regexp.Regexp{arrayCallPattern, funcCallPattern}}
}

// ParseToolCalls returns the calls found in text, in order of appearance per format.
// Calls whose arguments cannot be repaired into valid JSON are skipped.
func (p *OutputParser) ParseToolCalls(text string) []ports.ToolCall {
	var calls []ports.ToolCall
	seen := make(map[string]struct{})

	for _, pattern := range p.patterns {
		for _, match := range pattern.FindAllStringSubmatch(text, -1) {
			if len(match) < 3 {
				continue
			}
			name := strings.TrimSpace(match[1])
			args := strings.TrimSpace(match[2])
			if !json.Valid([]byte(args)) {
				args = fixJSON(args)
				if !json.Valid([]byte(args)) {
					continue
				}
			}

			key := name + "\x1f" + args
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			calls = append(calls, ports.ToolCall{Name: name, Args: json.RawMessage(args)})
		}
	}
	return calls
}

// fixJSON attempts to fix common JSON formatting issues.
func fixJSON(s string) string {
	s = trailingCommaPattern.ReplaceAllString(s, "$1")
	s = unquotedKeyPattern.ReplaceAllString(s, `$1"$2":`)
	return strings.ReplaceAll(s, "'", "\"")
}
