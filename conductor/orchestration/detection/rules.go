// Package detection maps free-text requests to a workflow type and its ordered agents.
// Detection is deterministic keyword and pattern matching over a YAML rule file.
package detection

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

//go:embed default_rules.yaml
var defaultRules []byte

// RulesFile is the workflow rule file structure.
type RulesFile struct {
	Version   string         `yaml:"version"`
	Workflows []WorkflowRule `yaml:"workflows"`
}

// WorkflowRule describes one detectable workflow.
type WorkflowRule struct {
	Type        string      `yaml:"type"`
	Description string      `yaml:"description"`
	Keywords    []string    `yaml:"keywords"`
	Pattern     string      `yaml:"pattern,omitempty"`
	Agents      []AgentStep `yaml:"agents"`
}

// AgentStep is one agent of a workflow. Task may reference {instruction}.
type AgentStep struct {
	ID   string `yaml:"id"`
	Task string `yaml:"task"`
}

// LoadRules reads a rule file from disk.
func LoadRules(path string) (*RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes a rule file.
func ParseRules(data []byte) (*RulesFile, error) {
	var rules RulesFile
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	return &rules, nil
}

// DefaultRules returns the built-in rule set.
func DefaultRules() *RulesFile {
	rules, err := ParseRules(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("embedded detection rules are invalid: %v", err))
	}
	return rules
}

type compiledRule struct {
	WorkflowRule
	keywords []*regexp.Regexp
	pattern  *regexp.Regexp
}

// RuleDetector implements ports.WorkflowDetector.
type RuleDetector struct {
	rules []compiledRule
}

// NewRuleDetector validates and compiles rules. A nil file uses DefaultRules.
func NewRuleDetector(rf *RulesFile) (*RuleDetector, error) {
	if rf == nil {
		rf = DefaultRules()
	}

	d := &RuleDetector{}
	seen := make(map[string]bool, len(rf.Workflows))
	for i, w := range rf.Workflows {
		if w.Type == "" {
			return nil, fmt.Errorf("workflow rule %d has no type", i)
		}
		if seen[w.Type] {
			return nil, fmt.Errorf("duplicate workflow type %q", w.Type)
		}
		seen[w.Type] = true
		if len(w.Agents) == 0 {
			return nil, fmt.Errorf("workflow %q lists no agents", w.Type)
		}
		for _, a := range w.Agents {
			if a.ID == "" {
				return nil, fmt.Errorf("workflow %q has an agent without id", w.Type)
			}
		}

		cr := compiledRule{WorkflowRule: w}
		for _, kw := range w.Keywords {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			cr.keywords = append(cr.keywords, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(kw)+`\b`))
		}
		if w.Pattern != "" {
			re, err := regexp.Compile(w.Pattern)
			if err != nil {
				return nil, fmt.Errorf("workflow %q pattern: %w", w.Type, err)
			}
			cr.pattern = re
		}
		d.rules = append(d.rules, cr)
	}
	return d, nil
}

// Detect returns the best scoring workflow. Each keyword hit scores one, a pattern hit scores two.
// Ties go to the rule listed first.
func (d *RuleDetector) Detect(ctx context.Context, instruction string) (ports.Detection, bool, error) {
	if err := ctx.Err(); err != nil {
		return ports.Detection{}, false, err
	}

	best, bestScore := -1, 0
	for i, r := range d.rules {
		score := 0
		for _, kw := range r.keywords {
			if kw.MatchString(instruction) {
				score++
			}
		}
		if r.pattern != nil && r.pattern.MatchString(instruction) {
			score += 2
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return ports.Detection{}, false, nil
	}

	r := d.rules[best]
	det := ports.Detection{
		WorkflowType: r.Type,
		Agents:       make([]string, 0, len(r.Agents)),
		Tasks:        make(map[string]string, len(r.Agents)),
	}
	for _, a := range r.Agents {
		if _, dup := det.Tasks[a.ID]; dup {
			continue
		}
		det.Agents = append(det.Agents, a.ID)
		task := instruction
		if a.Task != "" {
			task = strings.ReplaceAll(a.Task, "{instruction}", instruction)
		}
		det.Tasks[a.ID] = task
	}
	return det, true, nil
}

var _ ports.WorkflowDetector = (*RuleDetector)(nil)
