package router

import (
	"encoding/json"
	"regexp"
	"strings"

	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

// Route is the execution path chosen for an instruction.
type Route int

const (
	RouteMixed Route = iota
	RouteToolOnly
	RouteReasoningOnly
)

func (r Route) String() string {
	switch r {
	case RouteToolOnly:
		return "tool_only"
	case RouteReasoningOnly:
		return "reasoning_only"
	default:
		return "mixed"
	}
}

// ToolSet answers whether a tool is registered.
type ToolSet interface {
	Describe(name string) (ports.ToolSpec, bool)
}

// Classification is the classifier's decision.
type Classification struct {
	Route Route
	// Calls holds the extracted tool calls for RouteToolOnly.
	Calls []ports.ToolCall
	// Rule names the rule that matched.
	Rule string
}

// Rule is one entry of the ordered classification table.
type Rule struct {
	Name  string
	Route Route
	Match func(instruction string, tools ToolSet) ([]ports.ToolCall, bool)
}

// Classifier applies rules in order; the first match wins and the fallback is RouteMixed.
type Classifier struct {
	rules []Rule
}

// NewClassifier creates a classifier; with no rules DefaultRules is used.
func NewClassifier(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// Classify is deterministic for a given instruction and tool set.
func (c *Classifier) Classify(instruction string, tools ToolSet) Classification {
	text := normalizeInstruction(instruction)
	for _, r := range c.rules {
		if calls, ok := r.Match(text, tools); ok {
			return Classification{Route: r.Route, Calls: calls, Rule: r.Name}
		}
	}
	return Classification{Route: RouteMixed, Rule: "default"}
}

func normalizeInstruction(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
	return strings.TrimRight(s, ".!")
}

const pathArg = "[\"'`]?([^\\s\"'`]+)[\"'`]?"

var (
	writePattern = regexp.MustCompile(`(?is)^(?:please\s+)?(?:create|write|make)\s+(?:a\s+|an\s+|the\s+)?(?:new\s+)?file\s+(?:at\s+|called\s+|named\s+)?` +
		pathArg + `(?:\s+(?:with|containing)\s+(?:the\s+)?(?:content|text)?\s*:?\s*(.*))?$`)
	readPattern = regexp.MustCompile(`(?i)^(?:please\s+)?(?:read|open|cat|show|print)\s+(?:me\s+)?(?:the\s+)?(?:contents\s+of\s+)?(?:the\s+)?(?:file\s+)?` +
		pathArg + `$`)
	listPattern = regexp.MustCompile(`(?i)^(?:please\s+)?(?:list|ls)\s+(?:all\s+)?(?:the\s+)?(?:files|entries|contents)?\s*(?:in|of|under)?\s*(?:the\s+)?(?:directory\s+|dir\s+|folder\s+)?` +
		pathArg + `$`)
	searchPattern = regexp.MustCompile(`(?i)^(?:please\s+)?(?:search|grep|find)\s+(?:for\s+)?["'` + "`" + `]?(.+?)["'` + "`" + `]?\s+in\s+` +
		pathArg + `$`)
	statPattern = regexp.MustCompile(`(?i)^(?:please\s+)?(?:stat|(?:show|get)\s+(?:the\s+)?(?:metadata|info|details)\s+(?:for|of|on))\s+(?:the\s+)?(?:file\s+)?` +
		pathArg + `$`)

	judgmentPattern = regexp.MustCompile(`(?i)\b(?:review|recommend\w*|analy[sz]\w*|explain\w*|why|compare\w*|evaluat\w*|design\w*|suggest\w*|summari[sz]\w*|assess\w*|critique\w*|plan\w*|improve\w*|trade-?offs?|opinion|should)\b`)
	targetPattern   = regexp.MustCompile(`(?:^|\s)[\w.~-]*/[\w./-]+|\b[\w-]+\.(?:go|py|js|ts|md|txt|json|ya?ml|sql|toml|csv|log|sh)\b`)
)

// DefaultRules is the built-in classification table.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "explicit_call", Route: RouteToolOnly, Match: matchExplicitCall},
		{Name: "write_file", Route: RouteToolOnly, Match: matchWrite},
		{Name: "read_file", Route: RouteToolOnly, Match: matchPath(readPattern, "read_file", true)},
		{Name: "list_dir", Route: RouteToolOnly, Match: matchPath(listPattern, "list_dir", false)},
		{Name: "file_stat", Route: RouteToolOnly, Match: matchPath(statPattern, "file_stat", true)},
		{Name: "search", Route: RouteToolOnly, Match: matchSearch},
		{Name: "judgment_with_target", Route: RouteMixed, Match: matchJudgmentWithTarget},
		{Name: "judgment", Route: RouteReasoningOnly, Match: matchJudgment},
	}
}

var explicitParser = NewOutputParser()

// matchExplicitCall accepts instructions made only of tool calls against registered tools.
func matchExplicitCall(text string, tools ToolSet) ([]ports.ToolCall, bool) {
	calls := explicitParser.ParseToolCalls(text)
	if len(calls) == 0 {
		return nil, false
	}
	for _, c := range calls {
		if _, ok := tools.Describe(c.Name); !ok {
			return nil, false
		}
	}
	rest := arrayCallPattern.ReplaceAllString(text, "")
	rest = funcCallPattern.ReplaceAllString(rest, "")
	if strings.Trim(rest, " \t\n;,") != "" {
		return nil, false
	}
	return calls, true
}

func matchWrite(text string, tools ToolSet) ([]ports.ToolCall, bool) {
	if _, ok := tools.Describe("write_file"); !ok {
		return nil, false
	}
	m := writePattern.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	return []ports.ToolCall{call("write_file", map[string]string{"path": m[1], "content": m[2]})}, true
}

// matchPath builds a single-path rule. With fileLike, bare words only match when the instruction says "file".
func matchPath(pattern *regexp.Regexp, tool string, fileLike bool) func(string, ToolSet) ([]ports.ToolCall, bool) {
	return func(text string, tools ToolSet) ([]ports.ToolCall, bool) {
		if _, ok := tools.Describe(tool); !ok {
			return nil, false
		}
		idx := pattern.FindStringSubmatchIndex(text)
		if idx == nil {
			return nil, false
		}
		path := text[idx[2]:idx[3]]
		verb := cut(text, idx[2], idx[3])
		if judgmentPattern.MatchString(verb) {
			return nil, false
		}
		if fileLike && !strings.ContainsAny(path, "/.") && !strings.Contains(strings.ToLower(verb), "file") {
			return nil, false
		}
		return []ports.ToolCall{call(tool, map[string]string{"path": path})}, true
	}
}

func matchSearch(text string, tools ToolSet) ([]ports.ToolCall, bool) {
	if _, ok := tools.Describe("search"); !ok {
		return nil, false
	}
	idx := searchPattern.FindStringSubmatchIndex(text)
	if idx == nil {
		return nil, false
	}
	query, path := text[idx[2]:idx[3]], text[idx[4]:idx[5]]

	// A quoted query is a literal; an unquoted one still reads as part of the request.
	rest := cut(text, idx[4], idx[5])
	if idx[2] > 0 && strings.ContainsRune("\"'`", rune(text[idx[2]-1])) {
		rest = cut(rest, idx[2], idx[3])
	}
	if judgmentPattern.MatchString(rest) {
		return nil, false
	}
	return []ports.ToolCall{call("search", map[string]string{"query": query, "path": path})}, true
}

// cut removes text[start:end].
func cut(text string, start, end int) string {
	return text[:start] + text[end:]
}

func matchJudgmentWithTarget(text string, tools ToolSet) ([]ports.ToolCall, bool) {
	if !judgmentPattern.MatchString(text) {
		return nil, false
	}
	if targetPattern.MatchString(text) {
		return nil, true
	}
	for _, word := range strings.FieldsFunc(text, func(r rune) bool {
		return !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	}) {
		if strings.Contains(word, "_") {
			if _, ok := tools.Describe(word); ok {
				return nil, true
			}
		}
	}
	return nil, false
}

func matchJudgment(text string, tools ToolSet) ([]ports.ToolCall, bool) {
	return nil, judgmentPattern.MatchString(text)
}

func call(name string, args map[string]string) ports.ToolCall {
	raw, _ := json.Marshal(args)
	return ports.ToolCall{Name: name, Args: raw}
}
