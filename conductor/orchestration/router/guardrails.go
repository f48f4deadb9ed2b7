package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/xeipuuv/gojsonschema"

	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

// pathArgKeys are argument names checked against the path allowlist.
var pathArgKeys = []string{"path", "dir", "root", "target", "destination"}

var credentialFilters = []*regexp.Regexp{
	regexp.MustCompile(`(?i)password[:=]\s*\S+`),
	regexp.MustCompile(`(?i)api[_-]?key[:=]\s*\S+`),
	regexp.MustCompile(`(?i)secret[:=]\s*\S+`),
	regexp.MustCompile(`(?i)token[:=]\s*\S+`),
}

// Guardrails validates tool calls before they reach the executor and scrubs tool output.
type Guardrails struct {
	allowlist     map[string]bool // empty means every registered tool
	allowedPaths  []string        // doublestar patterns; empty means any relative path
	outputFilters []*regexp.Regexp

	mu      sync.Mutex
	schemas map[string]*gojsonschema.Schema
}

// NewGuardrails creates guardrails for the given tool names and path globs.
func NewGuardrails(allowedTools, allowedPaths []string) *Guardrails {
	g := &Guardrails{
		allowlist:     make(map[string]bool, len(allowedTools)),
		allowedPaths:  allowedPaths,
		outputFilters: credentialFilters,
		schemas:       make(map[string]*gojsonschema.Schema),
	}
	for _, t := range allowedTools {
		g.allowlist[t] = true
	}
	return g
}

// ValidateToolCall checks the allowlist, the argument schema and path arguments.
func (g *Guardrails) ValidateToolCall(call ports.ToolCall, spec ports.ToolSpec) error {
	if call.Name == "" {
		return &ports.ValidationError{Field: "tool", Message: "tool name cannot be empty"}
	}
	if len(g.allowlist) > 0 && !g.allowlist[call.Name] {
		return &ports.ValidationError{Field: "tool", Message: fmt.Sprintf("tool %s is not in allowlist", call.Name)}
	}

	args := call.Args
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded map[string]any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return &ports.ValidationError{Field: "arguments", Message: "tool arguments must be a JSON object", Err: err}
	}

	if err := g.validateSchema(call.Name, spec.JSONSchema, args); err != nil {
		return err
	}

	for _, key := range pathArgKeys {
		v, ok := decoded[key].(string)
		if !ok {
			continue
		}
		if err := g.checkPath(v); err != nil {
			return err
		}
	}
	return nil
}

func (g *Guardrails) validateSchema(name string, schema []byte, args json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}

	g.mu.Lock()
	compiled, ok := g.schemas[name]
	if !ok {
		var err error
		compiled, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
		if err != nil {
			g.mu.Unlock()
			return &ports.ValidationError{Field: "schema", Message: fmt.Sprintf("invalid schema for %s", name), Err: err}
		}
		g.schemas[name] = compiled
	}
	g.mu.Unlock()

	result, err := compiled.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return &ports.ValidationError{Field: "arguments", Message: "schema validation failed", Err: err}
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return &ports.ValidationError{Field: "arguments", Message: "schema validation errors: " + strings.Join(msgs, "; ")}
	}
	return nil
}

func (g *Guardrails) checkPath(p string) error {
	clean := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return &ports.ValidationError{Field: "path", Message: fmt.Sprintf("path %q escapes the workspace", p)}
	}
	if len(g.allowedPaths) == 0 {
		return nil
	}
	for _, pattern := range g.allowedPaths {
		if ok, err := doublestar.Match(pattern, clean); err == nil && ok {
			return nil
		}
	}
	return &ports.ValidationError{Field: "path", Message: fmt.Sprintf("path %q is not allowed", p)}
}

// SanitizeOutput masks credentials in tool output before it is cached or sent for reasoning.
func (g *Guardrails) SanitizeOutput(output string) string {
	for _, filter := range g.outputFilters {
		output = filter.ReplaceAllString(output, "[REDACTED]")
	}
	return output
}
