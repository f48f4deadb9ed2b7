package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

const (
	defaultMaxEntries = 500
	defaultMaxResults = 100
)

// ListDirSchema defines the JSON schema for list_dir parameters.
const ListDirSchema = `{
  "type": "object",
  "properties": {
    "path": {
      "type": "string",
      "description": "Directory relative to the workspace root",
      "default": "."
    },
    "recursive": {
      "type": "boolean",
      "default": false
    },
    "include_hidden": {
      "type": "boolean",
      "default": false
    }
  }
}`

// SearchSchema defines the JSON schema for search parameters.
const SearchSchema = `{
  "type": "object",
  "properties": {
    "query": {
      "type": "string",
      "description": "Case-insensitive text to find",
      "minLength": 1
    },
    "path": {
      "type": "string",
      "description": "File or directory to search under",
      "default": "."
    },
    "glob": {
      "type": "string",
      "description": "Only search files whose workspace path matches this doublestar pattern"
    },
    "max_results": {
      "type": "integer",
      "minimum": 1,
      "maximum": 1000,
      "default": 100
    }
  },
  "required": ["query"]
}`

// ListDirTool lists directory entries, honouring the workspace ignore rules.
type ListDirTool struct {
	ws *Workspace
}

// NewListDirTool creates list_dir.
func NewListDirTool(ws *Workspace) *ListDirTool { return &ListDirTool{ws: ws} }

func (t *ListDirTool) Name() string   { return "list_dir" }
func (t *ListDirTool) Schema() []byte { return []byte(ListDirSchema) }

func (t *ListDirTool) Spec() ports.ToolSpec {
	return ports.ToolSpec{
		Name:        t.Name(),
		Description: "List the entries of a workspace directory; directories end with /",
		JSONSchema:  t.Schema(),
		Cacheable:   true,
		Capability:  CapabilityRead,
	}
}

func (t *ListDirTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Path          string `json:"path"`
		Recursive     bool   `json:"recursive"`
		IncludeHidden bool   `json:"include_hidden"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	dir, err := t.ws.Resolve(params.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", params.Path)
	}

	var entries []string
	truncated := false
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := t.ws.Rel(p)
		if t.ws.Ignored(rel, d.IsDir()) || (!params.IncludeHidden && strings.HasPrefix(d.Name(), ".")) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if len(entries) >= defaultMaxEntries {
			truncated = true
			return filepath.SkipAll
		}

		name, _ := filepath.Rel(dir, p)
		name = filepath.ToSlash(name)
		if d.IsDir() {
			name += "/"
		}
		entries = append(entries, name)
		if d.IsDir() && !params.Recursive {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(entries)
	out := strings.Join(entries, "\n")
	if truncated {
		out += fmt.Sprintf("\n... truncated at %d entries", defaultMaxEntries)
	}
	return out, nil
}

// SearchTool finds lines containing a query in workspace text files.
type SearchTool struct {
	ws *Workspace
}

// NewSearchTool creates search.
func NewSearchTool(ws *Workspace) *SearchTool { return &SearchTool{ws: ws} }

func (t *SearchTool) Name() string   { return "search" }
func (t *SearchTool) Schema() []byte { return []byte(SearchSchema) }

func (t *SearchTool) Spec() ports.ToolSpec {
	return ports.ToolSpec{
		Name:        t.Name(),
		Description: "Search workspace text files for a string; results are path:line: text",
		JSONSchema:  t.Schema(),
		Cacheable:   true,
		Capability:  CapabilityRead,
	}
}

func (t *SearchTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Query      string `json:"query"`
		Path       string `json:"path"`
		Glob       string `json:"glob"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(params.Query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	if params.Glob != "" && !doublestar.ValidatePattern(params.Glob) {
		return nil, fmt.Errorf("invalid glob %q", params.Glob)
	}
	if params.MaxResults <= 0 {
		params.MaxResults = defaultMaxResults
	}

	start, err := t.ws.Resolve(params.Path)
	if err != nil {
		return nil, err
	}

	needle := []byte(strings.ToLower(params.Query))
	var results []string
	err = filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := t.ws.Rel(p)
		if p != start && t.ws.Ignored(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			if _, err := t.ws.Resolve(rel); err != nil {
				return nil
			}
		}
		if params.Glob != "" {
			if ok, _ := doublestar.Match(params.Glob, rel); !ok {
				return nil
			}
		}

		matches, err := t.searchFile(p, rel, needle, params.MaxResults-len(results))
		if err != nil {
			return nil
		}
		results = append(results, matches...)
		if len(results) >= params.MaxResults {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(results) == 0 {
		return fmt.Sprintf("no matches for %q", params.Query), nil
	}
	return strings.Join(results, "\n"), nil
}

// searchFile skips files above the read limit and files that look binary.
func (t *SearchTool) searchFile(path, rel string, needle []byte, limit int) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil || info.Size() > int64(t.ws.maxReadSize) {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if bytes.IndexByte(data[:min(len(data), 512)], 0) >= 0 {
		return nil, nil
	}

	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	for line := 1; sc.Scan(); line++ {
		if bytes.Contains(bytes.ToLower(sc.Bytes()), needle) {
			out = append(out, fmt.Sprintf("%s:%d: %s", rel, line, strings.TrimSpace(sc.Text())))
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

var (
	_ ports.Tool = (*ListDirTool)(nil)
	_ ports.Tool = (*SearchTool)(nil)
)
