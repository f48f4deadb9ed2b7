package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

// ReadFileSchema defines the JSON schema for read_file parameters.
const ReadFileSchema = `{
  "type": "object",
  "properties": {
    "path": {
      "type": "string",
      "description": "File path relative to the workspace root"
    }
  },
  "required": ["path"]
}`

// WriteFileSchema defines the JSON schema for write_file parameters.
const WriteFileSchema = `{
  "type": "object",
  "properties": {
    "path": {
      "type": "string",
      "description": "File path relative to the workspace root"
    },
    "content": {
      "type": "string",
      "description": "Text to write"
    },
    "append": {
      "type": "boolean",
      "description": "Append instead of replacing the file",
      "default": false
    }
  },
  "required": ["path", "content"]
}`

// ReadFileTool returns the text of one file.
type ReadFileTool struct {
	ws *Workspace
}

// NewReadFileTool creates read_file.
func NewReadFileTool(ws *Workspace) *ReadFileTool { return &ReadFileTool{ws: ws} }

func (t *ReadFileTool) Name() string   { return "read_file" }
func (t *ReadFileTool) Schema() []byte { return []byte(ReadFileSchema) }

func (t *ReadFileTool) Spec() ports.ToolSpec {
	return ports.ToolSpec{
		Name:        t.Name(),
		Description: "Read a text file from the workspace",
		JSONSchema:  t.Schema(),
		Cacheable:   true,
		Capability:  CapabilityRead,
	}
}

func (t *ReadFileTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	full, err := t.ws.Resolve(params.Path)
	if err != nil {
		return nil, err
	}
	return readLimited(full, t.ws.maxReadSize)
}

func readLimited(path string, maxSize int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", filepath.Base(path))
	}
	if info.Size() > int64(maxSize) {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), maxSize)
	}

	data, err := io.ReadAll(io.LimitReader(f, int64(maxSize)))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFileTool creates or overwrites one file, creating parent directories.
type WriteFileTool struct {
	ws *Workspace
}

// NewWriteFileTool creates write_file.
func NewWriteFileTool(ws *Workspace) *WriteFileTool { return &WriteFileTool{ws: ws} }

func (t *WriteFileTool) Name() string   { return "write_file" }
func (t *WriteFileTool) Schema() []byte { return []byte(WriteFileSchema) }

func (t *WriteFileTool) Spec() ports.ToolSpec {
	return ports.ToolSpec{
		Name:        t.Name(),
		Description: "Create or overwrite a text file in the workspace",
		JSONSchema:  t.Schema(),
		Capability:  CapabilityWrite,
	}
}

func (t *WriteFileTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Append  bool   `json:"append"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	full, err := t.ws.Resolve(params.Path)
	if err != nil {
		return nil, err
	}
	if full == t.ws.root {
		return nil, fmt.Errorf("cannot write to the workspace root")
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if params.Append {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(full, flags, 0o644)
	if err != nil {
		return nil, err
	}
	n, err := f.WriteString(params.Content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", params.Path, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", n, t.ws.Rel(full)), nil
}

var (
	_ ports.Tool = (*ReadFileTool)(nil)
	_ ports.Tool = (*WriteFileTool)(nil)
)
