package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

// FileStatSchema defines the JSON schema for file_stat parameters.
const FileStatSchema = `{
  "type": "object",
  "properties": {
    "path": {
      "type": "string",
      "description": "The file or directory path to get metadata for"
    },
    "children": {
      "type": "boolean",
      "description": "For directories, include metadata for the direct entries",
      "default": false
    }
  },
  "required": ["path"]
}`

// FileMetadata represents metadata for a file or directory.
type FileMetadata struct {
	Path        string         `json:"path"`
	Name        string         `json:"name"`
	Type        string         `json:"type"` // "file" or "directory"
	Size        int64          `json:"size"`
	Permissions string         `json:"permissions"`
	ModifiedAt  time.Time      `json:"modified_at"`
	IsHidden    bool           `json:"is_hidden"`
	Ignored     bool           `json:"ignored,omitempty"`
	Extension   string         `json:"extension,omitempty"`
	MimeType    string         `json:"mime_type,omitempty"`
	Children    []FileMetadata `json:"children,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// FileStatTool reports file metadata.
type FileStatTool struct {
	ws *Workspace
}

// NewFileStatTool creates file_stat.
func NewFileStatTool(ws *Workspace) *FileStatTool { return &FileStatTool{ws: ws} }

func (t *FileStatTool) Name() string   { return "file_stat" }
func (t *FileStatTool) Schema() []byte { return []byte(FileStatSchema) }

func (t *FileStatTool) Spec() ports.ToolSpec {
	return ports.ToolSpec{
		Name:        t.Name(),
		Description: "Get size, mode, modification time and type of a workspace path",
		JSONSchema:  t.Schema(),
		Cacheable:   true,
		Capability:  CapabilityRead,
	}
}

func (t *FileStatTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Path     string `json:"path"`
		Children bool   `json:"children"`
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
	return t.stat(full, params.Children)
}

func (t *FileStatTool) stat(path string, children bool) (FileMetadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileMetadata{}, fmt.Errorf("failed to stat path: %w", err)
	}

	rel := t.ws.Rel(path)
	md := FileMetadata{
		Path:        rel,
		Name:        info.Name(),
		Size:        info.Size(),
		Permissions: info.Mode().String(),
		ModifiedAt:  info.ModTime().UTC(),
		IsHidden:    strings.HasPrefix(info.Name(), "."),
		Ignored:     t.ws.Ignored(rel, info.IsDir()),
	}

	if !info.IsDir() {
		md.Type = "file"
		md.Extension = filepath.Ext(path)
		md.MimeType = mimeType(md.Extension)
		return md, nil
	}

	md.Type = "directory"
	if !children {
		return md, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return md, fmt.Errorf("failed to read directory: %w", err)
	}
	md.Children = make([]FileMetadata, 0, len(entries))
	for _, entry := range entries {
		childPath := filepath.Join(path, entry.Name())
		child, err := t.stat(childPath, false)
		if err != nil {
			child = FileMetadata{Path: t.ws.Rel(childPath), Name: entry.Name(), Error: err.Error()}
		}
		md.Children = append(md.Children, child)
	}
	return md, nil
}

func mimeType(ext string) string {
	if ext == "" {
		return ""
	}
	switch strings.ToLower(ext) {
	case ".md":
		return "text/markdown"
	case ".go", ".py", ".rs", ".ts":
		return "text/plain"
	case ".yaml", ".yml":
		return "application/yaml"
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

var _ ports.Tool = (*FileStatTool)(nil)
