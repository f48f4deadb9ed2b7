package tools

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// DefaultMaxReadSize bounds read_file and search per file.
const DefaultMaxReadSize = 256 * 1024

// Capabilities granted to agents for the workspace tools.
const (
	CapabilityRead  = "fs.read"
	CapabilityWrite = "fs.write"
)

var defaultIgnores = []string{".git/", "node_modules/", "vendor/", "__pycache__/", ".cache/"}

// Workspace sandboxes file tools to a root directory.
type Workspace struct {
	root        string
	realRoot    string // root with symlinks evaluated
	maxReadSize int
	ignore      *ignore.GitIgnore
}

// NewWorkspace opens root. The root's .gitignore, if any, is honoured by listing and search.
func NewWorkspace(root string, maxReadSize int) (*Workspace, error) {
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", abs)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root %s: %w", abs, err)
	}
	if maxReadSize <= 0 {
		maxReadSize = DefaultMaxReadSize
	}

	gi, err := ignore.CompileIgnoreFileAndLines(filepath.Join(abs, ".gitignore"), defaultIgnores...)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read .gitignore: %w", err)
		}
		gi = ignore.CompileIgnoreLines(defaultIgnores...)
	}

	return &Workspace{root: abs, realRoot: resolved, maxReadSize: maxReadSize, ignore: gi}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// Resolve maps p into the workspace. Absolute paths are taken relative to the root; escapes are rejected.
func (w *Workspace) Resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		p = "."
	}
	clean := filepath.Clean(filepath.FromSlash(p))
	if filepath.IsAbs(clean) {
		if rel, err := filepath.Rel(w.root, clean); err == nil && !escapes(rel) {
			clean = rel
		} else {
			clean = strings.TrimLeft(clean, string(filepath.Separator))
			if vol := filepath.VolumeName(clean); vol != "" {
				clean = strings.TrimPrefix(clean[len(vol):], string(filepath.Separator))
			}
		}
	}
	full := filepath.Join(w.root, clean)

	rel, err := filepath.Rel(w.root, full)
	if err != nil || escapes(rel) {
		return "", fmt.Errorf("path %s escapes the workspace", p)
	}
	if err := w.checkLinks(full); err != nil {
		return "", fmt.Errorf("path %s escapes the workspace: %w", p, err)
	}
	return full, nil
}

// checkLinks evaluates symlinks on the nearest existing ancestor of full and rejects targets outside the root.
func (w *Workspace) checkLinks(full string) error {
	existing, rest := full, ""
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return nil
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}

	target, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(w.realRoot, filepath.Join(target, rest))
	if err != nil || escapes(rel) {
		return errors.New("symlink points outside the root")
	}
	return nil
}

// Rel renders full relative to the root with forward slashes.
func (w *Workspace) Rel(full string) string {
	rel, err := filepath.Rel(w.root, full)
	if err != nil {
		return full
	}
	return filepath.ToSlash(rel)
}

// Ignored reports whether the workspace-relative path is excluded from listing and search.
func (w *Workspace) Ignored(rel string, isDir bool) bool {
	if rel == "." || rel == "" {
		return false
	}
	if isDir {
		rel += "/"
	}
	return w.ignore.MatchesPath(rel)
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
