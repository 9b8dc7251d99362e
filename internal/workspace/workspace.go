// Package workspace provides the document collaborator used by the edit
// pipeline: open-or-create a file, read it as lines, mutate, and save.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Document is one open file addressed as an ordered sequence of lines.
type Document interface {
	Path() string
	Lines() []string
	SetLines(lines []string)
	Save() error
}

// Workspace opens documents by workspace-relative path.
type Workspace interface {
	OpenOrCreate(path string) (Document, error)
}

// FS is a filesystem-backed workspace rooted at a directory.
type FS struct {
	root string
}

// NewFS creates a workspace rooted at root.
func NewFS(root string) *FS {
	return &FS{root: root}
}

// OpenOrCreate opens the file at the workspace-relative path, creating it
// (and any parent directories) if it does not exist. Paths escaping the
// workspace root are rejected.
func (w *FS) OpenOrCreate(path string) (Document, error) {
	full, err := w.resolve(path)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(filepath.Dir(full), 0o755); mkErr != nil {
			return nil, fmt.Errorf("create parent directory for %s: %w", path, mkErr)
		}
		if wrErr := os.WriteFile(full, nil, 0o644); wrErr != nil {
			return nil, fmt.Errorf("create %s: %w", path, wrErr)
		}
		content = nil
	} else if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	return &fsDocument{path: path, fullPath: full, lines: SplitLines(string(content))}, nil
}

func (w *FS) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	full := filepath.Join(w.root, filepath.FromSlash(path))
	rel, err := filepath.Rel(w.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace root", path)
	}
	return full, nil
}

// SplitLines splits content on newlines. Empty content yields no lines;
// a trailing newline does not produce a trailing empty line.
func SplitLines(content string) []string {
	if content == "" {
		return nil
	}
	content = strings.TrimSuffix(content, "\n")
	return strings.Split(content, "\n")
}

// JoinLines is the inverse of SplitLines: non-empty documents end with a
// final newline.
func JoinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

type fsDocument struct {
	path     string
	fullPath string

	mu    sync.Mutex
	lines []string
}

func (d *fsDocument) Path() string { return d.path }

func (d *fsDocument) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.lines))
	copy(out, d.lines)
	return out
}

func (d *fsDocument) SetLines(lines []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lines = make([]string, len(lines))
	copy(d.lines, lines)
}

func (d *fsDocument) Save() error {
	d.mu.Lock()
	content := JoinLines(d.lines)
	d.mu.Unlock()

	if err := os.WriteFile(d.fullPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("save %s: %w", d.path, err)
	}
	return nil
}
