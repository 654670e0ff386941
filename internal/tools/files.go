package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/flitsinc/agentcore/internal/provider"
)

// resolveUnder joins rel onto root and rejects paths that escape it.
func resolveUnder(root, rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path must be relative to the workspace")
	}
	abs := filepath.Join(root, filepath.Clean(rel))
	relBack, err := filepath.Rel(root, abs)
	if err != nil || relBack == ".." || strings.HasPrefix(relBack, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return abs, nil
}

// ReadFileTool returns the contents of a file under Root.
type ReadFileTool struct {
	Root string
	// MaxBytes caps how much of a file is returned. Zero means 256 KiB.
	MaxBytes int64
}

func (t *ReadFileTool) Spec() provider.ToolSpec {
	return provider.ToolSpec{
		Name:        "read_file",
		Description: "Read a file in the workspace. The path is relative to the workspace root.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string"}
			},
			"required": ["path"]
		}`),
	}
}

func (t *ReadFileTool) Run(ctx context.Context, input json.RawMessage) (string, error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return "", fmt.Errorf("decode read_file input: %w", err)
	}
	abs, err := resolveUnder(t.Root, p.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", p.Path, err)
	}
	limit := t.MaxBytes
	if limit <= 0 {
		limit = 256 * 1024
	}
	if int64(len(data)) > limit {
		return string(data[:limit]) + fmt.Sprintf("\n[truncated %d of %d bytes]", limit, len(data)), nil
	}
	return string(data), nil
}

// WriteFileTool creates or replaces a file under Root, making parent
// directories as needed.
type WriteFileTool struct {
	Root string
}

func (t *WriteFileTool) Spec() provider.ToolSpec {
	return provider.ToolSpec{
		Name:        "write_file",
		Description: "Create or overwrite a file in the workspace with the given content.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string"},
				"content": {"type": "string"}
			},
			"required": ["path", "content"]
		}`),
	}
}

func (t *WriteFileTool) Run(ctx context.Context, input json.RawMessage) (string, error) {
	var p struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return "", fmt.Errorf("decode write_file input: %w", err)
	}
	abs, err := resolveUnder(t.Root, p.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create parent directories for %s: %w", p.Path, err)
	}
	if err := os.WriteFile(abs, []byte(p.Content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", p.Path, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(p.Content), p.Path), nil
}

// ListDirTool lists the entries of a directory under Root. Directories get a
// trailing slash so the model can tell them apart from files.
type ListDirTool struct {
	Root string
}

func (t *ListDirTool) Spec() provider.ToolSpec {
	return provider.ToolSpec{
		Name:        "list_dir",
		Description: "List the entries of a workspace directory. Omit path for the workspace root.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string"}
			}
		}`),
	}
}

func (t *ListDirTool) Run(ctx context.Context, input json.RawMessage) (string, error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return "", fmt.Errorf("decode list_dir input: %w", err)
	}
	abs := t.Root
	if strings.TrimSpace(p.Path) != "" {
		var err error
		abs, err = resolveUnder(t.Root, p.Path)
		if err != nil {
			return "", err
		}
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", p.Path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty)", nil
	}
	return strings.Join(names, "\n"), nil
}
