package tool

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"
)

const (
	maxReadSize    = 1 << 20
	maxListEntries = 500
)

// fileError turns the errors an agent can act on into a tool result.
func fileError(op, path string, err error) (string, error) {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "Error: not found: " + path, nil
	case errors.Is(err, fs.ErrPermission):
		return "Error: permission denied: " + path, nil
	}
	return "", fmt.Errorf("%s: %w", op, err)
}

// ReadFileTool reads a UTF-8 text file, optionally a range of lines.
type ReadFileTool struct{ Workspace Workspace }

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Read a text file from the workspace (max 1MB). Use offset and limit to read a range of lines."
}
func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":   map[string]any{"type": "string", "description": "File path, relative to the workspace"},
			"offset": map[string]any{"type": "integer", "description": "First line to return, 1-based"},
			"limit":  map[string]any{"type": "integer", "description": "Maximum number of lines to return"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(_ context.Context, exec Execution, params map[string]any) (string, error) {
	raw := getString(params, "path")
	if raw == "" {
		return "Error: 'path' parameter is required", nil
	}
	path, err := t.Workspace.Resolve(exec, raw)
	if err != nil {
		return "Error: " + err.Error(), nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return fileError("read_file", raw, err)
	}
	switch {
	case !info.Mode().IsRegular():
		return "Error: not a regular file: " + raw, nil
	case info.Size() > maxReadSize:
		return fmt.Sprintf("Error: %s is %d bytes, over the 1MB limit", raw, info.Size()), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fileError("read_file", raw, err)
	}
	if !utf8.Valid(data) {
		return "Error: binary file: " + raw, nil
	}

	offset, limit := getInt(params, "offset"), getInt(params, "limit")
	if offset <= 0 && limit <= 0 {
		return string(data), nil
	}
	return lineRange(string(data), offset, limit), nil
}

// lineRange returns lines [offset, offset+limit) with 1-based numbering.
func lineRange(text string, offset, limit int) string {
	lines := strings.SplitAfter(text, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	start := max(offset, 1) - 1
	if start >= len(lines) {
		return fmt.Sprintf("(file has %d lines)", len(lines))
	}
	end := len(lines)
	if limit > 0 {
		end = min(start+limit, end)
	}
	return strings.Join(lines[start:end], "")
}

// WriteFileTool creates or overwrites a file, or appends to it.
type WriteFileTool struct{ Workspace Workspace }

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Write content to a file in the workspace, creating parent directories. Set append to add to the end instead of replacing."
}
func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "File path, relative to the workspace"},
			"content": map[string]any{"type": "string", "description": "Content to write"},
			"append":  map[string]any{"type": "boolean", "description": "Append instead of overwriting"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(_ context.Context, exec Execution, params map[string]any) (string, error) {
	raw := getString(params, "path")
	if raw == "" {
		return "Error: 'path' parameter is required", nil
	}
	path, err := t.Workspace.Resolve(exec, raw)
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	content := getString(params, "content")
	appending, _ := params["append"].(bool)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fileError("write_file", raw, err)
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if appending {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fileError("write_file", raw, err)
	}
	_, werr := f.WriteString(content)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return "", fmt.Errorf("write_file: %w", werr)
	}

	verb := "Wrote"
	if appending {
		verb = "Appended"
	}
	return fmt.Sprintf("%s %d bytes to %s", verb, len(content), raw), nil
}

// ListDirTool lists a directory, directories first.
type ListDirTool struct{ Workspace Workspace }

func (t *ListDirTool) Name() string { return "list_dir" }
func (t *ListDirTool) Description() string {
	return "List a workspace directory with file sizes (defaults to the workspace root)"
}
func (t *ListDirTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Directory path, relative to the workspace"},
		},
	}
}

func (t *ListDirTool) Execute(_ context.Context, exec Execution, params map[string]any) (string, error) {
	raw := getString(params, "path")
	path, err := t.Workspace.Resolve(exec, raw)
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return fileError("list_dir", raw, err)
	}
	if len(entries) == 0 {
		return "(empty directory)", nil
	}

	slices.SortStableFunc(entries, func(a, b fs.DirEntry) int {
		switch {
		case a.IsDir() && !b.IsDir():
			return -1
		case !a.IsDir() && b.IsDir():
			return 1
		}
		return strings.Compare(a.Name(), b.Name())
	})

	var b strings.Builder
	for i, e := range entries {
		if i == maxListEntries {
			fmt.Fprintf(&b, "... %d more entries\n", len(entries)-i)
			break
		}
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
			continue
		}
		if info, err := e.Info(); err == nil {
			fmt.Fprintf(&b, "%s  %d bytes\n", e.Name(), info.Size())
		}
	}
	return b.String(), nil
}
