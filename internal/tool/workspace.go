package tool

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace is the directory the file, shell and search tools operate in.
// An empty Root means the process working directory with no confinement.
// With PerTicket set each ticket gets its own subdirectory of Root, so
// tickets cannot see each other's files.
type Workspace struct {
	Root      string
	PerTicket bool
}

// Dir returns the working directory for exec, creating it when needed.
func (w Workspace) Dir(exec Execution) (string, error) {
	if w.Root == "" {
		return "", nil
	}
	dir := w.Root
	if w.PerTicket && exec.TicketID != "" {
		if strings.ContainsAny(exec.TicketID, `/\`) || exec.TicketID == ".." {
			return "", fmt.Errorf("invalid ticket id %q", exec.TicketID)
		}
		dir = filepath.Join(w.Root, exec.TicketID)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("workspace: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("workspace: %w", err)
	}
	return abs, nil
}

// Resolve maps path into the workspace. Relative paths are joined onto the
// workspace directory; absolute paths must already lie inside it.
func (w Workspace) Resolve(exec Execution, path string) (string, error) {
	dir, err := w.Dir(exec)
	if err != nil {
		return "", err
	}
	if path == "" {
		path = "."
	}
	if dir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	if dir == "" {
		return abs, nil
	}
	rel, err := filepath.Rel(dir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", path)
	}
	return abs, nil
}
