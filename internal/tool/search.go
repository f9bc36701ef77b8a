package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	searchTimeout  = 30 * time.Second
	maxSearchBytes = 50 * 1024
)

var grepIncludes = []string{"*.py", "*.js", "*.ts", "*.java", "*.go", "*.rs", "*.c", "*.cpp", "*.h"}

// SearchCodeTool searches source files with ripgrep, falling back to grep.
type SearchCodeTool struct {
	Workspace Workspace
	// lookPath is swapped in tests.
	lookPath func(string) (string, error)
}

func (t *SearchCodeTool) Name() string { return "search_code" }
func (t *SearchCodeTool) Description() string {
	return "Search code for a regex pattern (ripgrep, grep fallback) and return matching lines with line numbers"
}
func (t *SearchCodeTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{"type": "string", "description": "Regex pattern to search for"},
			"path":    map[string]any{"type": "string", "description": "Directory or file to search (default .)"},
		},
		"required": []string{"pattern"},
	}
}

func (t *SearchCodeTool) Execute(ctx context.Context, run Execution, params map[string]any) (string, error) {
	pattern := getString(params, "pattern")
	if pattern == "" {
		return "Error: 'pattern' parameter is required", nil
	}
	path := getString(params, "path")
	if path == "" {
		path = "."
	}

	lookPath := t.lookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	var name string
	var args []string
	if _, err := lookPath("rg"); err == nil {
		name = "rg"
		args = []string{"--line-number", "--no-heading", "--color", "never",
			"--max-count", "100", "--max-filesize", "1M", pattern, path}
	} else {
		name = "grep"
		args = []string{"-rn"}
		for _, inc := range grepIncludes {
			args = append(args, "--include="+inc)
		}
		args = append(args, pattern, path)
	}

	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	dir, err := t.Workspace.Dir(run)
	if err != nil {
		return "", fmt.Errorf("search_code: %w", err)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "Error: Search timed out after 30 seconds", nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", fmt.Errorf("search_code: %w", err)
		}
		if exitErr.ExitCode() == 1 {
			return "No matches found", nil
		}
		if stderr.Len() > 0 {
			return "Error: " + strings.TrimSpace(stderr.String()), nil
		}
	}

	result := stdout.String()
	if strings.TrimSpace(result) == "" {
		return "No matches found", nil
	}
	return truncate(result, maxSearchBytes, "\n... (results truncated)"), nil
}
