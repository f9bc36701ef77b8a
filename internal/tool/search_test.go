package tool

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func noRipgrep(string) (string, error) { return "", exec.ErrNotFound }

func TestSearchCode_GrepFallback(t *testing.T) {
	if _, err := exec.LookPath("grep"); err != nil {
		t.Skip("grep not installed")
	}
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc needle() {}\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("needle in a text file\n"), 0o644)

	tool := &SearchCodeTool{Workspace: Workspace{Root: dir}, lookPath: noRipgrep}
	result, err := tool.Execute(context.Background(), Execution{}, map[string]any{"pattern": "needle"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result, "main.go:3:func needle() {}") {
		t.Errorf("expected go match with line number, got %q", result)
	}
	if strings.Contains(result, "notes.txt") {
		t.Errorf("non-source files should be skipped, got %q", result)
	}
}

func TestSearchCode_NoMatches(t *testing.T) {
	if _, err := exec.LookPath("grep"); err != nil {
		t.Skip("grep not installed")
	}
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n"), 0o644)

	tool := &SearchCodeTool{Workspace: Workspace{Root: dir}, lookPath: noRipgrep}
	result, _ := tool.Execute(context.Background(), Execution{}, map[string]any{"pattern": "zzz_absent"})
	if result != "No matches found" {
		t.Errorf("got %q", result)
	}
}

func TestSearchCode_RequiresPattern(t *testing.T) {
	tool := &SearchCodeTool{lookPath: func(string) (string, error) { return "", errors.New("unused") }}
	result, _ := tool.Execute(context.Background(), Execution{}, map[string]any{})
	if result != "Error: 'pattern' parameter is required" {
		t.Errorf("got %q", result)
	}
}
