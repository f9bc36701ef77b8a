package tool

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execTool(t *testing.T, tool Tool, run Execution, params map[string]any) string {
	t.Helper()
	got, err := tool.Execute(context.Background(), run, params)
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", tool.Name(), err)
	}
	return got
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestWorkspaceResolve(t *testing.T) {
	root := t.TempDir()
	ws := Workspace{Root: root}

	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{"notes.md", filepath.Join(root, "notes.md"), false},
		{"", root, false},
		{"a/../b.txt", filepath.Join(root, "b.txt"), false},
		{filepath.Join(root, "abs.txt"), filepath.Join(root, "abs.txt"), false},
		{"../escape.txt", "", true},
		{"/etc/passwd", "", true},
		{root + "-sibling/x", "", true},
	}
	for _, tt := range tests {
		got, err := ws.Resolve(Execution{}, tt.path)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("Resolve(%q) = %q, %v; want %q, err=%v", tt.path, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestWorkspacePerTicket(t *testing.T) {
	root := t.TempDir()
	ws := Workspace{Root: root, PerTicket: true}

	got, err := ws.Resolve(Execution{TicketID: "t-9"}, "out.txt")
	if err != nil || got != filepath.Join(root, "t-9", "out.txt") {
		t.Errorf("Resolve = %q, %v", got, err)
	}
	if _, err := ws.Dir(Execution{TicketID: "../t-1"}); err == nil {
		t.Error("ticket id with a separator must be rejected")
	}
	if got, _ := (Workspace{}).Dir(Execution{TicketID: "t-9"}); got != "" {
		t.Errorf("unconfined workspace dir = %q", got)
	}
}

func TestReadFile(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"notes.md": "# notes\n",
		"log.txt":  "one\ntwo\nthree\nfour\n",
		"bin.dat":  "\xff\xfe\x00\x81",
		"big.txt":  strings.Repeat("a", maxReadSize+1),
		"sub/keep": "",
	})
	tool := &ReadFileTool{Workspace: Workspace{Root: root}}

	tests := []struct {
		name   string
		params map[string]any
		want   string
	}{
		{"whole file", map[string]any{"path": "notes.md"}, "# notes\n"},
		{"line range", map[string]any{"path": "log.txt", "offset": float64(2), "limit": float64(2)}, "two\nthree\n"},
		{"offset only", map[string]any{"path": "log.txt", "offset": float64(4)}, "four\n"},
		{"past the end", map[string]any{"path": "log.txt", "offset": float64(9)}, "(file has 4 lines)"},
		{"missing", map[string]any{"path": "missing.txt"}, "Error: not found: missing.txt"},
		{"directory", map[string]any{"path": "sub"}, "Error: not a regular file: sub"},
		{"too big", map[string]any{"path": "big.txt"}, "Error: big.txt is 1048577 bytes, over the 1MB limit"},
		{"binary", map[string]any{"path": "bin.dat"}, "Error: binary file: bin.dat"},
		{"no path", map[string]any{}, "Error: 'path' parameter is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := execTool(t, tool, Execution{}, tt.params); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if got := execTool(t, tool, Execution{}, map[string]any{"path": "/etc/passwd"}); !strings.Contains(got, "outside the workspace") {
		t.Errorf("expected confinement error, got %q", got)
	}
}

func TestWriteFile(t *testing.T) {
	root := t.TempDir()
	tool := &WriteFileTool{Workspace: Workspace{Root: root}}

	got := execTool(t, tool, Execution{}, map[string]any{"path": "sub/out.txt", "content": "data"})
	if got != "Wrote 4 bytes to sub/out.txt" {
		t.Errorf("write result %q", got)
	}
	got = execTool(t, tool, Execution{}, map[string]any{"path": "sub/out.txt", "content": "+more", "append": true})
	if got != "Appended 5 bytes to sub/out.txt" {
		t.Errorf("append result %q", got)
	}
	data, _ := os.ReadFile(filepath.Join(root, "sub", "out.txt"))
	if string(data) != "data+more" {
		t.Errorf("file = %q", data)
	}

	execTool(t, tool, Execution{}, map[string]any{"path": "sub/out.txt", "content": "fresh"})
	data, _ = os.ReadFile(filepath.Join(root, "sub", "out.txt"))
	if string(data) != "fresh" {
		t.Errorf("overwrite left %q", data)
	}

	if got := execTool(t, tool, Execution{}, map[string]any{"path": "../x", "content": "x"}); !strings.HasPrefix(got, "Error:") {
		t.Errorf("escape should fail, got %q", got)
	}
}

func TestListDir(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"b.txt": "abc", "a.txt": "", "zdir/x": "x"})
	tool := &ListDirTool{Workspace: Workspace{Root: root}}

	got := execTool(t, tool, Execution{}, map[string]any{})
	if got != "zdir/\na.txt  0 bytes\nb.txt  3 bytes\n" {
		t.Errorf("listing = %q", got)
	}

	empty := &ListDirTool{Workspace: Workspace{Root: t.TempDir()}}
	if got := execTool(t, empty, Execution{}, map[string]any{"path": "."}); got != "(empty directory)" {
		t.Errorf("empty listing = %q", got)
	}
	if got := execTool(t, tool, Execution{}, map[string]any{"path": "nope"}); got != "Error: not found: nope" {
		t.Errorf("missing dir = %q", got)
	}
}

func TestFileToolsShareTicketWorkspace(t *testing.T) {
	ws := Workspace{Root: t.TempDir(), PerTicket: true}
	write := &WriteFileTool{Workspace: ws}
	read := &ReadFileTool{Workspace: ws}

	execTool(t, write, Execution{TicketID: "t-1"}, map[string]any{"path": "plan.md", "content": "step 1"})

	if got := execTool(t, read, Execution{TicketID: "t-1"}, map[string]any{"path": "plan.md"}); got != "step 1" {
		t.Errorf("same ticket read %q", got)
	}
	if got := execTool(t, read, Execution{TicketID: "t-2"}, map[string]any{"path": "plan.md"}); got != "Error: not found: plan.md" {
		t.Errorf("other ticket read %q", got)
	}
}
