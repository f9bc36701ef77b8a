package tool

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/h1v3-io/agentdesk/internal/ticket"
)

func TestSync(t *testing.T) {
	ctx := context.Background()
	store, err := ticket.NewSQLiteStore(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	reg := NewRegistry()
	reg.Register(&stubTool{name: "alpha"})
	reg.Register(&stubTool{name: "beta"})

	report, err := Sync(ctx, reg, store)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if len(report.Created) != 2 || len(report.Updated) != 0 {
		t.Fatalf("first sync report = %+v", report)
	}

	reg.Register(&stubTool{name: "beta", schema: map[string]any{
		"type":       "object",
		"properties": map[string]any{"q": map[string]any{"type": "string"}},
	}})
	report, err = Sync(ctx, reg, store)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(report.Updated) != 1 || report.Updated[0] != "beta" {
		t.Errorf("expected beta updated, got %+v", report)
	}
	if len(report.Unchanged) != 1 || report.Unchanged[0] != "alpha" {
		t.Errorf("expected alpha unchanged, got %+v", report)
	}

	tools, err := store.ListTools(ctx)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 2 {
		t.Errorf("expected 2 catalog entries, got %d", len(tools))
	}
}
