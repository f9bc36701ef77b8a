package tool

import (
	"context"
	"fmt"

	"github.com/h1v3-io/agentdesk/internal/ticket"
)

// Catalog is the persistent tool list that Sync writes to.
type Catalog interface {
	UpsertTool(ctx context.Context, name, description string, schema map[string]any) (ticket.SyncOutcome, error)
}

// SyncReport lists tool names by what Sync did with them.
type SyncReport struct {
	Created   []string `json:"created"`
	Updated   []string `json:"updated"`
	Unchanged []string `json:"unchanged"`
}

// Sync upserts every registered tool into the catalog. A tool is updated
// when its description or parameter schema changed.
func Sync(ctx context.Context, reg *Registry, catalog Catalog) (SyncReport, error) {
	report := SyncReport{Created: []string{}, Updated: []string{}, Unchanged: []string{}}
	for _, name := range reg.List() {
		t, ok := reg.Get(name)
		if !ok {
			continue
		}
		outcome, err := catalog.UpsertTool(ctx, t.Name(), t.Description(), t.Parameters())
		if err != nil {
			return report, fmt.Errorf("tool sync: %w", err)
		}
		switch outcome {
		case ticket.ToolCreated:
			report.Created = append(report.Created, name)
		case ticket.ToolUpdated:
			report.Updated = append(report.Updated, name)
		default:
			report.Unchanged = append(report.Unchanged, name)
		}
	}
	return report, nil
}
