package service

import (
	"context"
	"fmt"

	"github.com/h1v3-io/agentdesk/internal/dispatcher"
	"github.com/h1v3-io/agentdesk/internal/skill"
	"github.com/h1v3-io/agentdesk/internal/tool"
	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

// ListSkills returns the loaded skills sorted by name.
func (s *Service) ListSkills() []*skill.Skill {
	if s.skills == nil {
		return []*skill.Skill{}
	}
	return s.skills.List()
}

// GetSkill returns one skill with its content.
func (s *Service) GetSkill(name string) (*skill.Skill, error) {
	if s.skills != nil {
		if sk, ok := s.skills.Get(name); ok {
			return sk, nil
		}
	}
	return nil, fmt.Errorf("skill %q: %w", name, ErrNotFound)
}

// ListTools returns the persisted tool catalog.
func (s *Service) ListTools(ctx context.Context) ([]*protocol.ToolInfo, error) {
	return s.store.ListTools(ctx)
}

// GetTool returns one catalog entry.
func (s *Service) GetTool(ctx context.Context, name string) (*protocol.ToolInfo, error) {
	return s.store.GetTool(ctx, name)
}

// SyncTools writes the registry into the catalog.
func (s *Service) SyncTools(ctx context.Context) (tool.SyncReport, error) {
	report, err := tool.Sync(ctx, s.tools, s.store)
	if err != nil {
		return report, err
	}
	s.logger.Info("tool catalog synced",
		"created", len(report.Created), "updated", len(report.Updated), "unchanged", len(report.Unchanged))
	return report, nil
}

// Executors lists live executor leases.
func (s *Service) Executors() []dispatcher.Lease {
	if s.leases == nil {
		return []dispatcher.Lease{}
	}
	return s.leases.Active()
}
