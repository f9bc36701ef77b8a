package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/h1v3-io/agentdesk/internal/tool"
	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

// systemTools are handled by the executor and may be listed by agents
// without being registered.
var systemTools = map[string]bool{
	"request_human_input": true,
	"complete_task":       true,
	"fail_task":           true,
	"add_step":            true,
}

// GetAgent looks an agent up by id, then by name.
func (s *Service) GetAgent(ctx context.Context, ref string) (*protocol.Agent, error) {
	a, err := s.store.GetAgent(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		a, err = s.store.GetAgentByName(ctx, ref)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAgents returns every agent.
func (s *Service) ListAgents(ctx context.Context) ([]*protocol.Agent, error) {
	return s.store.ListAgents(ctx)
}

// CreateAgent validates and stores a new agent.
func (s *Service) CreateAgent(ctx context.Context, a *protocol.Agent) (*protocol.Agent, error) {
	a.ID = ""
	if err := s.validateAgent(a); err != nil {
		return nil, err
	}
	if err := s.store.CreateAgent(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info("agent created", "agent", a.Name, "id", a.ID)
	s.syncSchedule(a)
	return a, nil
}

// UpdateAgent replaces the agent's configuration. Tickets already running
// keep the configuration they loaded.
func (s *Service) UpdateAgent(ctx context.Context, ref string, a *protocol.Agent) (*protocol.Agent, error) {
	existing, err := s.GetAgent(ctx, ref)
	if err != nil {
		return nil, err
	}
	a.ID = existing.ID
	a.CreatedAt = existing.CreatedAt
	if err := s.validateAgent(a); err != nil {
		return nil, err
	}
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info("agent updated", "agent", a.Name, "id", a.ID)
	s.syncSchedule(a)
	return s.store.GetAgent(ctx, a.ID)
}

// UpsertAgent creates the agent or updates the one with the same name. It
// seeds agents from configuration.
func (s *Service) UpsertAgent(ctx context.Context, a *protocol.Agent) (*protocol.Agent, error) {
	existing, err := s.store.GetAgentByName(ctx, a.Name)
	if errors.Is(err, ErrNotFound) {
		return s.CreateAgent(ctx, a)
	}
	if err != nil {
		return nil, err
	}
	return s.UpdateAgent(ctx, existing.ID, a)
}

// DeleteAgent removes an agent. Agents still referenced by tickets are
// rejected with ErrInvalidState.
func (s *Service) DeleteAgent(ctx context.Context, ref string) error {
	a, err := s.GetAgent(ctx, ref)
	if err != nil {
		return err
	}
	if err := s.store.DeleteAgent(ctx, a.ID); err != nil {
		return err
	}
	if s.schedules != nil {
		s.schedules.RemoveAgent(a.ID)
	}
	s.logger.Info("agent deleted", "agent", a.Name, "id", a.ID)
	return nil
}

func (s *Service) syncSchedule(a *protocol.Agent) {
	if s.schedules == nil {
		return
	}
	if err := s.schedules.SyncAgent(a); err != nil {
		s.logger.Warn("agent schedule not applied", "agent", a.Name, "error", err)
	}
}

// validateAgent collects every problem into one ErrInvalidInput.
func (s *Service) validateAgent(a *protocol.Agent) error {
	var problems []string
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" {
		problems = append(problems, "name is required")
	}
	if a.MaxIterations < 0 {
		problems = append(problems, "max_iterations must not be negative")
	}
	for _, name := range a.Tools {
		if systemTools[name] {
			continue
		}
		if s.tools == nil || !s.tools.Has(name) {
			problems = append(problems, fmt.Sprintf("unknown tool %q", name))
		}
	}
	if a.Skill != "" && s.skills != nil {
		if _, ok := s.skills.Get(a.Skill); !ok {
			problems = append(problems, fmt.Sprintf("unknown skill %q", a.Skill))
		}
	}
	if len(a.ParamsSchema) > 0 {
		if _, err := tool.CompileSchema(a.ParamsSchema); err != nil {
			problems = append(problems, "params_schema: "+err.Error())
		}
	}
	if a.Schedule != "" {
		if _, err := cron.ParseStandard(a.Schedule); err != nil {
			problems = append(problems, fmt.Sprintf("schedule %q: %v", a.Schedule, err))
		}
	}
	if a.Tools == nil {
		a.Tools = []string{}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}
