package service

import (
	"context"

	"github.com/h1v3-io/agentdesk/internal/ticket"
	"github.com/h1v3-io/agentdesk/internal/tool"
	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

// Desk exposes the service to the agent-facing ticket tools. Tickets made
// through it are validated and published like API-created ones.
func (s *Service) Desk() tool.TicketDesk {
	return desk{s}
}

type desk struct{ s *Service }

func (d desk) ListAgents(ctx context.Context) ([]*protocol.Agent, error) {
	return d.s.ListAgents(ctx)
}

func (d desk) CreateTicket(ctx context.Context, agentRef string, params, taskContext map[string]any) (*protocol.Ticket, error) {
	return d.s.CreateTicket(ctx, agentRef, params, taskContext)
}

func (d desk) GetTicket(ctx context.Context, id string) (*protocol.Ticket, error) {
	return d.s.store.GetTicket(ctx, id)
}

func (d desk) ListTickets(ctx context.Context, filter ticket.Filter) ([]*protocol.Ticket, error) {
	return d.s.ListTickets(ctx, filter)
}
