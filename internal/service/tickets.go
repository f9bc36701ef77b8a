package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/h1v3-io/agentdesk/internal/ticket"
	"github.com/h1v3-io/agentdesk/internal/tool"
	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

// TicketDetail is a ticket with its steps and sessions.
type TicketDetail struct {
	*protocol.Ticket
	Steps            []protocol.Step     `json:"steps"`
	Sessions         []*protocol.Session `json:"sessions"`
	CurrentSessionID string              `json:"current_session_id,omitempty"`
	Executing        bool                `json:"executing"`
}

// SessionDetail is a session with its ordered transcript.
type SessionDetail struct {
	*protocol.Session
	Messages []protocol.Message `json:"messages"`
}

// CreateTicket queues work for an agent, given by id or name. params are
// laid over the agent's defaults and checked against its params schema.
func (s *Service) CreateTicket(ctx context.Context, agentRef string, params, taskContext map[string]any) (*protocol.Ticket, error) {
	agent, err := s.GetAgent(ctx, agentRef)
	if err != nil {
		return nil, err
	}
	merged := agent.MergeParams(params)
	if err := tool.ValidateParams(agent.ParamsSchema, merged); err != nil {
		return nil, fmt.Errorf("%w: params: %v", ErrInvalidInput, err)
	}
	t := &protocol.Ticket{AgentID: agent.ID, Params: merged, Context: taskContext}
	if err := s.store.CreateTicket(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info("ticket created", "ticket", t.ID, "agent", agent.Name)
	s.publish(protocol.Event{Type: protocol.EventTicketCreated, TicketID: t.ID, AgentID: agent.ID,
		Status: string(t.Status)})
	return t, nil
}

// GetTicket returns a ticket with steps (by index) and sessions (newest
// first).
func (s *Service) GetTicket(ctx context.Context, id string) (*TicketDetail, error) {
	t, err := s.store.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.ListSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	sessions, err := s.store.ListSessions(ctx, id)
	if err != nil {
		return nil, err
	}
	if steps == nil {
		steps = []protocol.Step{}
	}
	if sessions == nil {
		sessions = []*protocol.Session{}
	}
	d := &TicketDetail{Ticket: t, Steps: steps, Sessions: sessions, Executing: s.leased(id)}
	for _, sess := range sessions {
		if sess.Status.Current() {
			d.CurrentSessionID = sess.ID
			break
		}
	}
	return d, nil
}

// ListTickets returns tickets, most recently updated first.
func (s *Service) ListTickets(ctx context.Context, filter ticket.Filter) ([]*protocol.Ticket, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, filter.Status)
	}
	return s.store.ListTickets(ctx, filter)
}

// ResumeTicket requeues a suspended ticket. Any other status is rejected
// with ErrInvalidState and nothing changes.
func (s *Service) ResumeTicket(ctx context.Context, id string) (*protocol.Ticket, error) {
	t, err := s.store.Resume(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("ticket resumed", "ticket", id)
	s.publish(protocol.Event{Type: protocol.EventTicketStatus, TicketID: id, AgentID: t.AgentID,
		Status: string(t.Status), Data: map[string]any{"reason": "resume"}})
	return t, nil
}

// ResetTicket stops any live executor, archives the current session and
// requeues the ticket with its error cleared.
func (s *Service) ResetTicket(ctx context.Context, id string) (*protocol.Ticket, error) {
	if _, err := s.store.GetTicket(ctx, id); err != nil {
		return nil, err
	}
	s.stopExecutor(id)
	t, err := s.store.Reset(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("ticket reset", "ticket", id)
	s.publish(protocol.Event{Type: protocol.EventTicketStatus, TicketID: id, AgentID: t.AgentID,
		Status: string(t.Status), Data: map[string]any{"reason": "reset"}})
	return t, nil
}

// DeleteTicket stops any live executor and removes the ticket with its
// sessions, steps and messages.
func (s *Service) DeleteTicket(ctx context.Context, id string) error {
	t, err := s.store.GetTicket(ctx, id)
	if err != nil {
		return err
	}
	s.stopExecutor(id)
	if err := s.store.DeleteTicket(ctx, id); err != nil {
		return err
	}
	s.logger.Info("ticket deleted", "ticket", id)
	s.publish(protocol.Event{Type: protocol.EventTicketDeleted, TicketID: id, AgentID: t.AgentID})
	return nil
}

// AddMessage appends a human message to a session. A suspended session is
// reactivated and its ticket requeued; a running ticket whose executor has
// gone idle is requeued too.
func (s *Service) AddMessage(ctx context.Context, sessionID, content string) (*protocol.Message, *protocol.Ticket, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil, fmt.Errorf("%w: message content is empty", ErrInvalidInput)
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	msg, t, err := s.store.AppendUserMessage(ctx, sessionID, content, !s.leased(sess.TicketID))
	if err != nil {
		return nil, nil, err
	}
	s.publish(protocol.Event{Type: protocol.EventMessageAdded, TicketID: t.ID, SessionID: sessionID,
		AgentID: t.AgentID, Data: map[string]any{"message_id": msg.ID, "role": msg.Role}})
	if t.Status == protocol.TicketPending {
		s.publish(protocol.Event{Type: protocol.EventTicketStatus, TicketID: t.ID, SessionID: sessionID,
			AgentID: t.AgentID, Status: string(t.Status), Data: map[string]any{"reason": "message"}})
	}
	return msg, t, nil
}

// AddTicketMessage routes a human message to the ticket's current session.
func (s *Service) AddTicketMessage(ctx context.Context, ticketID, content string) (*protocol.Message, *protocol.Ticket, error) {
	sess, err := s.store.CurrentSession(ctx, ticketID)
	if errors.Is(err, ErrNotFound) {
		if _, terr := s.store.GetTicket(ctx, ticketID); terr != nil {
			return nil, nil, terr
		}
		return nil, nil, fmt.Errorf("%w: ticket %s has no open session", ErrInvalidState, ticketID)
	}
	if err != nil {
		return nil, nil, err
	}
	return s.AddMessage(ctx, sess.ID, content)
}

// ListSessions returns sessions with message counts, newest first. An empty
// ticketID lists every session.
func (s *Service) ListSessions(ctx context.Context, ticketID string) ([]*protocol.Session, error) {
	if ticketID != "" {
		if _, err := s.store.GetTicket(ctx, ticketID); err != nil {
			return nil, err
		}
	}
	return s.store.ListSessions(ctx, ticketID)
}

// GetSession returns a session with its transcript.
func (s *Service) GetSession(ctx context.Context, id string) (*SessionDetail, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []protocol.Message{}
	}
	return &SessionDetail{Session: sess, Messages: msgs}, nil
}
