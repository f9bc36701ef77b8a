package protocol

import "time"

// Event types published on the lifecycle event stream.
const (
	EventTicketCreated  = "ticket.created"
	EventTicketStatus   = "ticket.status"
	EventTicketDeleted  = "ticket.deleted"
	EventStepAdded      = "step.added"
	EventMessageAdded   = "message.added"
	EventHumanRequested = "human.requested"
)

// Event is a lifecycle notification for subscribers (websocket, connectors).
type Event struct {
	Type      string         `json:"type"`
	TicketID  string         `json:"ticket_id"`
	SessionID string         `json:"session_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Time      time.Time      `json:"time"`
}
