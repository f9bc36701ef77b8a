package connector

import (
	"context"
	"encoding/json"
)

// Connector is the interface for external messaging platforms (Telegram, Slack, etc.).
type Connector interface {
	// Name returns the connector type (e.g., "telegram", "slack").
	Name() string
	// Start begins listening for inbound messages. Blocks until context is cancelled.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the connector.
	Stop() error
	// Send delivers an outbound message to the external platform.
	Send(ctx context.Context, msg OutboundMessage) error
}

// OutboundMessage is a message posted to an external platform.
type OutboundMessage struct {
	ChatID  string // Platform-specific chat identifier
	Content string // Message text (Markdown)
}

// InboundMessage is a message received from an external platform.
type InboundMessage struct {
	Channel  string // Connector name (e.g., "telegram", "webhook:github")
	SenderID string // Platform-specific sender identifier
	ChatID   string // Platform-specific chat identifier
	Content  string

	// Optional routing overrides. TicketID appends to that ticket's open
	// session; Agent picks the agent for a new ticket.
	TicketID string
	Agent    string
	Params   map[string]any

	// Metadata is stored in a new ticket's context. For a message added to
	// an existing ticket it is appended to the text instead.
	Metadata map[string]any
}

func (m InboundMessage) text() string {
	if len(m.Metadata) == 0 {
		return m.Content
	}
	raw, err := json.Marshal(m.Metadata)
	if err != nil {
		return m.Content
	}
	return m.Content + "\n\n[metadata: " + string(raw) + "]"
}

// InboundHandler processes a message from an external platform and returns
// the id of the ticket it was routed to.
type InboundHandler func(ctx context.Context, msg InboundMessage) (string, error)

// Inbox is what chat connectors deliver to. *Router implements it.
type Inbox interface {
	HandleInbound(ctx context.Context, msg InboundMessage) (string, error)
	Binding(chat ChatRef) (string, bool)
	Reset(chat ChatRef) bool
	Attach(ctx context.Context, chat ChatRef, ticketID string) error
}
