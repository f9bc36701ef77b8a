package ticket

import (
	"context"
	"errors"

	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState is returned when a lifecycle guard rejects a change.
	ErrInvalidState = errors.New("invalid state")
	// ErrConflict is returned on unique constraint violations.
	ErrConflict = errors.New("conflict")
)

// Store is the persistence interface for agents, tools, tickets and their
// sessions, steps and messages. Every multi-row change runs in one
// transaction.
type Store interface {
	AgentStore
	ToolStore

	// CreateTicket inserts a new ticket. An empty ID is generated.
	CreateTicket(ctx context.Context, t *protocol.Ticket) error
	// GetTicket retrieves a ticket by ID.
	GetTicket(ctx context.Context, id string) (*protocol.Ticket, error)
	// ListTickets returns tickets matching the filter, newest update first.
	ListTickets(ctx context.Context, filter Filter) ([]*protocol.Ticket, error)
	// DeleteTicket removes a ticket with its sessions, steps and messages.
	DeleteTicket(ctx context.Context, id string) error

	// ClaimPending moves every pending ticket to running and ensures each has
	// an active session, in one transaction.
	ClaimPending(ctx context.Context) ([]Claim, error)
	// Finalize moves a running ticket and its session to a suspended or
	// terminal status together. patch is merged into the ticket context.
	// sessionID must be the ticket's active session.
	Finalize(ctx context.Context, ticketID, sessionID string, to protocol.TicketStatus, errMsg string, patch map[string]any) error
	// ForceFail marks a ticket and its active session failed regardless of
	// the ticket status. It fails with ErrInvalidState when sessionID is no
	// longer the active session.
	ForceFail(ctx context.Context, ticketID, sessionID, errMsg string) error
	// Resume requeues a suspended ticket and reactivates its session.
	Resume(ctx context.Context, ticketID string) (*protocol.Ticket, error)
	// Reset archives the current session and requeues the ticket.
	Reset(ctx context.Context, ticketID string) (*protocol.Ticket, error)
	// Requeue moves a ticket back to pending if it is still in status from.
	Requeue(ctx context.Context, ticketID string, from protocol.TicketStatus) (bool, error)

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, id string) (*protocol.Session, error)
	// ListSessions returns sessions, newest first. Empty ticketID lists all.
	ListSessions(ctx context.Context, ticketID string) ([]*protocol.Session, error)
	// CurrentSession returns the ticket's active or suspended session.
	CurrentSession(ctx context.Context, ticketID string) (*protocol.Session, error)

	// AppendMessage adds a message to a session transcript. Sessions
	// superseded by a reset are rejected with ErrInvalidState.
	AppendMessage(ctx context.Context, sessionID, role, content string) (*protocol.Message, error)
	// AppendUserMessage adds a human message and reactivates the session.
	// A suspended ticket is requeued; a running one only when requeueRunning.
	AppendUserMessage(ctx context.Context, sessionID, content string, requeueRunning bool) (*protocol.Message, *protocol.Ticket, error)
	// ListMessages returns a session transcript in insertion order.
	ListMessages(ctx context.Context, sessionID string) ([]protocol.Message, error)
	// LastMessage returns the newest message of a session, or nil if empty.
	LastMessage(ctx context.Context, sessionID string) (*protocol.Message, error)

	// AppendStep records a step with the next free index for the ticket.
	AppendStep(ctx context.Context, ticketID, title string, status protocol.StepStatus, result map[string]any) (*protocol.Step, error)
	// ListSteps returns a ticket's steps ordered by index.
	ListSteps(ctx context.Context, ticketID string) ([]protocol.Step, error)

	Close() error
}

// AgentStore persists agent configurations.
type AgentStore interface {
	CreateAgent(ctx context.Context, a *protocol.Agent) error
	GetAgent(ctx context.Context, id string) (*protocol.Agent, error)
	GetAgentByName(ctx context.Context, name string) (*protocol.Agent, error)
	ListAgents(ctx context.Context) ([]*protocol.Agent, error)
	UpdateAgent(ctx context.Context, a *protocol.Agent) error
	// DeleteAgent fails with ErrInvalidState while tickets reference the agent.
	DeleteAgent(ctx context.Context, id string) error
}

// ToolStore persists the tool catalog.
type ToolStore interface {
	// UpsertTool inserts or refreshes a catalog entry.
	UpsertTool(ctx context.Context, name, description string, schema map[string]any) (SyncOutcome, error)
	GetTool(ctx context.Context, name string) (*protocol.ToolInfo, error)
	ListTools(ctx context.Context) ([]*protocol.ToolInfo, error)
}

// SyncOutcome reports what UpsertTool did.
type SyncOutcome string

const (
	ToolCreated   SyncOutcome = "created"
	ToolUpdated   SyncOutcome = "updated"
	ToolUnchanged SyncOutcome = "unchanged"
)

// Claim is one ticket taken by a dispatch cycle.
type Claim struct {
	Ticket  *protocol.Ticket
	Session *protocol.Session
	// NewSession is true when the cycle created the session.
	NewSession bool
}

// Filter constrains ticket list queries.
type Filter struct {
	Status  protocol.TicketStatus
	AgentID string
	Limit   int // 0 = no limit
}
