package protocol

import "time"

// TicketStatus represents the lifecycle state of a ticket.
type TicketStatus string

const (
	TicketPending   TicketStatus = "pending"
	TicketRunning   TicketStatus = "running"
	TicketSuspended TicketStatus = "suspended"
	TicketCompleted TicketStatus = "completed"
	TicketFailed    TicketStatus = "failed"
)

// Valid reports whether s is a known ticket status.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketPending, TicketRunning, TicketSuspended, TicketCompleted, TicketFailed:
		return true
	}
	return false
}

// Terminal reports whether no executor will ever pick the ticket up again
// without a reset.
func (s TicketStatus) Terminal() bool {
	return s == TicketCompleted || s == TicketFailed
}

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionSuspended SessionStatus = "suspended"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Current reports whether a session in this status is the ticket's current one.
func (s SessionStatus) Current() bool {
	return s == SessionActive || s == SessionSuspended
}

// StepStatus represents the state of a progress step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Valid reports whether s is a known step status.
func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepRunning, StepCompleted, StepFailed:
		return true
	}
	return false
}

// Ticket is one unit of agent work.
type Ticket struct {
	ID           string         `json:"id"`
	AgentID      string         `json:"agent_id"`
	Status       TicketStatus   `json:"status"`
	Params       map[string]any `json:"params"`
	Context      map[string]any `json:"context"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Session is one continuous conversation attempt at a ticket.
type Session struct {
	ID           string         `json:"id"`
	TicketID     string         `json:"ticket_id"`
	Status       SessionStatus  `json:"status"`
	Context      map[string]any `json:"context"`
	MessageCount int            `json:"message_count"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Step is an ordered progress marker recorded by the agent.
type Step struct {
	ID        int64          `json:"id"`
	TicketID  string         `json:"ticket_id"`
	Idx       int            `json:"idx"`
	Title     string         `json:"title"`
	Status    StepStatus     `json:"status"`
	Result    map[string]any `json:"result,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
