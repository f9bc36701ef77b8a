// Package lifecycle holds the ticket, session and step state machine.
// Guards are pure functions that evaluate preconditions without side effects;
// callers perform the mutation only when a guard allows it.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

// GuardResult represents the outcome of a guard evaluation.
type GuardResult struct {
	Allowed bool
	Reason  string
}

// Error converts the guard result to an error if not allowed.
func (r GuardResult) Error() error {
	if r.Allowed {
		return nil
	}
	return fmt.Errorf("%s", r.Reason)
}

func allow() GuardResult { return GuardResult{Allowed: true} }

func deny(format string, args ...any) GuardResult {
	return GuardResult{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

var ticketTransitions = map[protocol.TicketStatus][]protocol.TicketStatus{
	protocol.TicketPending:   {protocol.TicketRunning},
	protocol.TicketRunning:   {protocol.TicketSuspended, protocol.TicketCompleted, protocol.TicketFailed, protocol.TicketPending},
	protocol.TicketSuspended: {protocol.TicketPending, protocol.TicketFailed},
	protocol.TicketCompleted: {},
	protocol.TicketFailed:    {},
}

// CanTransition evaluates a ticket status change made by the dispatcher,
// an executor or a requeue. Reset is not covered here; see CanReset.
func CanTransition(from, to protocol.TicketStatus) GuardResult {
	if !to.Valid() {
		return deny("unknown ticket status %q", to)
	}
	for _, s := range ticketTransitions[from] {
		if s == to {
			return allow()
		}
	}
	return deny("ticket cannot move from %s to %s", from, to)
}

// SessionStatusFor returns the session status that moves in lockstep with a
// ticket status. The bool is false when the ticket status has no paired
// session status.
func SessionStatusFor(s protocol.TicketStatus) (protocol.SessionStatus, bool) {
	switch s {
	case protocol.TicketSuspended:
		return protocol.SessionSuspended, true
	case protocol.TicketCompleted:
		return protocol.SessionCompleted, true
	case protocol.TicketFailed:
		return protocol.SessionFailed, true
	case protocol.TicketPending, protocol.TicketRunning:
		return protocol.SessionActive, true
	}
	return "", false
}

// CanClaim evaluates whether the dispatcher may move a ticket to running.
// Rules:
// - Status must be pending
func CanClaim(status protocol.TicketStatus) GuardResult {
	if status != protocol.TicketPending {
		return deny("can only dispatch pending tickets (current status: %s)", status)
	}
	return allow()
}

// CanResume evaluates whether a ticket can be resumed.
// Rules:
// - Status must be suspended
func CanResume(ticketID string, status protocol.TicketStatus) GuardResult {
	if status != protocol.TicketSuspended {
		return deny("ticket %s is not suspended (current status: %s)", ticketID, status)
	}
	return allow()
}

// CanReset evaluates whether a ticket can be reset. Any known status can be
// reset; a running ticket's executor is stopped by the caller first.
func CanReset(ticketID string, status protocol.TicketStatus) GuardResult {
	if !status.Valid() {
		return deny("ticket %s has unknown status %q", ticketID, status)
	}
	return allow()
}

// CanAddMessage evaluates whether a human message can be appended to a session.
// Rules:
// - Session must be active or suspended
func CanAddMessage(sessionID string, status protocol.SessionStatus) GuardResult {
	if !status.Current() {
		return deny("session %s is %s and no longer accepts messages", sessionID, status)
	}
	return allow()
}

// TranscriptContext describes a session an executor is about to write to.
type TranscriptContext struct {
	SessionID     string
	SessionStatus protocol.SessionStatus
	TicketStatus  protocol.TicketStatus
	// Newest is true when no later session exists for the ticket.
	Newest bool
}

// CanAppendTranscript evaluates whether an executor turn may be written to a
// session.
// Rules:
// - Session active or suspended, or
// - Session closed in lockstep with its finished ticket and still the
//   ticket's newest session (the closing tool result)
func CanAppendTranscript(ctx TranscriptContext) GuardResult {
	if ctx.SessionStatus.Current() {
		return allow()
	}
	paired, _ := SessionStatusFor(ctx.TicketStatus)
	if ctx.TicketStatus.Terminal() && paired == ctx.SessionStatus && ctx.Newest {
		return allow()
	}
	return deny("session %s is %s and was superseded (ticket status: %s)", ctx.SessionID, ctx.SessionStatus, ctx.TicketStatus)
}

// CanFinalize evaluates whether a system tool may set a terminal or
// suspended state on a ticket.
// Rules:
// - Ticket must be running
func CanFinalize(ticketID string, status protocol.TicketStatus) GuardResult {
	if status != protocol.TicketRunning {
		return deny("ticket %s is not running (current status: %s)", ticketID, status)
	}
	return allow()
}

// OrphanContext provides context for the reconciliation guard.
type OrphanContext struct {
	TicketID  string
	Status    protocol.TicketStatus
	Leased    bool
	UpdatedAt time.Time
	Now       time.Time
	Grace     time.Duration
	// IdleSession is true when the active session's last message is an
	// assistant turn that requested no tool: the agent is waiting for input.
	IdleSession bool
}

// CanRequeueOrphan evaluates whether a running ticket with no executor should
// be returned to the dispatch queue.
// Rules:
// - Status must be running
// - No live executor lease
// - Last update older than the grace period
// - Session not idle
func CanRequeueOrphan(ctx OrphanContext) GuardResult {
	if ctx.Status != protocol.TicketRunning {
		return deny("ticket %s is %s, not running", ctx.TicketID, ctx.Status)
	}
	if ctx.Leased {
		return deny("ticket %s has a live executor", ctx.TicketID)
	}
	if ctx.Now.Sub(ctx.UpdatedAt) < ctx.Grace {
		return deny("ticket %s updated within grace period", ctx.TicketID)
	}
	if ctx.IdleSession {
		return deny("ticket %s is idle, waiting for a message", ctx.TicketID)
	}
	return allow()
}
