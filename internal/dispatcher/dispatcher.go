// Package dispatcher polls the ticket store for pending work and runs one
// executor per claimed ticket.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/h1v3-io/agentdesk/internal/executor"
	"github.com/h1v3-io/agentdesk/internal/lifecycle"
	"github.com/h1v3-io/agentdesk/internal/ticket"
	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

// ExecutorFactory builds the executor for one claimed ticket.
type ExecutorFactory interface {
	New(kind executor.Kind, ticketID, sessionID string) (executor.Executor, error)
}

// lease marks a ticket as owned by a live executor in this process.
type lease struct {
	sessionID string
	exec      executor.Executor
	started   time.Time
}

// Lease describes a live executor.
type Lease struct {
	TicketID  string    `json:"ticket_id"`
	SessionID string    `json:"session_id"`
	Started   time.Time `json:"started"`
}

// Dispatcher is the single-process poll loop. The transactional pending to
// running claim plus the lease map keep at most one executor per ticket.
type Dispatcher struct {
	store   ticket.Store
	factory ExecutorFactory
	kind    executor.Kind
	events  executor.Publisher
	logger  *slog.Logger

	mu      sync.Mutex
	leases  map[string]*lease
	cancel  context.CancelFunc
	loopEnd chan struct{}

	wg sync.WaitGroup
}

// New creates a dispatcher that builds executors of the given kind. events
// may be nil.
func New(store ticket.Store, factory ExecutorFactory, kind executor.Kind, events executor.Publisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:   store,
		factory: factory,
		kind:    kind,
		events:  events,
		logger:  logger.With("component", "dispatcher"),
		leases:  make(map[string]*lease),
	}
}

// Start begins the background poll loop. A second call while the loop is
// running only logs a warning.
func (d *Dispatcher) Start(ctx context.Context, interval time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.logger.Warn("dispatcher already running")
		return
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.loopEnd = make(chan struct{})
	go d.loop(loopCtx, interval, d.loopEnd)
	d.logger.Info("dispatcher started", "interval", interval, "kind", d.kind)
}

func (d *Dispatcher) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		d.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Running reports whether the poll loop is active.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}

// Stop cancels the poll loop and asks every live executor to stop. It does
// not wait for them; see Wait.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.loopEnd
	d.cancel, d.loopEnd = nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	d.mu.Lock()
	execs := make([]executor.Executor, 0, len(d.leases))
	for _, l := range d.leases {
		execs = append(execs, l.exec)
	}
	d.mu.Unlock()
	for _, ex := range execs {
		ex.Stop()
	}
	d.logger.Info("dispatcher stopped", "executors", len(execs))
}

// Wait blocks until every launched executor has returned or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll runs one dispatch cycle and returns the number of executors
// launched. Errors are logged; the caller's loop keeps going.
func (d *Dispatcher) Poll(ctx context.Context) int {
	claims, err := d.store.ClaimPending(ctx)
	if err != nil {
		if ctx.Err() == nil {
			pollCycles.WithLabelValues("error").Inc()
			d.logger.Error("poll cycle failed", "error", err)
		}
		return 0
	}
	pollCycles.WithLabelValues("ok").Inc()
	if len(claims) == 0 {
		return 0
	}
	claimedTickets.Add(float64(len(claims)))

	// Executors outlive the poll loop; Stop reaches them through their
	// leases instead of through ctx.
	runCtx := context.WithoutCancel(ctx)
	launched := 0
	for _, c := range claims {
		if d.launch(runCtx, c) {
			launched++
		}
	}
	d.logger.Info("poll cycle dispatched", "claimed", len(claims), "launched", launched)
	return launched
}

func (d *Dispatcher) launch(ctx context.Context, c ticket.Claim) bool {
	tid, sid := c.Ticket.ID, c.Session.ID
	logger := d.logger.With("ticket", tid, "session", sid)

	ex, err := d.factory.New(d.kind, tid, sid)
	if err != nil {
		logger.Error("cannot build executor", "error", err)
		msg := fmt.Sprintf("executor: %v", err)
		if ferr := d.store.ForceFail(ctx, tid, sid, msg); ferr != nil {
			logger.Error("failed to mark ticket failed", "error", ferr)
		}
		d.publish(protocol.Event{Type: protocol.EventTicketStatus, TicketID: tid, SessionID: sid,
			AgentID: c.Ticket.AgentID, Status: string(protocol.TicketFailed), Data: map[string]any{"error": msg}})
		return false
	}

	l := &lease{sessionID: sid, exec: ex, started: time.Now().UTC()}
	d.mu.Lock()
	if prev, ok := d.leases[tid]; ok {
		// A stopped executor from an earlier claim may still be unwinding.
		logger.Warn("replacing lease of a stopping executor", "previous_session", prev.sessionID)
		prev.exec.Stop()
	}
	d.leases[tid] = l
	activeExecutors.Set(float64(len(d.leases)))
	d.mu.Unlock()

	d.publish(protocol.Event{Type: protocol.EventTicketStatus, TicketID: tid, SessionID: sid,
		AgentID: c.Ticket.AgentID, Status: string(protocol.TicketRunning),
		Data: map[string]any{"new_session": c.NewSession}})
	logger.Info("ticket dispatched", "new_session", c.NewSession)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.release(tid, l)
		ex.Run(ctx)
	}()
	return true
}

func (d *Dispatcher) release(ticketID string, l *lease) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.leases[ticketID] == l {
		delete(d.leases, ticketID)
	}
	activeExecutors.Set(float64(len(d.leases)))
}

// Leased reports whether a live executor owns the ticket.
func (d *Dispatcher) Leased(ticketID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.leases[ticketID]
	return ok
}

// Active lists live executors ordered by ticket id.
func (d *Dispatcher) Active() []Lease {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Lease, 0, len(d.leases))
	for id, l := range d.leases {
		out = append(out, Lease{TicketID: id, SessionID: l.sessionID, Started: l.started})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TicketID < out[j].TicketID })
	return out
}

// StopTicket asks the ticket's executor to stop. It reports whether one
// was running.
func (d *Dispatcher) StopTicket(ticketID string) bool {
	d.mu.Lock()
	l, ok := d.leases[ticketID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	l.exec.Stop()
	d.logger.Info("executor stop requested", "ticket", ticketID)
	return true
}

// Reconcile requeues orphaned tickets: running, not leased, untouched for
// at least grace, and not parked on an idle assistant turn. It returns the
// number of tickets requeued.
func (d *Dispatcher) Reconcile(ctx context.Context, grace time.Duration) (int, error) {
	running, err := d.store.ListTickets(ctx, ticket.Filter{Status: protocol.TicketRunning})
	if err != nil {
		return 0, fmt.Errorf("dispatcher: reconcile: %w", err)
	}
	now := time.Now()
	requeued := 0
	for _, t := range running {
		oc := lifecycle.OrphanContext{
			TicketID:  t.ID,
			Status:    t.Status,
			Leased:    d.Leased(t.ID),
			UpdatedAt: t.UpdatedAt,
			Now:       now,
			Grace:     grace,
		}
		if !oc.Leased && now.Sub(t.UpdatedAt) >= grace {
			if oc.IdleSession, err = d.idle(ctx, t.ID); err != nil {
				d.logger.Error("reconcile: inspect session", "ticket", t.ID, "error", err)
				continue
			}
		}
		if r := lifecycle.CanRequeueOrphan(oc); !r.Allowed {
			d.logger.Debug("reconcile: skip", "ticket", t.ID, "reason", r.Reason)
			continue
		}
		ok, err := d.store.Requeue(ctx, t.ID, protocol.TicketRunning)
		if err != nil {
			d.logger.Error("reconcile: requeue", "ticket", t.ID, "error", err)
			continue
		}
		if ok {
			requeued++
			requeuedOrphans.Inc()
			d.logger.Warn("requeued orphaned ticket", "ticket", t.ID, "updated_at", t.UpdatedAt)
			d.publish(protocol.Event{Type: protocol.EventTicketStatus, TicketID: t.ID, AgentID: t.AgentID,
				Status: string(protocol.TicketPending), Data: map[string]any{"reason": "reconcile"}})
		}
	}
	return requeued, nil
}

// idle reports whether the ticket's current session ends with an assistant
// turn that asked for nothing, i.e. it is waiting for a human.
func (d *Dispatcher) idle(ctx context.Context, ticketID string) (bool, error) {
	sess, err := d.store.CurrentSession(ctx, ticketID)
	if errors.Is(err, ticket.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	last, err := d.store.LastMessage(ctx, sess.ID)
	if err != nil {
		return false, err
	}
	return last != nil && last.IsIdleTurn(), nil
}

func (d *Dispatcher) publish(ev protocol.Event) {
	if d.events == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	d.events.Publish(ev)
}
