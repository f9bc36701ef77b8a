package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/h1v3-io/agentdesk/internal/ticket"
	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

// ScheduledKey marks the task context of tickets opened by a schedule.
const ScheduledKey = "scheduled"

// Tickets is the slice of the lifecycle API the scheduler drives.
type Tickets interface {
	CreateTicket(ctx context.Context, agentRef string, params, taskContext map[string]any) (*protocol.Ticket, error)
	ListTickets(ctx context.Context, filter ticket.Filter) ([]*protocol.Ticket, error)
}

// SweepFunc is a periodic maintenance job.
type SweepFunc func(ctx context.Context) error

// Scheduler opens tickets for agents on their cron schedule and runs
// periodic sweeps.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	jobs    map[string]cron.EntryID // agent id → entry
	sweeps  []cron.EntryID
	tickets Tickets
	logger  *slog.Logger

	ctxMu sync.RWMutex
	ctx   context.Context
}

// New creates a new scheduler.
func New(tickets Tickets, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{logger}),
			cron.SkipIfStillRunning(cronLogger{logger}),
		)),
		jobs:    make(map[string]cron.EntryID),
		tickets: tickets,
		logger:  logger,
		ctx:     context.Background(),
	}
}

// Start begins the cron scheduler. Blocks until context is cancelled.
// Jobs started after shutdown begins see the cancelled context.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctxMu.Lock()
	s.ctx = ctx
	s.ctxMu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", s.JobCount())

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) context() context.Context {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	return s.ctx
}

// SyncAgent replaces the agent's schedule. An agent without a schedule
// loses any job it had.
func (s *Scheduler) SyncAgent(a *protocol.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.Schedule == "" {
		s.removeLocked(a.ID)
		return nil
	}

	agentID, name, spec := a.ID, a.Name, a.Schedule
	params := maps.Clone(a.ScheduleParams)
	id, err := s.cron.AddFunc(spec, func() {
		s.fire(s.context(), agentID, name, spec, params)
	})
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q: %w", spec, err)
	}

	s.removeLocked(agentID)
	s.jobs[agentID] = id
	s.logger.Info("agent schedule registered", "agent", name, "schedule", spec)
	return nil
}

// RemoveAgent drops the agent's schedule.
func (s *Scheduler) RemoveAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(agentID)
}

func (s *Scheduler) removeLocked(agentID string) {
	if id, ok := s.jobs[agentID]; ok {
		s.cron.Remove(id)
		delete(s.jobs, agentID)
		s.logger.Info("agent schedule removed", "agent_id", agentID)
	}
}

// fire opens a scheduled ticket unless the previous one is still open.
func (s *Scheduler) fire(ctx context.Context, agentID, name, spec string, params map[string]any) {
	open, err := s.openScheduled(ctx, agentID)
	if err != nil {
		s.logger.Error("schedule check failed", "agent", name, "error", err)
		return
	}
	if open != "" {
		s.logger.Info("schedule skipped, previous ticket still open", "agent", name, "ticket", open)
		return
	}

	t, err := s.tickets.CreateTicket(ctx, agentID, maps.Clone(params), map[string]any{
		ScheduledKey: true,
		"schedule":   spec,
		"fired_at":   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		s.logger.Error("scheduled ticket not created", "agent", name, "error", err)
		return
	}
	s.logger.Info("scheduled ticket created", "agent", name, "ticket", t.ID)
}

// openScheduled returns the id of an unfinished scheduled ticket of the
// agent, or "".
func (s *Scheduler) openScheduled(ctx context.Context, agentID string) (string, error) {
	tickets, err := s.tickets.ListTickets(ctx, ticket.Filter{AgentID: agentID})
	if err != nil {
		return "", err
	}
	for _, t := range tickets {
		if t.Status.Terminal() {
			continue
		}
		if scheduled, _ := t.Context[ScheduledKey].(bool); scheduled {
			return t.ID, nil
		}
	}
	return "", nil
}

// AddSweep runs fn every interval. Overlapping runs are skipped.
func (s *Scheduler) AddSweep(name string, every time.Duration, fn SweepFunc) error {
	if every <= 0 {
		return fmt.Errorf("scheduler: sweep %q: interval must be positive", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.cron.Schedule(cron.Every(every), cron.FuncJob(func() {
		if err := fn(s.context()); err != nil {
			s.logger.Error("sweep failed", "sweep", name, "error", err)
		}
	}))
	s.sweeps = append(s.sweeps, id)
	s.logger.Info("sweep registered", "sweep", name, "every", every)
	return nil
}

// Scheduled reports whether the agent has a schedule.
func (s *Scheduler) Scheduled(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[agentID]
	return ok
}

// JobCount returns the number of agent schedules and sweeps.
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs) + len(s.sweeps)
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
