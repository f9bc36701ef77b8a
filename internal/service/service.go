// Package service is the ticket lifecycle API: the operations the HTTP
// layer, the CLI and the chat connectors call to create and steer tickets.
package service

import (
	"errors"
	"log/slog"
	"time"

	"github.com/h1v3-io/agentdesk/internal/dispatcher"
	"github.com/h1v3-io/agentdesk/internal/skill"
	"github.com/h1v3-io/agentdesk/internal/ticket"
	"github.com/h1v3-io/agentdesk/internal/tool"
	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

// Errors returned by the service. The first three are the store's own
// sentinels, so errors.Is works across both layers.
var (
	ErrNotFound     = ticket.ErrNotFound
	ErrInvalidState = ticket.ErrInvalidState
	ErrConflict     = ticket.ErrConflict
	ErrInvalidInput = errors.New("invalid input")
)

// Leases is the view of the dispatcher the service needs.
type Leases interface {
	Leased(ticketID string) bool
	StopTicket(ticketID string) bool
	Active() []dispatcher.Lease
}

// SkillCatalog lists loaded skills.
type SkillCatalog interface {
	List() []*skill.Skill
	Get(name string) (*skill.Skill, bool)
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(ev protocol.Event)
}

// ScheduleSync is told about agent changes so cron schedules follow them.
type ScheduleSync interface {
	SyncAgent(a *protocol.Agent) error
	RemoveAgent(agentID string)
}

// Options are the optional collaborators of a Service.
type Options struct {
	Skills    SkillCatalog
	Leases    Leases
	Events    Publisher
	Schedules ScheduleSync
	Logger    *slog.Logger
}

// Service implements the lifecycle API on top of the store.
type Service struct {
	store     ticket.Store
	tools     *tool.Registry
	skills    SkillCatalog
	leases    Leases
	events    Publisher
	schedules ScheduleSync
	logger    *slog.Logger
}

// New creates a service. tools may be nil only in tests that never touch
// agents or the tool catalog.
func New(store ticket.Store, tools *tool.Registry, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		tools:     tools,
		skills:    opts.Skills,
		leases:    opts.Leases,
		events:    opts.Events,
		schedules: opts.Schedules,
		logger:    logger.With("component", "service"),
	}
}

// SetSchedules attaches the scheduler after construction; the scheduler
// itself needs the service to create tickets.
func (s *Service) SetSchedules(sched ScheduleSync) {
	s.schedules = sched
}

func (s *Service) leased(ticketID string) bool {
	return s.leases != nil && s.leases.Leased(ticketID)
}

func (s *Service) stopExecutor(ticketID string) {
	if s.leases != nil && s.leases.StopTicket(ticketID) {
		s.logger.Info("stopped live executor", "ticket", ticketID)
	}
}

func (s *Service) publish(ev protocol.Event) {
	if s.events == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	s.events.Publish(ev)
}
