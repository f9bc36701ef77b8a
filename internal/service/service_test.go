package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h1v3-io/agentdesk/internal/dispatcher"
	"github.com/h1v3-io/agentdesk/internal/skill"
	"github.com/h1v3-io/agentdesk/internal/ticket"
	"github.com/h1v3-io/agentdesk/internal/tool"
	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

type stubLeases struct {
	mu      sync.Mutex
	leased  map[string]bool
	stopped []string
}

func (l *stubLeases) Leased(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leased[id]
}

func (l *stubLeases) StopTicket(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.leased[id] {
		return false
	}
	l.stopped = append(l.stopped, id)
	delete(l.leased, id)
	return true
}

func (l *stubLeases) Active() []dispatcher.Lease {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []dispatcher.Lease
	for id := range l.leased {
		out = append(out, dispatcher.Lease{TicketID: id})
	}
	return out
}

type stubSchedules struct {
	synced  []string
	removed []string
}

func (s *stubSchedules) SyncAgent(a *protocol.Agent) error {
	s.synced = append(s.synced, a.Name)
	return nil
}

func (s *stubSchedules) RemoveAgent(id string) { s.removed = append(s.removed, id) }

type eventSink struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (e *eventSink) Publish(ev protocol.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventSink) count(typ string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	svc       *Service
	store     *ticket.SQLiteStore
	leases    *stubLeases
	schedules *stubSchedules
	events    *eventSink
}

const reviewSkill = `---
name: review
description: Review a pull request
tools: [read_file]
---
Read the diff first.
`

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := ticket.NewSQLiteStore(filepath.Join(dir, "svc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	skillDir := filepath.Join(dir, "skills")
	require.NoError(t, os.MkdirAll(skillDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(skillDir, "review.md"), []byte(reviewSkill), 0o644))

	reg := tool.NewRegistry()
	reg.Register(&tool.CalculateTool{})
	reg.Register(&tool.ReadFileTool{})

	f := &fixture{
		store:     store,
		leases:    &stubLeases{leased: map[string]bool{}},
		schedules: &stubSchedules{},
		events:    &eventSink{},
	}
	f.svc = New(store, reg, Options{
		Skills:    skill.Load(skillDir, nil),
		Leases:    f.leases,
		Events:    f.events,
		Schedules: f.schedules,
	})
	return f
}

func (f *fixture) agent(t *testing.T, a *protocol.Agent) *protocol.Agent {
	t.Helper()
	created, err := f.svc.CreateAgent(context.Background(), a)
	require.NoError(t, err)
	return created
}

func (f *fixture) claim(t *testing.T, ticketID string) ticket.Claim {
	t.Helper()
	claims, err := f.store.ClaimPending(context.Background())
	require.NoError(t, err)
	for _, c := range claims {
		if c.Ticket.ID == ticketID {
			return c
		}
	}
	t.Fatalf("ticket %s not claimed", ticketID)
	return ticket.Claim{}
}

func TestCreateTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.agent(t, &protocol.Agent{
		Name:          "deployer",
		Prompt:        "Deploy {{.service}} to {{.env}}",
		Tools:         []string{"calculate"},
		DefaultParams: map[string]any{"env": "staging"},
		ParamsSchema: map[string]any{
			"type":     "object",
			"required": []any{"service"},
			"properties": map[string]any{
				"service": map[string]any{"type": "string"},
				"env":     map[string]any{"type": "string", "enum": []any{"staging", "prod"}},
			},
		},
	})

	tk, err := f.svc.CreateTicket(ctx, a.Name, map[string]any{"service": "api"}, map[string]any{"origin": "test"})
	require.NoError(t, err)
	assert.Equal(t, protocol.TicketPending, tk.Status)
	assert.Equal(t, map[string]any{"service": "api", "env": "staging"}, tk.Params)
	assert.Equal(t, 1, f.events.count(protocol.EventTicketCreated))

	_, err = f.svc.CreateTicket(ctx, a.ID, map[string]any{"env": "prod"}, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.CreateTicket(ctx, a.ID, map[string]any{"service": "api", "env": "qa"}, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.CreateTicket(ctx, "nobody", nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetTicket_Detail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.agent(t, &protocol.Agent{Name: "w"})
	tk, err := f.svc.CreateTicket(ctx, a.ID, nil, nil)
	require.NoError(t, err)

	d, err := f.svc.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Empty(t, d.Steps)
	assert.Empty(t, d.Sessions)
	assert.Empty(t, d.CurrentSessionID)

	c := f.claim(t, tk.ID)
	_, err = f.store.AppendStep(ctx, tk.ID, "one", protocol.StepCompleted, nil)
	require.NoError(t, err)
	f.leases.leased[tk.ID] = true

	d, err = f.svc.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.TicketRunning, d.Status)
	assert.Len(t, d.Steps, 1)
	assert.Equal(t, c.Session.ID, d.CurrentSessionID)
	assert.True(t, d.Executing)

	_, err = f.svc.GetTicket(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResumeTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.agent(t, &protocol.Agent{Name: "asker"})
	tk, err := f.svc.CreateTicket(ctx, a.ID, nil, nil)
	require.NoError(t, err)
	c := f.claim(t, tk.ID)

	before, err := f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	_, err = f.svc.ResumeTicket(ctx, tk.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	after, err := f.store.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	require.NoError(t, f.store.Finalize(ctx, tk.ID, c.Session.ID, protocol.TicketSuspended, "", nil))
	resumed, err := f.svc.ResumeTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.TicketPending, resumed.Status)

	_, err = f.svc.ResumeTicket(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResetTicket_StopsExecutor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.agent(t, &protocol.Agent{Name: "retry"})
	tk, err := f.svc.CreateTicket(ctx, a.ID, nil, nil)
	require.NoError(t, err)
	c := f.claim(t, tk.ID)
	require.NoError(t, f.store.Finalize(ctx, tk.ID, c.Session.ID, protocol.TicketFailed, "boom", nil))
	f.leases.leased[tk.ID] = true

	reset, err := f.svc.ResetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.TicketPending, reset.Status)
	assert.Empty(t, reset.ErrorMessage)
	assert.Equal(t, []string{tk.ID}, f.leases.stopped)
}

func TestDeleteTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.agent(t, &protocol.Agent{Name: "temp"})
	tk, err := f.svc.CreateTicket(ctx, a.ID, nil, nil)
	require.NoError(t, err)
	f.claim(t, tk.ID)
	f.leases.leased[tk.ID] = true

	require.NoError(t, f.svc.DeleteTicket(ctx, tk.ID))
	assert.Equal(t, []string{tk.ID}, f.leases.stopped)
	assert.Equal(t, 1, f.events.count(protocol.EventTicketDeleted))

	assert.ErrorIs(t, f.svc.DeleteTicket(ctx, tk.ID), ErrNotFound)
}

func TestAddMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.agent(t, &protocol.Agent{Name: "chat"})

	t.Run("suspended ticket is requeued", func(t *testing.T) {
		tk, err := f.svc.CreateTicket(ctx, a.ID, nil, nil)
		require.NoError(t, err)
		c := f.claim(t, tk.ID)
		require.NoError(t, f.store.Finalize(ctx, tk.ID, c.Session.ID, protocol.TicketSuspended, "", nil))

		msg, got, err := f.svc.AddMessage(ctx, c.Session.ID, "use main")
		require.NoError(t, err)
		assert.Equal(t, protocol.RoleUser, msg.Role)
		assert.Equal(t, protocol.TicketPending, got.Status)
	})

	t.Run("idle running ticket is requeued", func(t *testing.T) {
		tk, err := f.svc.CreateTicket(ctx, a.ID, nil, nil)
		require.NoError(t, err)
		c := f.claim(t, tk.ID)

		_, got, err := f.svc.AddMessage(ctx, c.Session.ID, "continue")
		require.NoError(t, err)
		assert.Equal(t, protocol.TicketPending, got.Status)
	})

	t.Run("running ticket with live executor stays running", func(t *testing.T) {
		tk, err := f.svc.CreateTicket(ctx, a.ID, nil, nil)
		require.NoError(t, err)
		c := f.claim(t, tk.ID)
		f.leases.leased[tk.ID] = true

		_, got, err := f.svc.AddMessage(ctx, c.Session.ID, "also check tests")
		require.NoError(t, err)
		assert.Equal(t, protocol.TicketRunning, got.Status)

		_, got, err = f.svc.AddTicketMessage(ctx, tk.ID, "and docs")
		require.NoError(t, err)
		assert.Equal(t, protocol.TicketRunning, got.Status)
	})

	t.Run("rejections", func(t *testing.T) {
		tk, err := f.svc.CreateTicket(ctx, a.ID, nil, nil)
		require.NoError(t, err)
		c := f.claim(t, tk.ID)
		require.NoError(t, f.store.Finalize(ctx, tk.ID, c.Session.ID, protocol.TicketCompleted, "", nil))

		_, _, err = f.svc.AddMessage(ctx, c.Session.ID, "too late")
		assert.ErrorIs(t, err, ErrInvalidState)
		_, _, err = f.svc.AddMessage(ctx, c.Session.ID, "   ")
		assert.ErrorIs(t, err, ErrInvalidInput)
		_, _, err = f.svc.AddMessage(ctx, "missing", "hi")
		assert.ErrorIs(t, err, ErrNotFound)
		_, _, err = f.svc.AddTicketMessage(ctx, tk.ID, "hi")
		assert.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.agent(t, &protocol.Agent{Name: "s"})
	tk, err := f.svc.CreateTicket(ctx, a.ID, nil, nil)
	require.NoError(t, err)
	c := f.claim(t, tk.ID)
	_, err = f.store.AppendMessage(ctx, c.Session.ID, protocol.RoleSystem, "prompt")
	require.NoError(t, err)

	sessions, err := f.svc.ListSessions(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, sessions[0].MessageCount)

	d, err := f.svc.GetSession(ctx, c.Session.ID)
	require.NoError(t, err)
	require.Len(t, d.Messages, 1)
	assert.Equal(t, "prompt", d.Messages[0].Content)

	_, err = f.svc.ListSessions(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAgents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateAgent(ctx, &protocol.Agent{
		Name:     " ",
		Tools:    []string{"teleport"},
		Skill:    "ghost",
		Schedule: "every tuesday",
	})
	require.ErrorIs(t, err, ErrInvalidInput)
	for _, want := range []string{"name is required", `unknown tool "teleport"`, `unknown skill "ghost"`, "schedule"} {
		assert.Contains(t, err.Error(), want)
	}

	a := f.agent(t, &protocol.Agent{
		Name:     "reviewer",
		Skill:    "review",
		Tools:    []string{"calculate", "complete_task"},
		Schedule: "0 9 * * 1-5",
	})
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, []string{"reviewer"}, f.schedules.synced)

	_, err = f.svc.CreateAgent(ctx, &protocol.Agent{Name: "reviewer"})
	assert.ErrorIs(t, err, ErrConflict)

	updated, err := f.svc.UpdateAgent(ctx, "reviewer", &protocol.Agent{Name: "reviewer", Prompt: "v2", MaxIterations: 5})
	require.NoError(t, err)
	assert.Equal(t, a.ID, updated.ID)
	assert.Equal(t, "v2", updated.Prompt)
	assert.Equal(t, 5, updated.MaxIterations)

	seeded, err := f.svc.UpsertAgent(ctx, &protocol.Agent{Name: "reviewer", Prompt: "v3"})
	require.NoError(t, err)
	assert.Equal(t, a.ID, seeded.ID)
	fresh, err := f.svc.UpsertAgent(ctx, &protocol.Agent{Name: "helper"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, fresh.ID)

	agents, err := f.svc.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 2)

	_, err = f.svc.CreateTicket(ctx, a.ID, nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.DeleteAgent(ctx, a.ID), ErrInvalidState)

	require.NoError(t, f.svc.DeleteAgent(ctx, "helper"))
	assert.Equal(t, []string{fresh.ID}, f.schedules.removed)
	_, err = f.svc.GetAgent(ctx, "helper")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	skills := f.svc.ListSkills()
	require.Len(t, skills, 1)
	assert.Equal(t, "review", skills[0].Name)
	sk, err := f.svc.GetSkill("review")
	require.NoError(t, err)
	assert.Equal(t, "Read the diff first.", sk.Content)
	_, err = f.svc.GetSkill("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	report, err := f.svc.SyncTools(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"calculate", "read_file"}, report.Created)

	report, err = f.svc.SyncTools(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Created)
	assert.Len(t, report.Unchanged, 2)

	tools, err := f.svc.ListTools(ctx)
	require.NoError(t, err)
	assert.Len(t, tools, 2)
	info, err := f.svc.GetTool(ctx, "calculate")
	require.NoError(t, err)
	assert.Equal(t, "calculate", info.Name)

	assert.Empty(t, f.svc.Executors())
	f.leases.leased["t1"] = true
	assert.Len(t, f.svc.Executors(), 1)

	_, err = f.svc.ListTickets(ctx, ticket.Filter{Status: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDeskDelegation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lead := f.agent(t, &protocol.Agent{Name: "lead", Prompt: "Plan"})
	coder := f.agent(t, &protocol.Agent{Name: "coder", Prompt: "Code"})

	parent, err := f.svc.CreateTicket(ctx, "lead", nil, nil)
	require.NoError(t, err)

	create := &tool.CreateTicketTool{Desk: f.svc.Desk()}
	out, err := create.Execute(ctx, tool.Execution{TicketID: parent.ID, AgentID: lead.ID},
		map[string]any{"agent": "coder", "task": "write tests"})
	require.NoError(t, err)
	assert.Contains(t, out, "Ticket created")

	children, err := f.svc.ListTickets(ctx, ticket.Filter{AgentID: coder.ID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	child := children[0]
	assert.Equal(t, protocol.TicketPending, child.Status)
	assert.Equal(t, parent.ID, child.Context[tool.ParentTicketKey])
	assert.Equal(t, "write tests", child.Context["task"])
	assert.EqualValues(t, 1, child.Context[tool.DelegationDepthKey])
	assert.Equal(t, 2, f.events.count(protocol.EventTicketCreated))

	got, err := f.svc.Desk().GetTicket(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, child.ID, got.ID)
	_, err = f.svc.Desk().GetTicket(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
