package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/h1v3-io/agentdesk/internal/ticket"
	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

// stubDesk is an in-memory TicketDesk.
type stubDesk struct {
	agents  []*protocol.Agent
	tickets []*protocol.Ticket
	filters []ticket.Filter
}

func newStubDesk() *stubDesk {
	return &stubDesk{agents: []*protocol.Agent{
		{ID: "a-lead", Name: "lead", Description: "Plans the work"},
		{ID: "a-coder", Name: "coder", Description: "Writes code"},
	}}
}

func (d *stubDesk) ListAgents(context.Context) ([]*protocol.Agent, error) {
	return d.agents, nil
}

func (d *stubDesk) CreateTicket(_ context.Context, ref string, params, taskContext map[string]any) (*protocol.Ticket, error) {
	for _, a := range d.agents {
		if a.ID == ref || a.Name == ref {
			tk := &protocol.Ticket{
				ID:      fmt.Sprintf("tk-%d", len(d.tickets)+1),
				AgentID: a.ID,
				Status:  protocol.TicketPending,
				Params:  params,
				Context: taskContext,
			}
			d.tickets = append(d.tickets, tk)
			return tk, nil
		}
	}
	return nil, errors.New("agent not found")
}

func (d *stubDesk) GetTicket(_ context.Context, id string) (*protocol.Ticket, error) {
	for _, tk := range d.tickets {
		if tk.ID == id {
			return tk, nil
		}
	}
	return nil, ticket.ErrNotFound
}

func (d *stubDesk) ListTickets(_ context.Context, f ticket.Filter) ([]*protocol.Ticket, error) {
	d.filters = append(d.filters, f)
	var out []*protocol.Ticket
	for _, tk := range d.tickets {
		if f.Status != "" && tk.Status != f.Status {
			continue
		}
		if f.AgentID != "" && tk.AgentID != f.AgentID {
			continue
		}
		out = append(out, tk)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// seedParent creates the ticket the calling agent is working on.
func (d *stubDesk) seedParent(depth int) *protocol.Ticket {
	tk := &protocol.Ticket{
		ID:      fmt.Sprintf("tk-%d", len(d.tickets)+1),
		AgentID: "a-lead",
		Status:  protocol.TicketRunning,
		Context: map[string]any{DelegationDepthKey: float64(depth)},
	}
	d.tickets = append(d.tickets, tk)
	return tk
}

func TestRegisterDeskTools(t *testing.T) {
	reg := NewRegistry()
	RegisterDeskTools(reg, newStubDesk())
	for _, name := range []string{"list_agents", "create_ticket", "get_ticket", "search_tickets"} {
		if !reg.Has(name) {
			t.Errorf("%s not registered", name)
		}
	}
}

func TestListAgentsTool(t *testing.T) {
	tool := &ListAgentsTool{Desk: newStubDesk()}
	out, err := tool.Execute(context.Background(), Execution{AgentID: "a-lead"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	var got []agentSummary
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(got) != 1 || got[0].Name != "coder" || got[0].Description != "Writes code" {
		t.Errorf("agents = %+v (the caller should be left out)", got)
	}
}

func TestCreateTicketTool(t *testing.T) {
	desk := newStubDesk()
	parent := desk.seedParent(0)
	tool := &CreateTicketTool{Desk: desk}
	exec := Execution{TicketID: parent.ID, AgentID: "a-lead"}

	out, err := tool.Execute(context.Background(), exec, map[string]any{
		"agent":   "coder",
		"task":    "  Fix the login bug  ",
		"params":  map[string]any{"repo": "web"},
		"context": map[string]any{"issue": 42.0},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Ticket created: tk-2") {
		t.Fatalf("output = %q", out)
	}

	child := desk.tickets[1]
	if child.AgentID != "a-coder" || child.Params["repo"] != "web" {
		t.Errorf("child = %+v", child)
	}
	want := map[string]any{
		"task":             "Fix the login bug",
		ParentTicketKey:    parent.ID,
		DelegatedByKey:     "a-lead",
		DelegationDepthKey: 1,
		"issue":            42.0,
	}
	for k, v := range want {
		if child.Context[k] != v {
			t.Errorf("context[%s] = %v, want %v", k, child.Context[k], v)
		}
	}
}

func TestCreateTicketToolRejects(t *testing.T) {
	desk := newStubDesk()
	parent := desk.seedParent(0)
	deep := desk.seedParent(MaxDelegationDepth)
	tool := &CreateTicketTool{Desk: desk}

	tests := []struct {
		name   string
		exec   Execution
		params map[string]any
		want   string
	}{
		{"missing task", Execution{TicketID: parent.ID}, map[string]any{"agent": "coder"}, "are required"},
		{"self by name", Execution{TicketID: parent.ID, AgentID: "a-lead"}, map[string]any{"agent": "lead", "task": "x"}, "yourself"},
		{"self by id", Execution{TicketID: parent.ID, AgentID: "a-lead"}, map[string]any{"agent": "a-lead", "task": "x"}, "yourself"},
		{"too deep", Execution{TicketID: deep.ID, AgentID: "a-lead"}, map[string]any{"agent": "coder", "task": "x"}, "depth limit"},
		{"unknown agent", Execution{TicketID: parent.ID, AgentID: "a-lead"}, map[string]any{"agent": "ghost", "task": "x"}, "could not create ticket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(desk.tickets)
			out, err := tool.Execute(context.Background(), tt.exec, tt.params)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("output = %q, want %q", out, tt.want)
			}
			if len(desk.tickets) != before {
				t.Error("no ticket should be created")
			}
		})
	}
}

func TestCreateTicketToolMissingParent(t *testing.T) {
	tool := &CreateTicketTool{Desk: newStubDesk()}
	_, err := tool.Execute(context.Background(), Execution{TicketID: "gone", AgentID: "a-lead"},
		map[string]any{"agent": "coder", "task": "x"})
	if err == nil {
		t.Error("expected error when the calling ticket is missing")
	}
}

func TestGetTicketTool(t *testing.T) {
	desk := newStubDesk()
	tk := desk.seedParent(0)
	tk.Status = protocol.TicketCompleted
	tk.Context["summary"] = "all done"
	tool := &GetTicketTool{Desk: desk}

	out, err := tool.Execute(context.Background(), Execution{}, map[string]any{"ticket_id": tk.ID})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if got["status"] != "completed" {
		t.Errorf("status = %v", got["status"])
	}
	if ctx, _ := got["context"].(map[string]any); ctx["summary"] != "all done" {
		t.Errorf("context = %v", got["context"])
	}

	out, _ = tool.Execute(context.Background(), Execution{}, map[string]any{"ticket_id": "nope"})
	if !strings.HasPrefix(out, "Error: ticket nope") {
		t.Errorf("missing ticket output = %q", out)
	}
	out, _ = tool.Execute(context.Background(), Execution{}, map[string]any{})
	if !strings.Contains(out, "required") {
		t.Errorf("no id output = %q", out)
	}
}

func TestSearchTicketsTool(t *testing.T) {
	desk := newStubDesk()
	parent := desk.seedParent(0)
	create := &CreateTicketTool{Desk: desk}
	exec := Execution{TicketID: parent.ID, AgentID: "a-lead"}
	create.Execute(context.Background(), exec, map[string]any{"agent": "coder", "task": "first"})
	create.Execute(context.Background(), exec, map[string]any{"agent": "coder", "task": "second"})
	desk.tickets[1].Status = protocol.TicketFailed
	desk.tickets[1].ErrorMessage = "boom"

	tool := &SearchTicketsTool{Desk: desk}

	out, err := tool.Execute(context.Background(), exec, map[string]any{"agent": "coder"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "Found 2 ticket(s)") || !strings.Contains(out, "error: boom") {
		t.Errorf("output = %q", out)
	}
	if f := desk.filters[len(desk.filters)-1]; f.AgentID != "a-coder" || f.Limit != defaultSearchLimit {
		t.Errorf("filter = %+v", f)
	}

	out, _ = tool.Execute(context.Background(), exec, map[string]any{"status": "failed"})
	if !strings.HasPrefix(out, "Found 1 ticket(s)") || !strings.Contains(out, "task: first") {
		t.Errorf("failed output = %q", out)
	}

	out, _ = tool.Execute(context.Background(), exec, map[string]any{"delegated": true, "limit": 1.0})
	if !strings.HasPrefix(out, "Found 1 ticket(s)") {
		t.Errorf("delegated output = %q", out)
	}

	out, _ = tool.Execute(context.Background(), exec, map[string]any{"status": "closed"})
	if !strings.Contains(out, "unknown status") {
		t.Errorf("bad status output = %q", out)
	}
	out, _ = tool.Execute(context.Background(), exec, map[string]any{"agent": "ghost"})
	if !strings.Contains(out, "unknown agent") {
		t.Errorf("bad agent output = %q", out)
	}
	out, _ = tool.Execute(context.Background(), Execution{TicketID: "other"}, map[string]any{"delegated": true})
	if out != "No tickets match your search." {
		t.Errorf("empty output = %q", out)
	}
}

func TestContextInt(t *testing.T) {
	m := map[string]any{"i": 2, "f": 3.0, "n": json.Number("4"), "s": "5"}
	for key, want := range map[string]int{"i": 2, "f": 3, "n": 4, "s": 0, "missing": 0} {
		if got := contextInt(m, key); got != want {
			t.Errorf("contextInt(%s) = %d, want %d", key, got, want)
		}
	}
}
