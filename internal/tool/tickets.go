package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/h1v3-io/agentdesk/internal/ticket"
	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

// Task context keys written on delegated tickets.
const (
	ParentTicketKey    = "parent_ticket_id"
	DelegatedByKey     = "delegated_by"
	DelegationDepthKey = "delegation_depth"
)

// MaxDelegationDepth bounds chains of tickets created by agents.
const MaxDelegationDepth = 3

const defaultSearchLimit = 20

// TicketDesk is the slice of the lifecycle API the delegation tools use.
// The service implements it; the interface keeps this package free of the
// service import.
type TicketDesk interface {
	ListAgents(ctx context.Context) ([]*protocol.Agent, error)
	CreateTicket(ctx context.Context, agentRef string, params, taskContext map[string]any) (*protocol.Ticket, error)
	GetTicket(ctx context.Context, id string) (*protocol.Ticket, error)
	ListTickets(ctx context.Context, filter ticket.Filter) ([]*protocol.Ticket, error)
}

// RegisterDeskTools registers the agent-facing ticket tools.
func RegisterDeskTools(reg *Registry, desk TicketDesk) {
	reg.Register(&ListAgentsTool{Desk: desk})
	reg.Register(&CreateTicketTool{Desk: desk})
	reg.Register(&GetTicketTool{Desk: desk})
	reg.Register(&SearchTicketsTool{Desk: desk})
}

// --- ListAgentsTool ---

// ListAgentsTool lets agents discover who they can delegate to.
type ListAgentsTool struct {
	Desk TicketDesk
}

func (t *ListAgentsTool) Name() string { return "list_agents" }
func (t *ListAgentsTool) Description() string {
	return "List the agents that tickets can be delegated to, with their descriptions."
}
func (t *ListAgentsTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

type agentSummary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (t *ListAgentsTool) Execute(ctx context.Context, exec Execution, _ map[string]any) (string, error) {
	agents, err := t.Desk.ListAgents(ctx)
	if err != nil {
		return "", fmt.Errorf("list_agents: %w", err)
	}
	out := make([]agentSummary, 0, len(agents))
	for _, a := range agents {
		if a.ID == exec.AgentID {
			continue
		}
		out = append(out, agentSummary{Name: a.Name, Description: a.Description})
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	return string(data), nil
}

// --- CreateTicketTool ---

// CreateTicketTool delegates work to another agent as a new ticket linked
// to the caller's ticket.
type CreateTicketTool struct {
	Desk TicketDesk
}

func (t *CreateTicketTool) Name() string { return "create_ticket" }
func (t *CreateTicketTool) Description() string {
	return "Delegate a task to another agent by opening a ticket for it. Use get_ticket later to read its outcome."
}
func (t *CreateTicketTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent":   map[string]any{"type": "string", "description": "Name of the agent to delegate to (see list_agents)"},
			"task":    map[string]any{"type": "string", "description": "What the agent should do, including the completion condition"},
			"params":  map[string]any{"type": "object", "description": "Optional ticket parameters for the agent"},
			"context": map[string]any{"type": "object", "description": "Optional supporting data for the agent"},
		},
		"required": []string{"agent", "task"},
	}
}

func (t *CreateTicketTool) Execute(ctx context.Context, exec Execution, params map[string]any) (string, error) {
	agent := getString(params, "agent")
	task := strings.TrimSpace(getString(params, "task"))
	if agent == "" || task == "" {
		return "Error: 'agent' and 'task' are required", nil
	}

	depth := 0
	if exec.TicketID != "" {
		parent, err := t.Desk.GetTicket(ctx, exec.TicketID)
		if err != nil {
			return "", fmt.Errorf("create_ticket: parent: %w", err)
		}
		depth = contextInt(parent.Context, DelegationDepthKey)
		if depth >= MaxDelegationDepth {
			return fmt.Sprintf("Error: delegation depth limit (%d) reached; do the work directly", MaxDelegationDepth), nil
		}
	}
	if exec.AgentID != "" && t.isSelf(ctx, agent, exec.AgentID) {
		return "Error: cannot delegate a ticket to yourself; do the work directly", nil
	}

	taskContext := map[string]any{}
	if extra, ok := params["context"].(map[string]any); ok {
		for k, v := range extra {
			taskContext[k] = v
		}
	}
	taskContext["task"] = task
	taskContext[ParentTicketKey] = exec.TicketID
	taskContext[DelegatedByKey] = exec.AgentID
	taskContext[DelegationDepthKey] = depth + 1

	var ticketParams map[string]any
	if p, ok := params["params"].(map[string]any); ok {
		ticketParams = p
	}

	tk, err := t.Desk.CreateTicket(ctx, agent, ticketParams, taskContext)
	if err != nil {
		// Unknown agents and bad params are the model's to fix.
		return fmt.Sprintf("Error: could not create ticket: %v", err), nil
	}
	return fmt.Sprintf("Ticket created: %s (agent: %s, status: %s)", tk.ID, agent, tk.Status), nil
}

func (t *CreateTicketTool) isSelf(ctx context.Context, ref, agentID string) bool {
	if ref == agentID {
		return true
	}
	agents, err := t.Desk.ListAgents(ctx)
	if err != nil {
		return false
	}
	for _, a := range agents {
		if a.ID == agentID && a.Name == ref {
			return true
		}
	}
	return false
}

// contextInt reads a number that may have round-tripped through JSON.
func contextInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// --- GetTicketTool ---

// GetTicketTool reports a ticket's status and outcome.
type GetTicketTool struct {
	Desk TicketDesk
}

func (t *GetTicketTool) Name() string { return "get_ticket" }
func (t *GetTicketTool) Description() string {
	return "Get a ticket's status, context and outcome (summary and result once completed, error once failed)."
}
func (t *GetTicketTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"ticket_id": map[string]any{"type": "string", "description": "Ticket ID"},
		},
		"required": []string{"ticket_id"},
	}
}

func (t *GetTicketTool) Execute(ctx context.Context, _ Execution, params map[string]any) (string, error) {
	ticketID := getString(params, "ticket_id")
	if ticketID == "" {
		return "Error: 'ticket_id' is required", nil
	}

	tk, err := t.Desk.GetTicket(ctx, ticketID)
	if err != nil {
		return fmt.Sprintf("Error: ticket %s: %v", ticketID, err), nil
	}

	data, _ := json.MarshalIndent(map[string]any{
		"id":            tk.ID,
		"agent_id":      tk.AgentID,
		"status":        tk.Status,
		"params":        tk.Params,
		"context":       tk.Context,
		"error_message": tk.ErrorMessage,
		"updated_at":    tk.UpdatedAt,
	}, "", "  ")
	return string(data), nil
}

// --- SearchTicketsTool ---

// SearchTicketsTool lists tickets by status and agent.
type SearchTicketsTool struct {
	Desk TicketDesk
}

func (t *SearchTicketsTool) Name() string { return "search_tickets" }
func (t *SearchTicketsTool) Description() string {
	return "List tickets, most recently updated first, as compact summaries. Use get_ticket to read one in full."
}
func (t *SearchTicketsTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"status": map[string]any{
				"type":        "string",
				"enum":        []string{"pending", "running", "suspended", "completed", "failed"},
				"description": "Filter by ticket status",
			},
			"agent":     map[string]any{"type": "string", "description": "Filter by agent name"},
			"delegated": map[string]any{"type": "boolean", "description": "Only tickets delegated from your current ticket"},
			"limit":     map[string]any{"type": "integer", "description": "Max results to return (default 20)"},
		},
	}
}

func (t *SearchTicketsTool) Execute(ctx context.Context, exec Execution, params map[string]any) (string, error) {
	filter := ticket.Filter{Status: protocol.TicketStatus(getString(params, "status"))}
	if filter.Status != "" && !filter.Status.Valid() {
		return fmt.Sprintf("Error: unknown status %q", filter.Status), nil
	}
	if name := getString(params, "agent"); name != "" {
		id, ok := t.agentID(ctx, name)
		if !ok {
			return fmt.Sprintf("Error: unknown agent %q", name), nil
		}
		filter.AgentID = id
	}

	limit := defaultSearchLimit
	if l := getInt(params, "limit"); l > 0 {
		limit = l
	}
	delegated, _ := params["delegated"].(bool)
	if !delegated {
		filter.Limit = limit
	}

	tickets, err := t.Desk.ListTickets(ctx, filter)
	if err != nil {
		return "", fmt.Errorf("search_tickets: %w", err)
	}

	var b strings.Builder
	shown := 0
	for _, tk := range tickets {
		if delegated && tk.Context[ParentTicketKey] != exec.TicketID {
			continue
		}
		if shown == limit {
			break
		}
		shown++
		fmt.Fprintf(&b, "- %s [%s] created %s", tk.ID, tk.Status, tk.CreatedAt.Format("2006-01-02 15:04"))
		if task, _ := tk.Context["task"].(string); task != "" {
			fmt.Fprintf(&b, "\n  task: %s", truncate(task, 200, "..."))
		}
		if summary, _ := tk.Context["summary"].(string); summary != "" {
			fmt.Fprintf(&b, "\n  summary: %s", truncate(summary, 200, "..."))
		}
		if tk.ErrorMessage != "" {
			fmt.Fprintf(&b, "\n  error: %s", tk.ErrorMessage)
		}
		b.WriteString("\n")
	}
	if shown == 0 {
		return "No tickets match your search.", nil
	}
	return fmt.Sprintf("Found %d ticket(s)\n\n%s", shown, b.String()), nil
}

func (t *SearchTicketsTool) agentID(ctx context.Context, name string) (string, bool) {
	agents, err := t.Desk.ListAgents(ctx)
	if err != nil {
		return "", false
	}
	for _, a := range agents {
		if a.Name == name || a.ID == name {
			return a.ID, true
		}
	}
	return "", false
}
