package tool

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionBlock           Decision = "block"
	DecisionRequireApproval Decision = "require_approval"
)

// PolicyInput is the document a policy evaluates for one tool call.
type PolicyInput struct {
	Tool     string         `json:"tool"`
	AgentID  string         `json:"agent_id"`
	TicketID string         `json:"ticket_id"`
	Params   map[string]any `json:"params"`
}

// Policy gates tool calls before execution.
type Policy interface {
	Evaluate(ctx context.Context, in PolicyInput) (Decision, string, error)
}

// RegoPolicy evaluates tool calls with an OPA rego module. The module must
// define data.tool_policy.decision and may define data.tool_policy.reason.
type RegoPolicy struct {
	query rego.PreparedEvalQuery
}

// NewRegoPolicy compiles a rego module.
func NewRegoPolicy(ctx context.Context, module string) (*RegoPolicy, error) {
	r := rego.New(
		rego.Query("data.tool_policy"),
		rego.Module("tool_policy.rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: prepare rego: %w", err)
	}
	return &RegoPolicy{query: query}, nil
}

// LoadRegoPolicy compiles the module at path, or DefaultPolicy if path is empty.
func LoadRegoPolicy(ctx context.Context, path string) (*RegoPolicy, error) {
	if path == "" {
		return NewRegoPolicy(ctx, DefaultPolicy)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return NewRegoPolicy(ctx, string(data))
}

func (p *RegoPolicy) Evaluate(ctx context.Context, in PolicyInput) (Decision, string, error) {
	input := map[string]any{
		"tool":      in.Tool,
		"agent_id":  in.AgentID,
		"ticket_id": in.TicketID,
		"params":    in.Params,
	}
	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("policy: evaluate: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, "", nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return DecisionAllow, "", nil
	}
	decision, _ := doc["decision"].(string)
	reason, _ := doc["reason"].(string)
	if decision == "" {
		decision = string(DecisionAllow)
	}
	return Decision(decision), reason, nil
}

// DefaultPolicy blocks privilege escalation and asks for approval before
// destructive HTTP calls.
const DefaultPolicy = `
package tool_policy

default decision = "allow"
default reason = ""

decision = "block" {
	input.tool == "execute_command"
	contains(input.params.command, "sudo ")
}

reason = "privilege escalation is not allowed" {
	input.tool == "execute_command"
	contains(input.params.command, "sudo ")
}

decision = "require_approval" {
	input.tool == "http_request"
	upper(input.params.method) == "DELETE"
}

reason = "DELETE requests need operator approval" {
	input.tool == "http_request"
	upper(input.params.method) == "DELETE"
}
`
