package protocol

import (
	"slices"
	"time"
)

// DefaultMaxIterations bounds an executor run when the agent sets no cap.
const DefaultMaxIterations = 50

// Agent is a reusable agent configuration that tickets are worked by.
type Agent struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Prompt         string         `json:"prompt"`
	Skill          string         `json:"skill,omitempty"`
	Tools          []string       `json:"tools"`
	DefaultParams  map[string]any `json:"default_params,omitempty"`
	ParamsSchema   map[string]any `json:"params_schema,omitempty"`
	MaxIterations  int            `json:"max_iterations,omitempty"`
	Schedule       string         `json:"schedule,omitempty"`
	ScheduleParams map[string]any `json:"schedule_params,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ToolAllowed reports whether the named tool is declared for this agent.
func (a Agent) ToolAllowed(name string) bool {
	return slices.Contains(a.Tools, name)
}

// IterationLimit returns the agent's iteration cap, or DefaultMaxIterations.
func (a Agent) IterationLimit() int {
	if a.MaxIterations > 0 {
		return a.MaxIterations
	}
	return DefaultMaxIterations
}

// MergeParams overlays params on top of the agent's default params.
// Neither input map is modified.
func (a Agent) MergeParams(params map[string]any) map[string]any {
	merged := make(map[string]any, len(a.DefaultParams)+len(params))
	for k, v := range a.DefaultParams {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	return merged
}
