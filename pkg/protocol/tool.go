package protocol

import "time"

// ToolDefinition is a tool as offered to a model. The wire shape is the
// OpenAI "function" tool; the Anthropic provider converts it.
type ToolDefinition struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

// FunctionSpec names a tool and gives its JSON Schema parameters.
type FunctionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func NewToolDefinition(name, description string, parameters map[string]any) ToolDefinition {
	if parameters == nil {
		parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return ToolDefinition{Type: "function", Function: FunctionSpec{Name: name, Description: description, Parameters: parameters}}
}

// ToolInfo is a catalog row: the persisted copy of a registered tool's
// definition, kept in sync by the tools/sync endpoint.
type ToolInfo struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
