package protocol

// Stop reasons reported by a provider, normalised to the Anthropic vocabulary.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// ChatMessage represents a single turn in the LLM conversation. Assistant
// turns may carry Blocks to keep text and tool_use order; Content and
// ToolCalls hold the same data for providers without block support.
type ChatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Blocks     []ContentBlock `json:"blocks,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

// ToolCall represents the LLM requesting a tool execution.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ContentBlock is one ordered block of an assistant turn. Type is "text" or
// "tool_use". This is also the persisted form of assistant messages.
type ContentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// ChatResponse is the parsed response from an LLM provider.
type ChatResponse struct {
	Content    string         `json:"content"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	Blocks     []ContentBlock `json:"blocks,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      Usage          `json:"usage"`
}

// HasToolCalls returns true if the response contains tool call requests.
func (r *ChatResponse) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// ContentBlocks returns the ordered blocks of the response. Providers that
// only fill Content and ToolCalls get a text block followed by one tool_use
// block per call.
func (r *ChatResponse) ContentBlocks() []ContentBlock {
	if len(r.Blocks) > 0 {
		return r.Blocks
	}
	var blocks []ContentBlock
	if r.Content != "" {
		blocks = append(blocks, ContentBlock{Type: "text", Text: r.Content})
	}
	for _, tc := range r.ToolCalls {
		blocks = append(blocks, ContentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Arguments})
	}
	return blocks
}

// Usage tracks token consumption for a single LLM call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// TotalTokens returns the sum of prompt and completion tokens.
func (u Usage) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens
}

// ChatRequest holds parameters for an LLM chat call. System is sent as the
// instruction context and never as a turn.
type ChatRequest struct {
	Model       string           `json:"model"`
	System      string           `json:"system,omitempty"`
	Messages    []ChatMessage    `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
}
