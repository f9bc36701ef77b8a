package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

const (
	anthropicAPIVersion = "2023-06-01"

	// DefaultAnthropicModel is used when neither the request nor the
	// provider names a model.
	DefaultAnthropicModel = "claude-3-5-sonnet-20241022"
	defaultMaxTokens      = 4096
)

// AnthropicProvider implements Provider for the Anthropic Messages API.
type AnthropicProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
	caching bool
}

// AnthropicOption configures an AnthropicProvider.
type AnthropicOption func(*AnthropicProvider)

// WithAnthropicBaseURL sets a custom API base URL.
func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(p *AnthropicProvider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithAnthropicHTTPClient sets a custom HTTP client.
func WithAnthropicHTTPClient(c *http.Client) AnthropicOption {
	return func(p *AnthropicProvider) { p.client = c }
}

// WithAnthropicModel sets the default model.
func WithAnthropicModel(model string) AnthropicOption {
	return func(p *AnthropicProvider) { p.model = model }
}

// WithAnthropicPromptCache toggles cache breakpoints on the system prompt
// and tool list. A ticket resends both on every turn, so caching is on by
// default; some API proxies reject the field.
func WithAnthropicPromptCache(enabled bool) AnthropicOption {
	return func(p *AnthropicProvider) { p.caching = enabled }
}

// NewAnthropic creates a new Anthropic Messages API provider.
func NewAnthropic(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		client:  &http.Client{Timeout: 10 * time.Minute},
		baseURL: "https://api.anthropic.com",
		apiKey:  apiKey,
		model:   DefaultAnthropicModel,
		caching: true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// APIError is a non-200 answer from a provider API.
type APIError struct {
	Provider string
	Status   int
	Type     string
	Message  string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Type, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: api error (status %d): %s", e.Provider, e.Status, e.Message)
}

func (p *AnthropicProvider) Chat(ctx context.Context, req protocol.ChatRequest) (*protocol.ChatResponse, error) {
	body := p.buildRequest(req)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, anthropicError(resp.StatusCode, respBody)
	}

	var out anthropicResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("anthropic: unmarshal response: %w", err)
	}
	return out.toChatResponse()
}

func (p *AnthropicProvider) buildRequest(req protocol.ChatRequest) anthropicRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens // required by the API
	}

	system, messages := toAnthropicMessages(req.Messages)
	if req.System != "" {
		system = joinNonEmpty("\n\n", req.System, system)
	}

	body := anthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if system != "" {
		body.System = []anthropicBlock{{Type: "text", Text: system}}
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}
	for _, td := range req.Tools {
		body.Tools = append(body.Tools, anthropicTool{
			Name:        td.Function.Name,
			Description: td.Function.Description,
			InputSchema: td.Function.Parameters,
		})
	}

	if p.caching {
		// The prefix up to each breakpoint (tools, then system) is cached.
		if n := len(body.Tools); n > 0 {
			body.Tools[n-1].CacheControl = ephemeral()
		}
		if n := len(body.System); n > 0 {
			body.System[n-1].CacheControl = ephemeral()
		}
	}
	return body
}

func anthropicError(status int, body []byte) error {
	e := &APIError{Provider: "anthropic", Status: status, Message: strings.TrimSpace(string(body))}
	var wire struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Error.Message != "" {
		e.Type = wire.Error.Type
		e.Message = wire.Error.Message
	}
	return e
}

// --- wire format ---

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      []anthropicBlock   `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

// anthropicBlock covers the text, tool_use and tool_result block shapes.
// Input stays raw so an empty tool input still serialises as {}.
type anthropicBlock struct {
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	Content      string          `json:"content,omitempty"`
	CacheControl *cacheControl   `json:"cache_control,omitempty"`
}

type anthropicTool struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema"`
	CacheControl *cacheControl  `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"`
}

func ephemeral() *cacheControl { return &cacheControl{Type: "ephemeral"} }

type anthropicResponse struct {
	Content    []anthropicBlock `json:"content"`
	Usage      anthropicUsage   `json:"usage"`
	StopReason string           `json:"stop_reason"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// --- conversion ---

func textBlock(s string) anthropicBlock { return anthropicBlock{Type: "text", Text: s} }

func toolUseBlock(id, name string, input map[string]any) anthropicBlock {
	raw, err := json.Marshal(input)
	if err != nil || input == nil {
		raw = json.RawMessage(`{}`)
	}
	return anthropicBlock{Type: "tool_use", ID: id, Name: name, Input: raw}
}

// toAnthropicMessages converts protocol messages to Anthropic turns.
// System messages are lifted into the returned system text. Consecutive
// turns of one role are merged, so a run of tool results becomes a single
// user turn as the API requires.
func toAnthropicMessages(msgs []protocol.ChatMessage) (string, []anthropicMessage) {
	var (
		system []string
		turns  []anthropicMessage
	)
	push := func(role string, blocks ...anthropicBlock) {
		if len(blocks) == 0 {
			return
		}
		if n := len(turns); n > 0 && turns[n-1].Role == role {
			turns[n-1].Content = append(turns[n-1].Content, blocks...)
			return
		}
		turns = append(turns, anthropicMessage{Role: role, Content: blocks})
	}

	for _, m := range msgs {
		switch m.Role {
		case protocol.RoleSystem:
			system = append(system, m.Content)

		case protocol.RoleTool:
			push("user", anthropicBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content})

		case protocol.RoleAssistant:
			var blocks []anthropicBlock
			if len(m.Blocks) > 0 {
				// Recorded blocks keep the original text/tool_use order.
				for _, b := range m.Blocks {
					switch b.Type {
					case "tool_use":
						blocks = append(blocks, toolUseBlock(b.ID, b.Name, b.Input))
					case "text":
						if b.Text != "" {
							blocks = append(blocks, textBlock(b.Text))
						}
					}
				}
			} else {
				if m.Content != "" {
					blocks = append(blocks, textBlock(m.Content))
				}
				for _, tc := range m.ToolCalls {
					blocks = append(blocks, toolUseBlock(tc.ID, tc.Name, tc.Arguments))
				}
			}
			push("assistant", blocks...)

		default:
			push(m.Role, textBlock(m.Content))
		}
	}
	return joinNonEmpty("\n\n", system...), turns
}

func (r *anthropicResponse) toChatResponse() (*protocol.ChatResponse, error) {
	out := &protocol.ChatResponse{
		StopReason: normaliseAnthropicStop(r.StopReason),
		Usage: protocol.Usage{
			// Cached prefix tokens are billed separately but still count
			// towards the prompt.
			PromptTokens:     r.Usage.InputTokens + r.Usage.CacheCreationInputTokens + r.Usage.CacheReadInputTokens,
			CompletionTokens: r.Usage.OutputTokens,
		},
	}

	for _, b := range r.Content {
		switch b.Type {
		case "text":
			out.Content += b.Text
			out.Blocks = append(out.Blocks, protocol.ContentBlock{Type: "text", Text: b.Text})
		case "tool_use":
			input := map[string]any{}
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &input); err != nil {
					return nil, fmt.Errorf("anthropic: tool_use %s input: %w", b.Name, err)
				}
				if input == nil {
					input = map[string]any{}
				}
			}
			out.ToolCalls = append(out.ToolCalls, protocol.ToolCall{ID: b.ID, Name: b.Name, Arguments: input})
			out.Blocks = append(out.Blocks, protocol.ContentBlock{Type: "tool_use", ID: b.ID, Name: b.Name, Input: input})
		}
	}
	return out, nil
}

func normaliseAnthropicStop(reason string) string {
	switch reason {
	case protocol.StopToolUse, protocol.StopMaxTokens:
		return reason
	default:
		return protocol.StopEndTurn
	}
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
