package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

// OpenAIProvider implements Provider for any OpenAI-compatible API
// (OpenAI, OpenRouter, DeepSeek, Groq, etc.). Responses are always
// streamed, so cancelling the request context disconnects mid-generation.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

type openaiSettings struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// OpenAIOption configures an OpenAIProvider.
type OpenAIOption func(*openaiSettings)

// WithBaseURL sets a custom API base URL.
func WithBaseURL(url string) OpenAIOption {
	return func(s *openaiSettings) { s.baseURL = url }
}

// WithModel sets the default model.
func WithModel(model string) OpenAIOption {
	return func(s *openaiSettings) { s.model = model }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(s *openaiSettings) { s.httpClient = c }
}

// NewOpenAI creates a new OpenAI-compatible streaming provider.
func NewOpenAI(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	s := openaiSettings{
		model:      "gpt-4o",
		httpClient: &http.Client{Timeout: 300 * time.Second},
	}
	for _, opt := range opts {
		opt(&s)
	}
	cfg := openai.DefaultConfig(apiKey)
	if s.baseURL != "" {
		cfg.BaseURL = s.baseURL
	}
	cfg.HTTPClient = s.httpClient
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg), model: s.model}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Chat(ctx context.Context, req protocol.ChatRequest) (*protocol.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	body := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      toOpenAIMessages(req.System, req.Messages),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		MaxTokens:     req.MaxTokens,
	}
	if req.Temperature > 0 {
		body.Temperature = float32(req.Temperature)
	}
	for _, td := range req.Tools {
		body.Tools = append(body.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        td.Function.Name,
				Description: td.Function.Description,
				Parameters:  td.Function.Parameters,
			},
		})
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("openai: create stream: %w", err)
	}
	defer stream.Close()

	acc := newStreamAccumulator()
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("openai: stream: %w", err)
		}
		acc.add(chunk)
	}
	return acc.response(), nil
}

// streamAccumulator folds streamed deltas into one response. Tool call
// fragments are keyed by their index.
type streamAccumulator struct {
	content strings.Builder
	calls   map[int]*partialCall
	finish  openai.FinishReason
	usage   protocol.Usage
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{calls: make(map[int]*partialCall)}
}

func (a *streamAccumulator) add(chunk openai.ChatCompletionStreamResponse) {
	if chunk.Usage != nil {
		a.usage = protocol.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
		}
	}
	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]
	a.content.WriteString(choice.Delta.Content)
	for i, tc := range choice.Delta.ToolCalls {
		idx := i
		if tc.Index != nil {
			idx = *tc.Index
		}
		pc, ok := a.calls[idx]
		if !ok {
			pc = &partialCall{}
			a.calls[idx] = pc
		}
		if tc.ID != "" {
			pc.id = tc.ID
		}
		if tc.Function.Name != "" {
			pc.name = tc.Function.Name
		}
		pc.args.WriteString(tc.Function.Arguments)
	}
	if choice.FinishReason != "" {
		a.finish = choice.FinishReason
	}
}

func (a *streamAccumulator) response() *protocol.ChatResponse {
	out := &protocol.ChatResponse{
		Content: a.content.String(),
		Usage:   a.usage,
	}
	if out.Content != "" {
		out.Blocks = append(out.Blocks, protocol.ContentBlock{Type: "text", Text: out.Content})
	}

	indexes := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		pc := a.calls[idx]
		args := map[string]any{}
		if raw := pc.args.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				args = map[string]any{"_raw": raw}
			}
		}
		out.ToolCalls = append(out.ToolCalls, protocol.ToolCall{ID: pc.id, Name: pc.name, Arguments: args})
		out.Blocks = append(out.Blocks, protocol.ContentBlock{Type: "tool_use", ID: pc.id, Name: pc.name, Input: args})
	}

	switch {
	case a.finish == openai.FinishReasonLength:
		out.StopReason = protocol.StopMaxTokens
	case a.finish == openai.FinishReasonToolCalls || len(out.ToolCalls) > 0:
		out.StopReason = protocol.StopToolUse
	default:
		out.StopReason = protocol.StopEndTurn
	}
	return out
}

// --- Conversion helpers ---

func toOpenAIMessages(system string, msgs []protocol.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		out = append(out, om)
	}
	return out
}
