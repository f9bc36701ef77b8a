package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

// anthropicServer answers every request with resp and hands the raw request
// body to inspect.
func anthropicServer(t *testing.T, resp anthropicResponse, inspect func(r *http.Request, body []byte)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if inspect != nil {
			inspect(r, body)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAnthropicChat(t *testing.T) {
	var sent anthropicRequest
	var raw string
	srv := anthropicServer(t, anthropicResponse{
		Content: []anthropicBlock{
			{Type: "text", Text: "Let me read that file."},
			{Type: "tool_use", ID: "toolu_1", Name: "read_file", Input: json.RawMessage(`{"path":"notes.txt"}`)},
		},
		Usage:      anthropicUsage{InputTokens: 20, OutputTokens: 10, CacheReadInputTokens: 100},
		StopReason: "tool_use",
	}, func(r *http.Request, body []byte) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" || r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Errorf("auth headers = %v", r.Header)
		}
		raw = string(body)
		json.Unmarshal(body, &sent)
	})

	p := NewAnthropic("test-key", WithAnthropicBaseURL(srv.URL+"/"))
	got, err := p.Chat(context.Background(), protocol.ChatRequest{
		System: "Compiled system message.",
		Messages: []protocol.ChatMessage{
			{Role: protocol.RoleSystem, Content: "Extra rules."},
			{Role: protocol.RoleUser, Content: "Read the file"},
		},
		Tools: []protocol.ToolDefinition{
			protocol.NewToolDefinition("list_dir", "List a directory", map[string]any{"type": "object"}),
			protocol.NewToolDefinition("read_file", "Read a file", map[string]any{"type": "object"}),
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	// Request shape.
	if sent.Model != DefaultAnthropicModel || sent.MaxTokens != defaultMaxTokens {
		t.Errorf("model/max_tokens = %s/%d", sent.Model, sent.MaxTokens)
	}
	if len(sent.System) != 1 || sent.System[0].Text != "Compiled system message.\n\nExtra rules." {
		t.Errorf("system = %+v", sent.System)
	}
	if len(sent.Messages) != 1 || sent.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", sent.Messages)
	}
	if sent.Tools[0].CacheControl != nil || sent.Tools[1].CacheControl == nil || sent.System[0].CacheControl == nil {
		t.Error("cache breakpoints belong on the last tool and the system prompt")
	}
	if strings.Contains(raw, "temperature") {
		t.Error("zero temperature should be omitted")
	}

	// Response mapping.
	if got.Content != "Let me read that file." || got.StopReason != protocol.StopToolUse {
		t.Errorf("content/stop = %q/%q", got.Content, got.StopReason)
	}
	if len(got.ToolCalls) != 1 || got.ToolCalls[0].ID != "toolu_1" || got.ToolCalls[0].Arguments["path"] != "notes.txt" {
		t.Errorf("tool calls = %+v", got.ToolCalls)
	}
	if len(got.Blocks) != 2 || got.Blocks[0].Type != "text" || got.Blocks[1].Type != "tool_use" {
		t.Errorf("blocks = %+v", got.Blocks)
	}
	if got.Usage.PromptTokens != 120 || got.Usage.CompletionTokens != 10 {
		t.Errorf("usage = %+v", got.Usage)
	}
}

func TestAnthropicChatWithoutPromptCache(t *testing.T) {
	var raw string
	srv := anthropicServer(t, anthropicResponse{Content: []anthropicBlock{{Type: "text", Text: "OK"}}},
		func(_ *http.Request, body []byte) { raw = string(body) })

	p := NewAnthropic("k", WithAnthropicBaseURL(srv.URL), WithAnthropicPromptCache(false))
	_, err := p.Chat(context.Background(), protocol.ChatRequest{
		System:   "sys",
		Messages: []protocol.ChatMessage{{Role: protocol.RoleUser, Content: "Hi"}},
		Tools:    []protocol.ToolDefinition{protocol.NewToolDefinition("t", "d", map[string]any{"type": "object"})},
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(raw, "cache_control") {
		t.Errorf("cache_control sent with caching off: %s", raw)
	}
}

func TestAnthropicChatModelSelection(t *testing.T) {
	tests := []struct {
		name     string
		opts     []AnthropicOption
		reqModel string
		want     string
	}{
		{"default", nil, "", DefaultAnthropicModel},
		{"provider model", []AnthropicOption{WithAnthropicModel("claude-haiku-4-5-20251001")}, "", "claude-haiku-4-5-20251001"},
		{"request override", []AnthropicOption{WithAnthropicModel("claude-haiku-4-5-20251001")}, "claude-opus-4-20250514", "claude-opus-4-20250514"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sent anthropicRequest
			srv := anthropicServer(t, anthropicResponse{Content: []anthropicBlock{{Type: "text", Text: "OK"}}},
				func(_ *http.Request, body []byte) { json.Unmarshal(body, &sent) })

			p := NewAnthropic("k", append([]AnthropicOption{WithAnthropicBaseURL(srv.URL)}, tt.opts...)...)
			_, err := p.Chat(context.Background(), protocol.ChatRequest{
				Model:     tt.reqModel,
				MaxTokens: 1024,
				Messages:  []protocol.ChatMessage{{Role: protocol.RoleUser, Content: "Hi"}},
			})
			if err != nil {
				t.Fatal(err)
			}
			if sent.Model != tt.want || sent.MaxTokens != 1024 {
				t.Errorf("model/max_tokens = %s/%d", sent.Model, sent.MaxTokens)
			}
		})
	}
}

func TestAnthropicAPIError(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantType string
		wantMsg  string
	}{
		{"typed", 529, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, "overloaded_error", "Overloaded"},
		{"plain body", http.StatusBadGateway, "upstream down\n", "", "upstream down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewAnthropic("k", WithAnthropicBaseURL(srv.URL)).Chat(context.Background(), protocol.ChatRequest{
				Messages: []protocol.ChatMessage{{Role: protocol.RoleUser, Content: "Hi"}},
			})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %v, want *APIError", err)
			}
			if apiErr.Status != tt.status || apiErr.Type != tt.wantType || apiErr.Message != tt.wantMsg {
				t.Errorf("APIError = %+v", apiErr)
			}
		})
	}
}

func TestToAnthropicMessages(t *testing.T) {
	system, turns := toAnthropicMessages([]protocol.ChatMessage{
		{Role: protocol.RoleSystem, Content: "First."},
		{Role: protocol.RoleSystem, Content: "Second."},
		{Role: protocol.RoleUser, Content: "go"},
		{Role: protocol.RoleAssistant, Blocks: []protocol.ContentBlock{
			{Type: "text", Text: "Two calls."},
			{Type: "tool_use", ID: "a", Name: "calculate", Input: map[string]any{"expression": "1+1"}},
			{Type: "tool_use", ID: "b", Name: "get_steps"},
		}},
		{Role: protocol.RoleTool, ToolCallID: "a", Content: "Result: 1+1 = 2"},
		{Role: protocol.RoleTool, ToolCallID: "b", Content: "No steps"},
		{Role: protocol.RoleUser, Content: "thanks"},
		{Role: protocol.RoleAssistant, ToolCalls: []protocol.ToolCall{{ID: "c", Name: "complete_task"}}},
	})

	if system != "First.\n\nSecond." {
		t.Errorf("system = %q", system)
	}
	if len(turns) != 4 {
		t.Fatalf("expected user, assistant, user, assistant turns, got %d", len(turns))
	}

	assistant := turns[1].Content
	if len(assistant) != 3 || assistant[1].ID != "a" || assistant[2].ID != "b" {
		t.Errorf("assistant blocks out of order: %+v", assistant)
	}
	if string(assistant[2].Input) != "{}" {
		t.Errorf("empty input = %s, want {}", assistant[2].Input)
	}

	merged := turns[2]
	if merged.Role != "user" || len(merged.Content) != 3 {
		t.Fatalf("expected merged user turn with 3 blocks, got %+v", merged)
	}
	if merged.Content[0].ToolUseID != "a" || merged.Content[1].ToolUseID != "b" || merged.Content[2].Text != "thanks" {
		t.Errorf("merged content = %+v", merged.Content)
	}

	if last := turns[3].Content; len(last) != 1 || last[0].Type != "tool_use" || last[0].Name != "complete_task" {
		t.Errorf("tool-call-only turn = %+v", last)
	}
}

func TestNormaliseAnthropicStop(t *testing.T) {
	for in, want := range map[string]string{
		"tool_use":      protocol.StopToolUse,
		"max_tokens":    protocol.StopMaxTokens,
		"end_turn":      protocol.StopEndTurn,
		"stop_sequence": protocol.StopEndTurn,
		"":              protocol.StopEndTurn,
	} {
		if got := normaliseAnthropicStop(in); got != want {
			t.Errorf("normaliseAnthropicStop(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAnthropicProviderName(t *testing.T) {
	if got := NewAnthropic("k").Name(); got != "anthropic" {
		t.Errorf("Name() = %q", got)
	}
}
