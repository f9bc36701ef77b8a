package executor

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/h1v3-io/agentdesk/internal/prompt"
	"github.com/h1v3-io/agentdesk/internal/ticket"
	"github.com/h1v3-io/agentdesk/internal/tool"
	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

// mockProvider replays scripted responses. When the script runs out the
// last entry repeats.
type mockProvider struct {
	mu        sync.Mutex
	responses []*protocol.ChatResponse
	errs      []error
	panicMsg  string
	requests  []protocol.ChatRequest
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Chat(_ context.Context, req protocol.ChatRequest) (*protocol.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	idx := len(m.requests)
	m.requests = append(m.requests, req)
	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	return m.responses[idx], nil
}

func (m *mockProvider) calls() []protocol.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.ChatRequest(nil), m.requests...)
}

func toolUse(id, name string, input map[string]any) *protocol.ChatResponse {
	return &protocol.ChatResponse{
		StopReason: protocol.StopToolUse,
		Blocks:     []protocol.ContentBlock{{Type: "tool_use", ID: id, Name: name, Input: input}},
	}
}

func textTurn(text string) *protocol.ChatResponse {
	return &protocol.ChatResponse{Content: text, StopReason: protocol.StopEndTurn}
}

type recordingTool struct {
	mu   sync.Mutex
	got  []tool.Execution
	name string
}

func (r *recordingTool) Name() string               { return r.name }
func (r *recordingTool) Description() string        { return "records calls" }
func (r *recordingTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (r *recordingTool) Execute(_ context.Context, exec tool.Execution, _ map[string]any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, exec)
	return "recorded", nil
}

type eventLog struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (l *eventLog) Publish(ev protocol.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	store   *ticket.SQLiteStore
	tools   *tool.Registry
	rec     *recordingTool
	events  *eventLog
	agent   *protocol.Agent
	ticket  *protocol.Ticket
	session *protocol.Session
}

func newHarness(t *testing.T, maxIterations int) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := ticket.NewSQLiteStore(filepath.Join(t.TempDir(), "exec.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	agent := &protocol.Agent{
		Name:          "ops",
		Prompt:        "Handle {{.repo}}.",
		Tools:         []string{"calculate", "record"},
		MaxIterations: maxIterations,
	}
	require.NoError(t, store.CreateAgent(ctx, agent))
	tk := &protocol.Ticket{AgentID: agent.ID, Params: map[string]any{"repo": "agentdesk"}}
	require.NoError(t, store.CreateTicket(ctx, tk))
	claims, err := store.ClaimPending(ctx)
	require.NoError(t, err)
	require.Len(t, claims, 1)

	reg := tool.NewRegistry()
	reg.Register(&tool.CalculateTool{})
	reg.Register(&tool.ExecTool{})
	rec := &recordingTool{name: "record"}
	reg.Register(rec)

	return &harness{
		store: store, tools: reg, rec: rec, events: &eventLog{},
		agent: agent, ticket: claims[0].Ticket, session: claims[0].Session,
	}
}

func (h *harness) run(t *testing.T, p *mockProvider) *Run {
	t.Helper()
	r := NewRun(Deps{Store: h.store, Tools: h.tools, Compiler: &prompt.Compiler{}, Events: h.events},
		p, "test-model", 1024, h.ticket.ID, h.session.ID)
	r.Run(context.Background())
	return r
}

func (h *harness) state(t *testing.T) (*protocol.Ticket, *protocol.Session, []protocol.Message) {
	t.Helper()
	ctx := context.Background()
	tk, err := h.store.GetTicket(ctx, h.ticket.ID)
	require.NoError(t, err)
	sess, err := h.store.GetSession(ctx, h.session.ID)
	require.NoError(t, err)
	msgs, err := h.store.ListMessages(ctx, h.session.ID)
	require.NoError(t, err)
	return tk, sess, msgs
}

func toolResult(t *testing.T, m protocol.Message) protocol.ToolResult {
	t.Helper()
	require.Equal(t, protocol.RoleTool, m.Role)
	var tr protocol.ToolResult
	require.NoError(t, json.Unmarshal([]byte(m.Content), &tr))
	return tr
}

func TestRun_CompleteTask(t *testing.T) {
	h := newHarness(t, 0)
	p := &mockProvider{responses: []*protocol.ChatResponse{
		toolUse("t1", "complete_task", map[string]any{"summary": "all done", "result": map[string]any{"pr": float64(7)}}),
	}}
	h.run(t, p)

	tk, sess, msgs := h.state(t)
	assert.Equal(t, protocol.TicketCompleted, tk.Status)
	assert.Equal(t, protocol.SessionCompleted, sess.Status)
	assert.Equal(t, "all done", tk.Context["summary"])
	assert.Equal(t, map[string]any{"pr": float64(7)}, tk.Context["result"])

	require.Len(t, msgs, 3)
	assert.Equal(t, protocol.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "--- Specific Instructions ---\n\nHandle agentdesk.")
	assert.Contains(t, msgs[0].Content, "## Task Parameters")
	assert.Equal(t, protocol.RoleAssistant, msgs[1].Role)
	tr := toolResult(t, msgs[2])
	assert.Equal(t, "t1", tr.ToolUseID)
	assert.Equal(t, "complete_task", tr.ToolName)
	assert.Equal(t, "Task completed. Summary: all done", tr.Result)

	calls := p.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "test-model", calls[0].Model)
	assert.Equal(t, 1024, calls[0].MaxTokens)
	require.Len(t, calls[0].Messages, 1)
	assert.Equal(t, startMessage, calls[0].Messages[0].Content)
	assert.Contains(t, calls[0].System, "Handle agentdesk.")

	assert.Contains(t, h.events.types(), protocol.EventTicketStatus)
}

func TestRun_ToolDefinitions(t *testing.T) {
	h := newHarness(t, 0)
	p := &mockProvider{responses: []*protocol.ChatResponse{textTurn("hi")}}
	h.run(t, p)

	var names []string
	for _, d := range p.calls()[0].Tools {
		names = append(names, d.Function.Name)
	}
	// Agent tools first, sorted, then the system tools. execute_command is
	// registered but not declared by the agent.
	assert.Equal(t, []string{"calculate", "record", "request_human_input", "complete_task", "fail_task", "add_step"}, names)
}

func TestRun_RequestHumanInput(t *testing.T) {
	h := newHarness(t, 0)
	h.run(t, &mockProvider{responses: []*protocol.ChatResponse{
		toolUse("t1", "request_human_input", map[string]any{"prompt": "Which branch?"}),
	}})

	tk, sess, msgs := h.state(t)
	assert.Equal(t, protocol.TicketSuspended, tk.Status)
	assert.Equal(t, protocol.SessionSuspended, sess.Status)
	assert.Equal(t, "Task suspended, waiting for user input. Prompt: Which branch?", toolResult(t, msgs[2]).Result)
	assert.Contains(t, h.events.types(), protocol.EventHumanRequested)
}

func TestRun_FailTask(t *testing.T) {
	h := newHarness(t, 0)
	h.run(t, &mockProvider{responses: []*protocol.ChatResponse{
		toolUse("t1", "fail_task", map[string]any{"error": "repo missing"}),
	}})

	tk, sess, msgs := h.state(t)
	assert.Equal(t, protocol.TicketFailed, tk.Status)
	assert.Equal(t, "repo missing", tk.ErrorMessage)
	assert.Equal(t, protocol.SessionFailed, sess.Status)
	assert.Equal(t, "Task marked as failed. Error: repo missing", toolResult(t, msgs[2]).Result)
}

func TestRun_IdleTurnLeavesTicketRunning(t *testing.T) {
	h := newHarness(t, 0)
	p := &mockProvider{responses: []*protocol.ChatResponse{textTurn("What should I do next?")}}
	h.run(t, p)

	tk, sess, msgs := h.state(t)
	assert.Equal(t, protocol.TicketRunning, tk.Status)
	assert.Equal(t, protocol.SessionActive, sess.Status)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].IsIdleTurn())
	assert.Len(t, p.calls(), 1)
}

func TestRun_MaxIterations(t *testing.T) {
	h := newHarness(t, 3)
	p := &mockProvider{responses: []*protocol.ChatResponse{
		toolUse("s", "add_step", map[string]any{"title": "work", "status": "running"}),
	}}
	h.run(t, p)

	tk, sess, _ := h.state(t)
	assert.Equal(t, protocol.TicketFailed, tk.Status)
	assert.Equal(t, "Max iterations reached", tk.ErrorMessage)
	assert.Equal(t, protocol.SessionFailed, sess.Status)
	assert.Len(t, p.calls(), 3)

	steps, err := h.store.ListSteps(context.Background(), h.ticket.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, s := range steps {
		assert.Equal(t, i, s.Idx)
	}
}

func TestRun_CompleteOnLastIterationIsNotMaxIterations(t *testing.T) {
	h := newHarness(t, 1)
	h.run(t, &mockProvider{responses: []*protocol.ChatResponse{
		toolUse("t1", "complete_task", map[string]any{"summary": "just in time"}),
	}})

	tk, _, _ := h.state(t)
	assert.Equal(t, protocol.TicketCompleted, tk.Status)
	assert.Empty(t, tk.ErrorMessage)
}

func TestRun_TerminalToolsTakeEffectOnce(t *testing.T) {
	h := newHarness(t, 0)
	h.run(t, &mockProvider{responses: []*protocol.ChatResponse{{
		StopReason: protocol.StopToolUse,
		Blocks: []protocol.ContentBlock{
			{Type: "text", Text: "Finishing."},
			{Type: "tool_use", ID: "a", Name: "complete_task", Input: map[string]any{"summary": "ok"}},
			{Type: "tool_use", ID: "b", Name: "fail_task", Input: map[string]any{"error": "second thoughts"}},
		},
	}}})

	tk, _, msgs := h.state(t)
	assert.Equal(t, protocol.TicketCompleted, tk.Status)
	require.Len(t, msgs, 4)
	assert.Equal(t, "Task completed. Summary: ok", toolResult(t, msgs[2]).Result)
	assert.Equal(t, alreadyFinalized, toolResult(t, msgs[3]).Result)
}

func TestRun_AddStepThenContinue(t *testing.T) {
	h := newHarness(t, 0)
	h.run(t, &mockProvider{responses: []*protocol.ChatResponse{
		toolUse("s1", "add_step", map[string]any{"title": "clone", "status": "completed", "result": map[string]any{"ok": true}}),
		toolUse("s2", "add_step", map[string]any{"status": "running"}),
		toolUse("s3", "add_step", map[string]any{"title": "x", "status": "bogus"}),
		toolUse("c", "complete_task", map[string]any{"summary": "done"}),
	}})

	tk, _, msgs := h.state(t)
	assert.Equal(t, protocol.TicketCompleted, tk.Status)
	assert.Equal(t, "Step 0 added: clone", toolResult(t, msgs[2]).Result)
	assert.Equal(t, "Step 1 added: Step 1", toolResult(t, msgs[4]).Result)
	assert.Equal(t, "Error: Invalid step status: bogus", toolResult(t, msgs[6]).Result)

	steps, err := h.store.ListSteps(context.Background(), h.ticket.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, map[string]any{"ok": true}, steps[0].Result)
	assert.Contains(t, h.events.types(), protocol.EventStepAdded)
}

func TestRun_OrdinaryTools(t *testing.T) {
	h := newHarness(t, 0)
	p := &mockProvider{responses: []*protocol.ChatResponse{
		{
			StopReason: protocol.StopToolUse,
			Blocks: []protocol.ContentBlock{
				{Type: "tool_use", ID: "a", Name: "calculate", Input: map[string]any{"expression": "6 * 7"}},
				{Type: "tool_use", ID: "b", Name: "record", Input: map[string]any{}},
				{Type: "tool_use", ID: "c", Name: "ghost", Input: map[string]any{}},
				{Type: "tool_use", ID: "d", Name: "execute_command", Input: map[string]any{"command": "ls"}},
			},
		},
		textTurn("done for now"),
	}}
	h.run(t, p)

	_, _, msgs := h.state(t)
	require.Len(t, msgs, 7)
	assert.Equal(t, "Result: 6 * 7 = 42", toolResult(t, msgs[2]).Result)
	assert.Equal(t, "recorded", toolResult(t, msgs[3]).Result)
	assert.Equal(t, "Tool 'ghost' not found", toolResult(t, msgs[4]).Result)
	assert.Equal(t, "Tool 'execute_command' not found", toolResult(t, msgs[5]).Result)

	require.Len(t, h.rec.got, 1)
	assert.Equal(t, h.ticket.ID, h.rec.got[0].TicketID)
	assert.Equal(t, h.session.ID, h.rec.got[0].SessionID)
	assert.Equal(t, h.agent.ID, h.rec.got[0].AgentID)

	// The second call sees the assistant turn and all four tool results.
	second := p.calls()[1].Messages
	require.Len(t, second, 5)
	assert.Equal(t, protocol.RoleAssistant, second[0].Role)
	assert.Len(t, second[0].ToolCalls, 4)
	assert.Equal(t, "a", second[1].ToolCallID)
	assert.Equal(t, "Result: 6 * 7 = 42", second[1].Content)
}

func TestRun_ProviderErrorFailsTicket(t *testing.T) {
	h := newHarness(t, 0)
	h.run(t, &mockProvider{errs: []error{errors.New("anthropic: api error (status 500)")}, responses: []*protocol.ChatResponse{textTurn("")}})

	tk, sess, msgs := h.state(t)
	assert.Equal(t, protocol.TicketFailed, tk.Status)
	assert.Equal(t, "anthropic: api error (status 500)", tk.ErrorMessage)
	assert.Equal(t, protocol.SessionFailed, sess.Status)
	assert.Len(t, msgs, 1)
}

func TestRun_PanicForcesFailure(t *testing.T) {
	h := newHarness(t, 0)
	h.run(t, &mockProvider{panicMsg: "boom"})

	tk, sess, _ := h.state(t)
	assert.Equal(t, protocol.TicketFailed, tk.Status)
	assert.Equal(t, "panic: boom", tk.ErrorMessage)
	assert.Equal(t, protocol.SessionFailed, sess.Status)
}

func TestRun_MissingTicketIsNoop(t *testing.T) {
	h := newHarness(t, 0)
	p := &mockProvider{responses: []*protocol.ChatResponse{textTurn("x")}}
	r := NewRun(Deps{Store: h.store, Tools: h.tools}, p, "", 0, "no-such-ticket", h.session.ID)
	r.Run(context.Background())

	assert.Empty(t, p.calls())
	_, sess, msgs := h.state(t)
	assert.Equal(t, protocol.SessionActive, sess.Status)
	assert.Empty(t, msgs)
}

func TestRun_StopBeforeRun(t *testing.T) {
	h := newHarness(t, 0)
	p := &mockProvider{responses: []*protocol.ChatResponse{textTurn("x")}}
	r := NewRun(Deps{Store: h.store, Tools: h.tools}, p, "", 0, h.ticket.ID, h.session.ID)
	r.Stop()
	r.Run(context.Background())

	assert.Empty(t, p.calls())
	tk, _, _ := h.state(t)
	assert.Equal(t, protocol.TicketRunning, tk.Status)
}

func TestRun_ResumedSessionKeepsSystemMessage(t *testing.T) {
	h := newHarness(t, 0)
	h.run(t, &mockProvider{responses: []*protocol.ChatResponse{
		toolUse("t1", "request_human_input", map[string]any{"prompt": "branch?"}),
	}})

	ctx := context.Background()
	_, _, err := h.store.AppendUserMessage(ctx, h.session.ID, "main", false)
	require.NoError(t, err)
	claims, err := h.store.ClaimPending(ctx)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, h.session.ID, claims[0].Session.ID)

	p := &mockProvider{responses: []*protocol.ChatResponse{toolUse("t2", "complete_task", map[string]any{"summary": "merged"})}}
	h.run(t, p)

	tk, _, msgs := h.state(t)
	assert.Equal(t, protocol.TicketCompleted, tk.Status)
	systems := 0
	for _, m := range msgs {
		if m.Role == protocol.RoleSystem {
			systems++
		}
	}
	assert.Equal(t, 1, systems)
	last := p.calls()[0].Messages
	assert.Equal(t, "main", last[len(last)-1].Content)
}

func TestRun_Spans(t *testing.T) {
	h := newHarness(t, 0)
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	r := NewRun(Deps{Store: h.store, Tools: h.tools, Tracer: tp.Tracer("test")},
		&mockProvider{responses: []*protocol.ChatResponse{textTurn("idle")}}, "", 0, h.ticket.ID, h.session.ID)
	r.Run(context.Background())

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"Provider.Chat", "Executor.Run"}, names)
}

// blockingProvider waits for cancellation.
type blockingProvider struct{ started chan struct{} }

func (b *blockingProvider) Name() string { return "blocking" }
func (b *blockingProvider) Chat(ctx context.Context, _ protocol.ChatRequest) (*protocol.ChatResponse, error) {
	close(b.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestFactory_StreamingStopCancelsCall(t *testing.T) {
	h := newHarness(t, 0)
	bp := &blockingProvider{started: make(chan struct{})}
	f := &Factory{
		Deps:     Deps{Store: h.store, Tools: h.tools},
		Backends: map[Kind]Backend{KindOpenAIStream: {Provider: bp}},
	}
	ex, err := f.New(KindOpenAIStream, h.ticket.ID, h.session.ID)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		ex.Run(context.Background())
		close(done)
	}()
	<-bp.started
	ex.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not cancel the streaming call")
	}
	tk, _, _ := h.state(t)
	assert.Equal(t, protocol.TicketRunning, tk.Status, "a stopped run leaves the ticket for the caller")
}

func TestFactory_Kinds(t *testing.T) {
	f := &Factory{Backends: map[Kind]Backend{KindAnthropic: {Provider: &mockProvider{}}}}

	ex, err := f.New("", "t", "s")
	require.NoError(t, err)
	assert.False(t, ex.(*Run).cancelOnStop)

	_, err = f.New(KindOpenAIStream, "t", "s")
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = f.New("claude_sdk", "t", "s")
	assert.ErrorIs(t, err, ErrUnknownKind)

	k, err := ParseKind("openai_stream")
	require.NoError(t, err)
	assert.Equal(t, KindOpenAIStream, k)
	_, err = ParseKind("nope")
	assert.Error(t, err)
}

// gatedProvider blocks until released, ignoring cancellation, then asks to
// complete the task.
type gatedProvider struct {
	started chan struct{}
	release chan struct{}
}

func (g *gatedProvider) Name() string { return "gated" }
func (g *gatedProvider) Chat(_ context.Context, _ protocol.ChatRequest) (*protocol.ChatResponse, error) {
	close(g.started)
	<-g.release
	return toolUse("t1", "complete_task", map[string]any{"summary": "late"}), nil
}

// reclaim resets the ticket and claims it again, returning the new session.
func (h *harness) reclaim(t *testing.T) *protocol.Session {
	t.Helper()
	ctx := context.Background()
	_, err := h.store.Reset(ctx, h.ticket.ID)
	require.NoError(t, err)
	claims, err := h.store.ClaimPending(ctx)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.NotEqual(t, h.session.ID, claims[0].Session.ID)
	return claims[0].Session
}

func (h *harness) assertReclaimed(t *testing.T, current *protocol.Session, oldMessages int) {
	t.Helper()
	tk, old, msgs := h.state(t)
	assert.Equal(t, protocol.TicketRunning, tk.Status)
	assert.Empty(t, tk.ErrorMessage)
	assert.Equal(t, protocol.SessionCompleted, old.Status)
	assert.Len(t, msgs, oldMessages, "archived session must not grow")

	sess, err := h.store.GetSession(context.Background(), current.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.SessionActive, sess.Status)
}

func TestRun_StoppedRunDropsLateResponse(t *testing.T) {
	h := newHarness(t, 0)
	gp := &gatedProvider{started: make(chan struct{}), release: make(chan struct{})}
	r := NewRun(Deps{Store: h.store, Tools: h.tools, Compiler: &prompt.Compiler{}, Events: h.events},
		gp, "test-model", 1024, h.ticket.ID, h.session.ID)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()
	<-gp.started
	_, _, before := h.state(t)

	r.Stop()
	current := h.reclaim(t)
	close(gp.release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}
	h.assertReclaimed(t, current, len(before))
}

// reclaimingProvider resets and reclaims the ticket while the call is in
// flight, without stopping the run.
type reclaimingProvider struct {
	h       *harness
	t       *testing.T
	current *protocol.Session
}

func (p *reclaimingProvider) Name() string { return "reclaiming" }
func (p *reclaimingProvider) Chat(_ context.Context, _ protocol.ChatRequest) (*protocol.ChatResponse, error) {
	p.current = p.h.reclaim(p.t)
	return toolUse("t1", "complete_task", map[string]any{"summary": "late"}), nil
}

func TestRun_StaleSessionIsAbandoned(t *testing.T) {
	h := newHarness(t, 0)
	p := &reclaimingProvider{h: h, t: t}
	r := NewRun(Deps{Store: h.store, Tools: h.tools, Compiler: &prompt.Compiler{}, Events: h.events},
		p, "test-model", 1024, h.ticket.ID, h.session.ID)
	r.Run(context.Background())

	require.NotNil(t, p.current)
	// Only the system prompt written before the call.
	h.assertReclaimed(t, p.current, 1)
	assert.NotContains(t, h.events.types(), protocol.EventTicketStatus)
}
