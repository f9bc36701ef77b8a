// Package executor runs the conversation loop that works one ticket session:
// it calls a completion provider, executes requested tools, persists every
// turn and moves the ticket to suspended, completed or failed.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/h1v3-io/agentdesk/internal/logbuf"
	"github.com/h1v3-io/agentdesk/internal/prompt"
	"github.com/h1v3-io/agentdesk/internal/provider"
	"github.com/h1v3-io/agentdesk/internal/ticket"
	"github.com/h1v3-io/agentdesk/internal/tool"
	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

const tracerName = "github.com/h1v3-io/agentdesk/internal/executor"

// Executor works one (ticket, session) pair until it suspends, finishes,
// goes idle or is stopped.
type Executor interface {
	Run(ctx context.Context)
	// Stop asks the run to end at the next turn boundary. It may be called
	// from any goroutine, before or during Run.
	Stop()
}

// Publisher receives lifecycle events. Implementations must not block.
type Publisher interface {
	Publish(ev protocol.Event)
}

// Deps are the collaborators shared by every run.
type Deps struct {
	Store    ticket.Store
	Tools    *tool.Registry
	Compiler *prompt.Compiler
	Events   Publisher
	Logger   *slog.Logger
	// Tracer defaults to the global otel tracer provider.
	Tracer trace.Tracer
}

// Run is the executor for one ticket session.
type Run struct {
	deps         Deps
	provider     provider.Provider
	model        string
	maxTokens    int
	ticketID     string
	sessionID    string
	cancelOnStop bool
	logger       *slog.Logger
	tracer       trace.Tracer

	stopped   atomic.Bool
	finalized bool

	mu     sync.Mutex
	cancel context.CancelFunc

	// per-run state loaded in load()
	ticket *protocol.Ticket
	agent  *protocol.Agent
}

// NewRun builds an executor directly. Most callers go through Factory.
func NewRun(deps Deps, p provider.Provider, model string, maxTokens int, ticketID, sessionID string) *Run {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Run{
		deps:      deps,
		provider:  p,
		model:     model,
		maxTokens: maxTokens,
		ticketID:  ticketID,
		sessionID: sessionID,
		logger:    logger.With("ticket", ticketID, "session", sessionID),
		tracer:    tracer,
	}
}

// TicketID returns the ticket this run is bound to.
func (r *Run) TicketID() string { return r.ticketID }

// SessionID returns the session this run is bound to.
func (r *Run) SessionID() string { return r.sessionID }

// Stop sets the stop flag. Streaming runs also cancel the in-flight call.
func (r *Run) Stop() {
	r.stopped.Store(true)
	if !r.cancelOnStop {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

// Run executes the loop. Failures escaping the loop, panics included, force
// the ticket and session to failed.
func (r *Run) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(logbuf.ContextWithTicket(ctx, r.ticketID))
	defer cancel()
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	if r.stopped.Load() && r.cancelOnStop {
		cancel()
	}

	ctx, span := r.tracer.Start(ctx, "Executor.Run", trace.WithAttributes(
		attribute.String("ticket.id", r.ticketID),
		attribute.String("session.id", r.sessionID),
		attribute.String("provider", r.provider.Name()),
	))
	defer span.End()

	outcome := "error"
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic: %v", rec)
			r.logger.Error("executor panicked", "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.forceFail(ctx, err)
			outcome = "panic"
		}
		runsTotal.WithLabelValues(outcome).Inc()
		span.SetAttributes(attribute.String("outcome", outcome))
	}()

	r.logger.Info("executor started")
	result, err := r.run(ctx)
	if errors.Is(err, ticket.ErrInvalidState) {
		r.logger.Warn("session is no longer current, abandoning run", "error", err)
		outcome = "stale"
		return
	}
	if err != nil {
		r.logger.Error("executor failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.forceFail(ctx, err)
		return
	}
	outcome = result
	r.logger.Info("executor finished", "outcome", outcome)
}

// run returns the outcome label for metrics.
func (r *Run) run(ctx context.Context) (string, error) {
	ok, err := r.load(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return "missing", nil
	}

	if err := r.ensureSystemMessage(ctx); err != nil {
		return "", err
	}

	allowed := r.allowedTools()
	var defs []protocol.ToolDefinition
	if len(allowed) > 0 {
		defs = r.deps.Tools.Definitions(allowedNames(allowed)...)
	}
	defs = append(defs, systemToolDefinitions()...)

	limit := r.agent.IterationLimit()
	iteration := 0
	idle := false
	for !r.stopped.Load() && iteration < limit {
		iteration++

		msgs, err := r.deps.Store.ListMessages(ctx, r.sessionID)
		if err != nil {
			return "", err
		}
		system, history := buildHistory(msgs)

		resp, err := r.chat(ctx, protocol.ChatRequest{
			Model:     r.model,
			System:    system,
			Messages:  history,
			Tools:     defs,
			MaxTokens: r.maxTokens,
		}, iteration)
		if err != nil {
			if r.stopped.Load() {
				r.logger.Info("provider call interrupted by stop", "error", err)
				break
			}
			r.logger.Error("provider error", "iteration", iteration, "error", err)
			r.handleSystemTool(ctx, toolFailTask, map[string]any{"error": err.Error()})
			break
		}

		if r.stopped.Load() {
			r.logger.Info("stopped during provider call, dropping response")
			break
		}

		blocks := resp.ContentBlocks()
		if _, err := r.appendMessage(ctx, protocol.RoleAssistant, protocol.EncodeBlocks(blocks)); err != nil {
			return "", err
		}

		usedTools := false
		for _, b := range blocks {
			if b.Type != "tool_use" {
				continue
			}
			usedTools = true
			result := r.handleToolUse(ctx, b, allowed)
			content, _ := json.Marshal(protocol.ToolResult{ToolUseID: b.ID, ToolName: b.Name, Result: result})
			if _, err := r.appendMessage(ctx, protocol.RoleTool, string(content)); err != nil {
				return "", err
			}
		}

		if resp.StopReason == protocol.StopEndTurn && !usedTools {
			r.logger.Info("no tool calls, waiting for next input")
			idle = true
			break
		}
	}
	iterationsHist.Observe(float64(iteration))

	switch {
	case r.finalized:
		return "finalized", nil
	case idle:
		return "idle", nil
	case r.stopped.Load():
		return "stopped", nil
	case iteration >= limit:
		r.logger.Warn("max iterations reached", "limit", limit)
		r.handleSystemTool(ctx, toolFailTask, map[string]any{"error": "Max iterations reached"})
		return "max_iterations", nil
	}
	return "stopped", nil
}

// load fetches the ticket, session and agent. A missing row ends the run
// without touching state.
func (r *Run) load(ctx context.Context) (bool, error) {
	t, err := r.deps.Store.GetTicket(ctx, r.ticketID)
	if errors.Is(err, ticket.ErrNotFound) {
		r.logger.Error("ticket not found")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := r.deps.Store.GetSession(ctx, r.sessionID); errors.Is(err, ticket.ErrNotFound) {
		r.logger.Error("session not found")
		return false, nil
	} else if err != nil {
		return false, err
	}
	agent, err := r.deps.Store.GetAgent(ctx, t.AgentID)
	if errors.Is(err, ticket.ErrNotFound) {
		r.logger.Error("agent not found", "agent", t.AgentID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.ticket, r.agent = t, agent
	r.logger = r.logger.With("agent", agent.Name)
	return true, nil
}

func (r *Run) ensureSystemMessage(ctx context.Context) error {
	last, err := r.deps.Store.LastMessage(ctx, r.sessionID)
	if err != nil {
		return err
	}
	if last != nil {
		return nil
	}
	content := r.compiler().SystemMessage(r.agent.Skill, r.agent.Prompt, r.ticket.Params, r.ticket.Context)
	_, err = r.appendMessage(ctx, protocol.RoleSystem, content)
	return err
}

func (r *Run) compiler() *prompt.Compiler {
	if r.deps.Compiler != nil {
		return r.deps.Compiler
	}
	return &prompt.Compiler{Logger: r.logger}
}

func (r *Run) allowedTools() map[string]bool {
	allowed := make(map[string]bool)
	for _, name := range r.compiler().EffectiveTools(r.agent.Skill, r.agent.Tools) {
		if isSystemTool(name) {
			continue
		}
		if !r.deps.Tools.Has(name) {
			r.logger.Warn("agent declares unknown tool", "tool", name)
			continue
		}
		allowed[name] = true
	}
	return allowed
}

func (r *Run) chat(ctx context.Context, req protocol.ChatRequest, iteration int) (*protocol.ChatResponse, error) {
	ctx, span := r.tracer.Start(ctx, "Provider.Chat", trace.WithAttributes(
		attribute.String("provider", r.provider.Name()),
		attribute.Int("iteration", iteration),
		attribute.Int("messages", len(req.Messages)),
	))
	defer span.End()

	start := time.Now()
	resp, err := r.provider.Chat(ctx, req)
	providerDuration.WithLabelValues(r.provider.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("stop_reason", resp.StopReason),
		attribute.Int("tool_calls", len(resp.ToolCalls)),
		attribute.Int("tokens", resp.Usage.TotalTokens()),
	)
	r.logger.Debug("provider response",
		"iteration", iteration,
		"stop_reason", resp.StopReason,
		"blocks", len(resp.ContentBlocks()),
	)
	return resp, nil
}

func (r *Run) handleToolUse(ctx context.Context, b protocol.ContentBlock, allowed map[string]bool) string {
	r.logger.Info(fmt.Sprintf("tool call: %s", b.Name), "call_id", b.ID)
	if isSystemTool(b.Name) {
		return r.handleSystemTool(ctx, b.Name, b.Input)
	}
	if !allowed[b.Name] {
		return fmt.Sprintf("Tool '%s' not found", b.Name)
	}
	exec := tool.Execution{
		TicketID:  r.ticketID,
		SessionID: r.sessionID,
		AgentID:   r.agent.ID,
		Stop:      func() { r.stopped.Store(true) },
	}
	return r.deps.Tools.Run(ctx, exec, b.Name, b.Input)
}

func (r *Run) appendMessage(ctx context.Context, role, content string) (*protocol.Message, error) {
	msg, err := r.deps.Store.AppendMessage(ctx, r.sessionID, role, content)
	if err != nil {
		return nil, err
	}
	r.publish(protocol.Event{
		Type:      protocol.EventMessageAdded,
		SessionID: r.sessionID,
		Data:      map[string]any{"message_id": msg.ID, "role": role},
	})
	return msg, nil
}

func (r *Run) publish(ev protocol.Event) {
	if r.deps.Events == nil {
		return
	}
	ev.TicketID = r.ticketID
	if ev.SessionID == "" {
		ev.SessionID = r.sessionID
	}
	if r.agent != nil {
		ev.AgentID = r.agent.ID
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	r.deps.Events.Publish(ev)
}

// forceFail marks the ticket and session failed with a context that
// survives cancellation of the run.
func (r *Run) forceFail(ctx context.Context, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := r.deps.Store.ForceFail(ctx, r.ticketID, r.sessionID, cause.Error()); err != nil {
		r.logger.Error("failed to mark ticket failed", "error", err)
		return
	}
	r.publish(protocol.Event{Type: protocol.EventTicketStatus, Status: string(protocol.TicketFailed),
		Data: map[string]any{"error": cause.Error()}})
}

func allowedNames(allowed map[string]bool) []string {
	names := make([]string, 0, len(allowed))
	for name := range allowed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
