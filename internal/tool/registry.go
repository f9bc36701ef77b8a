package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

// ErrNotFound is returned by Execute for unregistered tool names.
var ErrNotFound = errors.New("tool not found")

// Registry holds registered tools and dispatches execution. It is built once
// at process start and passed to whoever executes tools.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]Tool
	validators map[string]*Validator
	policy     Policy
	logger     *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:      make(map[string]Tool),
		validators: make(map[string]*Validator),
		logger:     slog.Default(),
	}
}

// SetPolicy installs a policy gate consulted before every execution.
func (r *Registry) SetPolicy(p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = p
}

// SetLogger replaces the registry logger.
func (r *Registry) SetLogger(l *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = l
}

// Register adds a tool to the registry. A tool whose parameter schema does
// not compile is still registered but executes without validation.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	delete(r.validators, t.Name())
	if params := t.Parameters(); len(params) > 0 {
		v, err := CompileSchema(params)
		if err != nil {
			r.logger.Warn("tool schema does not compile", "tool", t.Name(), "error", err)
			return
		}
		r.validators[t.Name()] = v
	}
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.validators, name)
}

// Has returns true if a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the sorted names of all registered tools.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the named tools in OpenAI function-calling format, in
// the given order. Unknown names are skipped. No names means every tool.
func (r *Registry) Definitions(names ...string) []protocol.ToolDefinition {
	if len(names) == 0 {
		names = r.List()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]protocol.ToolDefinition, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, protocol.NewToolDefinition(t.Name(), t.Description(), t.Parameters()))
	}
	return defs
}

// Execute runs the named tool after schema validation and the policy gate.
func (r *Registry) Execute(ctx context.Context, exec Execution, name string, params map[string]any) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	v := r.validators[name]
	policy := r.policy
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if params == nil {
		params = map[string]any{}
	}
	if v != nil {
		if err := v.Validate(params); err != nil {
			return "", fmt.Errorf("invalid parameters: %w", err)
		}
	}
	if policy != nil {
		decision, reason, err := policy.Evaluate(ctx, PolicyInput{
			Tool: name, AgentID: exec.AgentID, TicketID: exec.TicketID, Params: params,
		})
		if err != nil {
			return "", err
		}
		switch decision {
		case DecisionBlock:
			return "", fmt.Errorf("blocked by policy: %s", reason)
		case DecisionRequireApproval:
			return "", fmt.Errorf("requires operator approval (%s); call request_human_input to ask for it", reason)
		}
	}
	return safeExecute(ctx, t, exec, params)
}

// Run executes a tool and always returns text for the model: a missing tool
// yields "Tool 'x' not found" and any failure "Tool execution error: ...".
func (r *Registry) Run(ctx context.Context, exec Execution, name string, params map[string]any) string {
	start := time.Now()
	result, err := r.Execute(ctx, exec, name, params)
	toolDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, ErrNotFound):
		toolCalls.WithLabelValues(name, "not_found").Inc()
		return fmt.Sprintf("Tool '%s' not found", name)
	case err != nil:
		toolCalls.WithLabelValues(name, "error").Inc()
		r.logger.WarnContext(ctx, "tool execution failed", "tool", name, "ticket", exec.TicketID, "error", err)
		return "Tool execution error: " + err.Error()
	}
	toolCalls.WithLabelValues(name, "ok").Inc()
	return result
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

func safeExecute(ctx context.Context, t Tool, exec Execution, params map[string]any) (result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return t.Execute(ctx, exec, params)
}
