package executor

import (
	"context"
	"fmt"

	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

const (
	toolRequestHumanInput = "request_human_input"
	toolCompleteTask      = "complete_task"
	toolFailTask          = "fail_task"
	toolAddStep           = "add_step"

	alreadyFinalized = "Task already finalized"
)

func isSystemTool(name string) bool {
	switch name {
	case toolRequestHumanInput, toolCompleteTask, toolFailTask, toolAddStep:
		return true
	}
	return false
}

// systemToolDefinitions are offered on every call in addition to the
// agent's tools.
func systemToolDefinitions() []protocol.ToolDefinition {
	return []protocol.ToolDefinition{
		protocol.NewToolDefinition(toolRequestHumanInput,
			"Pause the task and wait for user input. Use this when you need more information, a confirmation or a decision from the user.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt": map[string]any{"type": "string", "description": "What you need from the user"},
				},
				"required": []string{"prompt"},
			}),
		protocol.NewToolDefinition(toolCompleteTask,
			"Mark the task as completed. Call this once the goal has been achieved.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"summary": map[string]any{"type": "string", "description": "Summary of what was done"},
					"result":  map[string]any{"type": "object", "description": "Result data (optional)"},
				},
				"required": []string{"summary"},
			}),
		protocol.NewToolDefinition(toolFailTask,
			"Mark the task as failed. Call this when an unrecoverable error prevents progress.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"error": map[string]any{"type": "string", "description": "Description of the error"},
				},
				"required": []string{"error"},
			}),
		protocol.NewToolDefinition(toolAddStep,
			"Record a step of the task to report progress.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title": map[string]any{"type": "string", "description": "Step title"},
					"status": map[string]any{
						"type":        "string",
						"enum":        []string{"pending", "running", "completed", "failed"},
						"description": "Step status",
					},
					"result": map[string]any{"type": "object", "description": "Step result (optional)"},
				},
				"required": []string{"title", "status"},
			}),
	}
}

// handleSystemTool applies a system tool. Terminal tools set the stop flag
// and take effect at most once per run.
func (r *Run) handleSystemTool(ctx context.Context, name string, input map[string]any) string {
	switch name {
	case toolRequestHumanInput:
		if r.finalized {
			return alreadyFinalized
		}
		p := stringArg(input, "prompt")
		if err := r.finalize(ctx, protocol.TicketSuspended, "", nil); err != nil {
			return "Tool execution error: " + err.Error()
		}
		r.logger.Info("ticket suspended for human input")
		r.publish(protocol.Event{Type: protocol.EventHumanRequested, Status: string(protocol.TicketSuspended),
			Data: map[string]any{"prompt": p}})
		return "Task suspended, waiting for user input. Prompt: " + p

	case toolCompleteTask:
		if r.finalized {
			return alreadyFinalized
		}
		summary := stringArg(input, "summary")
		patch := map[string]any{"summary": summary}
		if result, ok := input["result"]; ok && result != nil {
			patch["result"] = result
		}
		if err := r.finalize(ctx, protocol.TicketCompleted, "", patch); err != nil {
			return "Tool execution error: " + err.Error()
		}
		r.logger.Info("ticket completed")
		return "Task completed. Summary: " + summary

	case toolFailTask:
		if r.finalized {
			return alreadyFinalized
		}
		errText := stringArg(input, "error")
		if errText == "" {
			errText = "Unknown error"
		}
		if err := r.finalize(ctx, protocol.TicketFailed, errText, nil); err != nil {
			return "Tool execution error: " + err.Error()
		}
		r.logger.Info("ticket failed", "error", errText)
		return "Task marked as failed. Error: " + errText

	case toolAddStep:
		return r.addStep(ctx, input)
	}
	return "Unknown system tool"
}

// finalize moves ticket and session together. The run stops even when the
// store rejects the change, since the ticket was changed underneath it.
func (r *Run) finalize(ctx context.Context, to protocol.TicketStatus, errMsg string, patch map[string]any) error {
	r.finalized = true
	r.stopped.Store(true)
	if err := r.deps.Store.Finalize(ctx, r.ticketID, r.sessionID, to, errMsg, patch); err != nil {
		r.logger.Warn("finalize rejected", "to", to, "error", err)
		return err
	}
	data := map[string]any{}
	if errMsg != "" {
		data["error"] = errMsg
	}
	r.publish(protocol.Event{Type: protocol.EventTicketStatus, Status: string(to), Data: data})
	return nil
}

func (r *Run) addStep(ctx context.Context, input map[string]any) string {
	status := protocol.StepStatus(stringArg(input, "status"))
	if status == "" {
		status = protocol.StepPending
	}
	if !status.Valid() {
		return fmt.Sprintf("Error: Invalid step status: %s", status)
	}
	title := stringArg(input, "title")
	if title == "" {
		steps, err := r.deps.Store.ListSteps(ctx, r.ticketID)
		if err != nil {
			return "Tool execution error: " + err.Error()
		}
		title = fmt.Sprintf("Step %d", len(steps))
	}
	var result map[string]any
	if m, ok := input["result"].(map[string]any); ok && len(m) > 0 {
		result = m
	}
	step, err := r.deps.Store.AppendStep(ctx, r.ticketID, title, status, result)
	if err != nil {
		return "Tool execution error: " + err.Error()
	}
	r.publish(protocol.Event{Type: protocol.EventStepAdded, Status: string(step.Status),
		Data: map[string]any{"idx": step.Idx, "title": step.Title}})
	return fmt.Sprintf("Step %d added: %s", step.Idx, step.Title)
}

func stringArg(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}
