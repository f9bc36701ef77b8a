package executor

import (
	"encoding/json"
	"strings"

	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

// startMessage is sent when a session has no turns yet.
const startMessage = "Please start executing the task."

// buildHistory splits a stored transcript into the system text and the
// provider turns. Tool messages become tool results keyed by tool_use_id;
// unparsable tool messages are dropped.
func buildHistory(msgs []protocol.Message) (string, []protocol.ChatMessage) {
	var system string
	history := make([]protocol.ChatMessage, 0, len(msgs))

	for _, m := range msgs {
		switch m.Role {
		case protocol.RoleSystem:
			if system == "" {
				system = m.Content
			}

		case protocol.RoleUser:
			history = append(history, protocol.ChatMessage{Role: protocol.RoleUser, Content: m.Content})

		case protocol.RoleAssistant:
			blocks := protocol.DecodeBlocks(m.Content)
			if len(blocks) == 0 {
				continue
			}
			cm := protocol.ChatMessage{Role: protocol.RoleAssistant, Blocks: blocks}
			var text []string
			for _, b := range blocks {
				switch b.Type {
				case "text":
					text = append(text, b.Text)
				case "tool_use":
					cm.ToolCalls = append(cm.ToolCalls, protocol.ToolCall{ID: b.ID, Name: b.Name, Arguments: b.Input})
				}
			}
			cm.Content = strings.Join(text, "\n")
			history = append(history, cm)

		case protocol.RoleTool:
			var tr protocol.ToolResult
			if err := json.Unmarshal([]byte(m.Content), &tr); err != nil {
				continue
			}
			history = append(history, protocol.ChatMessage{
				Role:       protocol.RoleTool,
				Content:    tr.Result,
				ToolCallID: tr.ToolUseID,
				Name:       tr.ToolName,
			})
		}
	}

	if len(history) == 0 {
		history = append(history, protocol.ChatMessage{Role: protocol.RoleUser, Content: startMessage})
	}
	return system, history
}
