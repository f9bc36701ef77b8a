package protocol

import (
	"encoding/json"
	"time"
)

// Message roles in a session transcript.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one immutable entry of a session transcript. Assistant content
// holds JSON-encoded content blocks; tool content holds a JSON ToolResult.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolResult is the persisted content of a role=tool message.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	ToolName  string `json:"tool_name"`
	Result    string `json:"result"`
}

// EncodeBlocks serializes assistant content blocks for storage.
func EncodeBlocks(blocks []ContentBlock) string {
	if blocks == nil {
		blocks = []ContentBlock{}
	}
	data, _ := json.Marshal(blocks)
	return string(data)
}

// DecodeBlocks parses stored assistant content. Content that is not a JSON
// block list is returned as a single text block.
func DecodeBlocks(content string) []ContentBlock {
	var blocks []ContentBlock
	if err := json.Unmarshal([]byte(content), &blocks); err != nil {
		return []ContentBlock{{Type: "text", Text: content}}
	}
	return blocks
}

// IsIdleTurn reports whether an assistant message ended the turn without
// requesting any tool.
func (m Message) IsIdleTurn() bool {
	if m.Role != RoleAssistant {
		return false
	}
	for _, b := range DecodeBlocks(m.Content) {
		if b.Type == "tool_use" {
			return false
		}
	}
	return true
}
