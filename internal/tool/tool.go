package tool

import (
	"context"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Execution identifies the run a tool call belongs to. It is passed
// explicitly to every tool; there is no ambient execution context.
type Execution struct {
	TicketID  string
	SessionID string
	AgentID   string
	// Stop asks the owning executor to end its loop after the current turn.
	Stop func()
}

// StopRun calls Stop if set.
func (e Execution) StopRun() {
	if e.Stop != nil {
		e.Stop()
	}
}

// Tool is the interface every agent tool must implement.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema
	Execute(ctx context.Context, exec Execution, params map[string]any) (string, error)
}

func getString(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

// getInt accepts JSON numbers and numeric strings.
func getInt(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(v))
		return n
	}
	return 0
}

// truncate cuts s to at most max bytes on a rune boundary and appends
// marker when it was cut.
func truncate(s string, max int, marker string) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + marker
}
