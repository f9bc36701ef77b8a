// Package provider adapts LLM completion APIs to protocol.ChatRequest and
// protocol.ChatResponse.
package provider

import (
	"context"

	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

// Provider is the abstraction over LLM APIs.
type Provider interface {
	Chat(ctx context.Context, req protocol.ChatRequest) (*protocol.ChatResponse, error)
	Name() string
}
