package executor

import (
	"errors"
	"fmt"

	"github.com/h1v3-io/agentdesk/internal/provider"
)

// Kind selects the provider transport of an executor.
type Kind string

const (
	// KindAnthropic calls the Anthropic Messages REST API. Stop is
	// cooperative and takes effect between turns.
	KindAnthropic Kind = "anthropic_api"
	// KindOpenAIStream streams OpenAI chat completions. Stop also cancels
	// the in-flight stream.
	KindOpenAIStream Kind = "openai_stream"
)

// ErrUnknownKind is returned for executor kinds the factory cannot build.
var ErrUnknownKind = errors.New("unknown executor kind")

// ParseKind validates a configured kind. Empty means KindAnthropic.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "":
		return KindAnthropic, nil
	case KindAnthropic, KindOpenAIStream:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Backend is the provider a kind runs on.
type Backend struct {
	Provider  provider.Provider
	Model     string
	MaxTokens int
}

// Factory builds executors of a configured kind.
type Factory struct {
	Deps     Deps
	Backends map[Kind]Backend
}

// New returns an executor bound to (ticketID, sessionID).
func (f *Factory) New(kind Kind, ticketID, sessionID string) (Executor, error) {
	if kind == "" {
		kind = KindAnthropic
	}
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}
	b, ok := f.Backends[kind]
	if !ok || b.Provider == nil {
		return nil, fmt.Errorf("%w: %q is not configured", ErrUnknownKind, kind)
	}
	run := NewRun(f.Deps, b.Provider, b.Model, b.MaxTokens, ticketID, sessionID)
	run.cancelOnStop = kind == KindOpenAIStream
	return run, nil
}
