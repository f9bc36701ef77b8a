package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h1v3-io/agentdesk/internal/tool"
)

type echoTool struct{ name string }

func (e echoTool) Name() string               { return e.name }
func (e echoTool) Description() string        { return "echo" }
func (e echoTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (e echoTool) Execute(context.Context, tool.Execution, map[string]any) (string, error) {
	return "ran", nil
}

func newPolicyRegistry(t *testing.T, path string) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry()
	reg.Register(echoTool{name: "execute_command"})
	reg.Register(echoTool{name: "http_request"})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, installToolPolicy(context.Background(), reg, path, logger))
	return reg
}

func TestInstallToolPolicy_DefaultRules(t *testing.T) {
	reg := newPolicyRegistry(t, "")
	ctx := context.Background()

	assert.Equal(t, "ran", reg.Run(ctx, tool.Execution{}, "execute_command", map[string]any{"command": "ls"}))
	assert.Contains(t, reg.Run(ctx, tool.Execution{}, "execute_command", map[string]any{"command": "sudo rm -rf /"}), "blocked by policy")
	assert.Contains(t, reg.Run(ctx, tool.Execution{}, "http_request", map[string]any{"method": "DELETE"}), "requires operator approval")
}

func TestInstallToolPolicy_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.rego")
	require.NoError(t, os.WriteFile(path, []byte(`
package tool_policy

default decision = "allow"
`), 0o644))
	reg := newPolicyRegistry(t, path)

	assert.Equal(t, "ran", reg.Run(context.Background(), tool.Execution{}, "execute_command", map[string]any{"command": "sudo ls"}))
}

func TestInstallToolPolicy_MissingFile(t *testing.T) {
	err := installToolPolicy(context.Background(), tool.NewRegistry(), filepath.Join(t.TempDir(), "nope.rego"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorContains(t, err, "tool policy")
}
