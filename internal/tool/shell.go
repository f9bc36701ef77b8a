package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

const (
	defaultTimeout = 60 * time.Second
	maxTimeout     = 10 * time.Minute
	maxOutputSize  = 100 * 1024 // per stream
)

// denyCommands match commands that are refused outright.
var denyCommands = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+/(\s|$|\*)`),
	regexp.MustCompile(`\bmkfs(\.\w+)?\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),
	regexp.MustCompile(`>\s*/dev/(sd|nvme|hd)`),
	regexp.MustCompile(`\bchmod\s+-R\s+777\s+/(\s|$)`),
	regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`),
}

// ExecTool runs a shell command in the workspace. The ticket, session and
// agent ids are exported to the command's environment.
type ExecTool struct {
	Workspace Workspace
	// Timeout is the default per command; callers may ask for up to
	// maxTimeout with timeout_seconds.
	Timeout time.Duration
}

func (t *ExecTool) Name() string { return "execute_command" }
func (t *ExecTool) Description() string {
	return "Run a shell command in the workspace and return stdout, stderr and the exit code"
}
func (t *ExecTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":         map[string]any{"type": "string", "description": "Shell command to execute"},
			"timeout_seconds": map[string]any{"type": "integer", "description": "Override the default timeout (max 600)"},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) timeout(params map[string]any) time.Duration {
	if s := getInt(params, "timeout_seconds"); s > 0 {
		return min(time.Duration(s)*time.Second, maxTimeout)
	}
	if t.Timeout > 0 {
		return t.Timeout
	}
	return defaultTimeout
}

func (t *ExecTool) Execute(ctx context.Context, run Execution, params map[string]any) (string, error) {
	command := strings.TrimSpace(getString(params, "command"))
	if command == "" {
		return "Error: 'command' parameter is required", nil
	}
	for _, re := range denyCommands {
		if m := re.FindString(command); m != "" {
			return fmt.Sprintf("Error: refusing to run %q", strings.TrimSpace(m)), nil
		}
	}

	dir, err := t.Workspace.Dir(run)
	if err != nil {
		return "", fmt.Errorf("execute_command: %w", err)
	}
	timeout := t.timeout(params)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"AGENTDESK_TICKET_ID="+run.TicketID,
		"AGENTDESK_SESSION_ID="+run.SessionID,
		"AGENTDESK_AGENT_ID="+run.AgentID,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("Error: command timed out after %s", timeout), nil
	}
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", fmt.Errorf("execute_command: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	var b strings.Builder
	section := func(name string, buf *bytes.Buffer) {
		if buf.Len() == 0 {
			return
		}
		fmt.Fprintf(&b, "[%s]\n%s\n", name, strings.TrimRight(truncate(buf.String(), maxOutputSize, "\n... (truncated)"), "\n"))
	}
	section("stdout", &stdout)
	section("stderr", &stderr)
	if b.Len() == 0 {
		b.WriteString("(no output)\n")
	}
	fmt.Fprintf(&b, "[exit code %d]", exitCode)
	return b.String(), nil
}
