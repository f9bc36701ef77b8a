package connector

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in, name, arg string
	}{
		{"/status", "status", ""},
		{"/attach@desk_bot  t-12 ", "attach", "t-12"},
		{"NEW", "new", ""},
		{"", "", ""},
		{"please retry", "please", "retry"},
	}
	for _, tt := range tests {
		name, arg := ParseCommand(tt.in)
		assert.Equal(t, tt.name, name, tt.in)
		assert.Equal(t, tt.arg, arg, tt.in)
	}
}

func TestCommands(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	cmds := Commands{Inbox: f.router, Prefix: "/"}
	chat := ChatRef{Channel: "telegram", ChatID: "42"}

	reply, ok := cmds.Reply(ctx, chat, "status", "")
	require.True(t, ok)
	assert.Contains(t, reply, "No ticket")

	tk, err := f.svc.CreateTicket(ctx, "helpdesk", nil, nil)
	require.NoError(t, err)

	reply, _ = cmds.Reply(ctx, chat, "attach", tk.ID)
	assert.Contains(t, reply, "Attached")
	reply, _ = cmds.Reply(ctx, chat, "status", "")
	assert.Contains(t, reply, tk.ID)

	reply, _ = cmds.Reply(ctx, chat, "new", "")
	assert.Contains(t, reply, "Detached")
	reply, _ = cmds.Reply(ctx, chat, "new", "")
	assert.Contains(t, reply, "No ticket")

	reply, _ = cmds.Reply(ctx, chat, "attach", "")
	assert.Contains(t, reply, "Usage: /attach")
	reply, _ = cmds.Reply(ctx, chat, "attach", "missing")
	assert.Contains(t, reply, "Cannot attach")

	reply, _ = cmds.Reply(ctx, chat, "help", "")
	assert.Contains(t, reply, "/attach <id>")

	_, ok = cmds.Reply(ctx, chat, "frobnicate", "")
	assert.False(t, ok)
}

func TestAttachRejectsFinishedTicket(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	tk, err := f.svc.CreateTicket(ctx, "helpdesk", nil, nil)
	require.NoError(t, err)
	c := f.claim(t)
	require.NoError(t, f.store.Finalize(ctx, tk.ID, c.Session.ID, protocol.TicketCompleted, "", nil))

	chat := ChatRef{Channel: "telegram", ChatID: "9"}
	err = f.router.Attach(ctx, chat, tk.ID)
	require.Error(t, err)
	_, bound := f.router.Binding(chat)
	assert.False(t, bound)
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, SplitMessage("short", 10))
	assert.Equal(t, []string{"no limit"}, SplitMessage("no limit", 0))

	got := SplitMessage("first paragraph\n\nsecond one here", 20)
	assert.Equal(t, []string{"first paragraph", "second one here"}, got)

	got = SplitMessage("alpha beta gamma delta", 11)
	assert.Equal(t, []string{"alpha beta", "gamma delta"}, got)

	got = SplitMessage(strings.Repeat("x", 25), 10)
	assert.Equal(t, []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)}, got)

	for _, chunk := range SplitMessage(strings.Repeat("héllo wörld ", 50), 16) {
		assert.LessOrEqual(t, len([]rune(chunk)), 16)
	}
}
