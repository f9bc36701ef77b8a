package connector

import (
	"context"
	"fmt"
	"strings"
)

// Commands answers the control commands every chat connector offers.
// Prefix is how a command is typed on the platform, "/" for Telegram.
type Commands struct {
	Inbox  Inbox
	Prefix string
}

// ParseCommand splits "/name arg" into its parts. A Telegram style
// "@botname" suffix on the name is dropped.
func ParseCommand(text string) (name, arg string) {
	text = strings.TrimSpace(text)
	name, arg, _ = strings.Cut(text, " ")
	name = strings.TrimPrefix(name, "/")
	name, _, _ = strings.Cut(name, "@")
	return strings.ToLower(name), strings.TrimSpace(arg)
}

// Reply runs a command. ok is false when name is not a control command.
func (c Commands) Reply(ctx context.Context, chat ChatRef, name, arg string) (reply string, ok bool) {
	switch name {
	case "", "start", "help":
		return c.help(), true
	case "new":
		if c.Inbox.Reset(chat) {
			return "Detached from the current ticket. Your next message opens a new one.", true
		}
		return "No ticket is bound to this chat.", true
	case "status":
		if id, bound := c.Inbox.Binding(chat); bound {
			return "This chat is bound to ticket " + id + ".", true
		}
		return "No ticket is bound to this chat.", true
	case "attach":
		if arg == "" {
			return fmt.Sprintf("Usage: %sattach <ticket id>", c.Prefix), true
		}
		if err := c.Inbox.Attach(ctx, chat, arg); err != nil {
			return "Cannot attach: " + err.Error(), true
		}
		return "Attached to ticket " + arg + ". Messages now go to it.", true
	}
	return "", false
}

func (c Commands) help() string {
	p := c.Prefix
	return strings.Join([]string{
		"Send a message to open a ticket. Replies go to the same ticket until it finishes.",
		"",
		p + "new - start over with a new ticket",
		p + "status - show the ticket this chat is bound to",
		p + "attach <id> - continue an existing ticket here",
		p + "help - show this message",
	}, "\n")
}
