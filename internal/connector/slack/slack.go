// Package slackconn connects a Slack app to the chat router over Socket Mode.
package slackconn

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/h1v3-io/agentdesk/internal/connector"
)

const (
	channel = "slack"
	// Slack truncates longer text blocks.
	maxMessageRunes = 3500
)

// Config holds Slack connector configuration.
type Config struct {
	BotToken string   // xoxb-... Bot User OAuth Token
	AppToken string   // xapp-... App-Level Token (for Socket Mode)
	Channels []string // Optional: only respond in these channels (empty = all)
	// ThreadPerMessage answers a top-level message in a new thread, giving
	// every message its own ticket.
	ThreadPerMessage bool
}

// Connector implements connector.Connector for Slack. Threads are separate
// chats: a thread's chat id is "<channel>:<thread_ts>".
type Connector struct {
	api      *slack.Client
	socket   *socketmode.Client
	config   Config
	inbox    connector.Inbox
	commands connector.Commands
	logger   *slog.Logger
	cancel   context.CancelFunc
	botID    string
}

// New checks the bot token with auth.test and returns the connector.
func New(cfg Config, inbox connector.Inbox, logger *slog.Logger) (*Connector, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("slack: bot_token is required")
	}
	if cfg.AppToken == "" {
		return nil, fmt.Errorf("slack: app_token is required (Socket Mode)")
	}
	if logger == nil {
		logger = slog.Default()
	}

	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	auth, err := api.AuthTest()
	if err != nil {
		return nil, fmt.Errorf("slack: auth test: %w", err)
	}
	logger.Info("slack bot authorized", "user", auth.User, "team", auth.Team)

	return &Connector{
		api:      api,
		socket:   socketmode.New(api),
		config:   cfg,
		inbox:    inbox,
		commands: connector.Commands{Inbox: inbox},
		logger:   logger,
		botID:    auth.UserID,
	}, nil
}

func (c *Connector) Name() string { return channel }

// Start runs the Socket Mode session until ctx is cancelled.
func (c *Connector) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.dispatch(ctx)

	c.logger.Info("slack connector started (socket mode)")
	if err := c.socket.RunContext(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("slack: socket mode: %w", err)
	}
	return nil
}

func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Send posts to a channel, or into a thread when the chat id carries a
// thread timestamp. Long text is split over several posts.
func (c *Connector) Send(ctx context.Context, msg connector.OutboundMessage) error {
	channelID, threadTS := SplitChatID(msg.ChatID)
	for i, part := range connector.SplitMessage(MarkdownToMrkdwn(msg.Content), maxMessageRunes) {
		opts := []slack.MsgOption{slack.MsgOptionText(part, false)}
		if threadTS != "" {
			opts = append(opts, slack.MsgOptionTS(threadTS))
		}
		if _, _, err := c.api.PostMessageContext(ctx, channelID, opts...); err != nil {
			return fmt.Errorf("slack: post part %d: %w", i+1, err)
		}
	}
	return nil
}

func (c *Connector) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-c.socket.Events:
			if !ok {
				return
			}
			switch event.Type {
			case socketmode.EventTypeEventsAPI:
				api, ok := event.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				c.socket.Ack(*event.Request)
				if msg, ok := c.inboundFrom(api.InnerEvent.Data); ok {
					c.deliver(ctx, msg)
				}
			case socketmode.EventTypeSlashCommand:
				if cmd, ok := event.Data.(slack.SlashCommand); ok {
					c.slash(ctx, event, cmd)
				}
			}
		}
	}
}

// inboundFrom turns a message or app mention into a router message. Bot
// posts, edits and joins are dropped, as are channels outside the allow list.
func (c *Connector) inboundFrom(data any) (connector.InboundMessage, bool) {
	var channelID, user, text, threadTS, ts string
	switch ev := data.(type) {
	case *slackevents.MessageEvent:
		if ev.BotID != "" || ev.SubType != "" {
			return connector.InboundMessage{}, false
		}
		channelID, user, text, threadTS, ts = ev.Channel, ev.User, ev.Text, ev.ThreadTimeStamp, ev.TimeStamp
	case *slackevents.AppMentionEvent:
		channelID, user, text, threadTS, ts = ev.Channel, ev.User, StripMention(ev.Text, c.botID), ev.ThreadTimeStamp, ev.TimeStamp
	default:
		return connector.InboundMessage{}, false
	}

	if user == "" || user == c.botID || strings.TrimSpace(text) == "" || !c.isAllowedChannel(channelID) {
		return connector.InboundMessage{}, false
	}
	if threadTS == "" && c.config.ThreadPerMessage {
		threadTS = ts
	}
	return connector.InboundMessage{
		Channel:  channel,
		SenderID: user,
		ChatID:   JoinChatID(channelID, threadTS),
		Content:  text,
	}, true
}

func (c *Connector) deliver(ctx context.Context, msg connector.InboundMessage) {
	ticketID, err := c.inbox.HandleInbound(ctx, msg)
	if err != nil {
		c.logger.Error("slack inbound handler error", "chat_id", msg.ChatID, "user", msg.SenderID, "error", err)
		return
	}
	c.logger.Debug("slack message routed", "chat_id", msg.ChatID, "ticket", ticketID)
}

// slash serves "/<cmd> <control command>" and "/<cmd> <message>". Control
// commands are answered ephemerally in the ack; anything else is routed as
// a message to the channel's ticket.
func (c *Connector) slash(ctx context.Context, event socketmode.Event, cmd slack.SlashCommand) {
	chat := connector.ChatRef{Channel: channel, ChatID: cmd.ChannelID}
	name, arg := connector.ParseCommand(cmd.Text)
	if reply, ok := c.commands.Reply(ctx, chat, name, arg); ok {
		c.socket.Ack(*event.Request, map[string]any{"text": reply})
		return
	}
	c.socket.Ack(*event.Request)
	if !c.isAllowedChannel(cmd.ChannelID) {
		return
	}
	c.deliver(ctx, connector.InboundMessage{
		Channel:  channel,
		SenderID: cmd.UserID,
		ChatID:   cmd.ChannelID,
		Content:  strings.TrimSpace(cmd.Text),
	})
}

func (c *Connector) isAllowedChannel(channelID string) bool {
	return len(c.config.Channels) == 0 || slices.Contains(c.config.Channels, channelID)
}

// JoinChatID builds the chat id of a channel or thread.
func JoinChatID(channelID, threadTS string) string {
	if threadTS == "" {
		return channelID
	}
	return channelID + ":" + threadTS
}

// SplitChatID is the inverse of JoinChatID.
func SplitChatID(chatID string) (channelID, threadTS string) {
	channelID, threadTS, _ = strings.Cut(chatID, ":")
	return channelID, threadTS
}

// StripMention removes the first <@BOTID> mention from text.
func StripMention(text, botID string) string {
	return strings.TrimSpace(strings.Replace(text, "<@"+botID+">", "", 1))
}

var (
	mdHeading = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	mdBullet  = regexp.MustCompile(`(?m)^(\s*)[-*]\s+`)
	mdStrong  = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdEm      = regexp.MustCompile(`\*(.+?)\*`)
	mdStrike  = regexp.MustCompile(`~~(.+?)~~`)
	mdLink    = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// MarkdownToMrkdwn converts Markdown to Slack mrkdwn. Text between
// backticks is left alone.
func MarkdownToMrkdwn(md string) string {
	parts := strings.Split(md, "`")
	for i := 0; i < len(parts); i += 2 {
		parts[i] = mrkdwnSpan(parts[i])
	}
	return strings.Join(parts, "`")
}

func mrkdwnSpan(s string) string {
	s = mdBullet.ReplaceAllString(s, "${1}• ")
	// Strong text is parked on NUL bytes while emphasis is rewritten.
	s = mdHeading.ReplaceAllString(s, "\x00$1\x00")
	s = mdStrong.ReplaceAllString(s, "\x00$1\x00")
	s = mdEm.ReplaceAllString(s, "_${1}_")
	s = strings.ReplaceAll(s, "\x00", "*")
	s = mdStrike.ReplaceAllString(s, "~$1~")
	return mdLink.ReplaceAllString(s, "<$2|$1>")
}
