// Package telegram connects a Telegram bot to the chat router.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/h1v3-io/agentdesk/internal/connector"
)

const (
	channel = "telegram"
	// Telegram rejects longer messages.
	maxMessageRunes = 4096
)

// Config holds Telegram connector configuration.
type Config struct {
	Token     string  // Bot token from @BotFather
	AllowFrom []int64 // Allowed Telegram user IDs (empty = allow all)
}

// Connector implements connector.Connector for Telegram via long polling.
// In group chats the bot only reacts when mentioned or replied to.
type Connector struct {
	bot      *tgbotapi.BotAPI
	config   Config
	inbox    connector.Inbox
	commands connector.Commands
	logger   *slog.Logger
	cancel   context.CancelFunc
}

// New authorizes the bot token and returns the connector.
func New(cfg Config, inbox connector.Inbox, logger *slog.Logger) (*Connector, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("telegram bot authorized", "username", bot.Self.UserName)

	return &Connector{
		bot:      bot,
		config:   cfg,
		inbox:    inbox,
		commands: connector.Commands{Inbox: inbox, Prefix: "/"},
		logger:   logger,
	}, nil
}

func (c *Connector) Name() string { return channel }

// Start long-polls for updates until ctx is cancelled or Stop is called.
func (c *Connector) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := c.bot.GetUpdatesChan(u)
	defer c.bot.StopReceivingUpdates()

	c.logger.Info("telegram connector started", "bot", c.bot.Self.UserName)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("telegram connector stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil {
				c.handleMessage(ctx, update.Message)
			}
		}
	}
}

func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Send delivers plain text, split across several messages when it exceeds
// Telegram's length limit.
func (c *Connector) Send(_ context.Context, msg connector.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat_id %q: %w", msg.ChatID, err)
	}
	text := StripMarkdown(msg.Content)
	if strings.TrimSpace(text) == "" {
		c.logger.Warn("skipping empty message", "chat_id", msg.ChatID)
		return nil
	}

	for i, part := range connector.SplitMessage(text, maxMessageRunes) {
		out := tgbotapi.NewMessage(chatID, part)
		out.DisableWebPagePreview = true
		if _, err := c.bot.Send(out); err != nil {
			return fmt.Errorf("telegram: send part %d: %w", i+1, err)
		}
	}
	return nil
}

func (c *Connector) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	if !allowed(c.config.AllowFrom, msg.From.ID) {
		c.logger.Warn("unauthorized user", "user_id", msg.From.ID, "username", msg.From.UserName)
		return
	}

	chat := connector.ChatRef{Channel: channel, ChatID: strconv.FormatInt(msg.Chat.ID, 10)}
	if msg.IsCommand() {
		reply, ok := c.commands.Reply(ctx, chat, strings.ToLower(msg.Command()), strings.TrimSpace(msg.CommandArguments()))
		if !ok {
			reply = "Unknown command. Try /help."
		}
		c.reply(ctx, chat, reply)
		return
	}

	text, ok := addressed(msg, c.bot.Self)
	if !ok {
		return
	}

	c.bot.Send(tgbotapi.NewChatAction(msg.Chat.ID, tgbotapi.ChatTyping))

	ticketID, err := c.inbox.HandleInbound(ctx, connector.InboundMessage{
		Channel:  channel,
		SenderID: strconv.FormatInt(msg.From.ID, 10),
		ChatID:   chat.ChatID,
		Content:  text,
	})
	if err != nil {
		c.logger.Error("inbound handler error", "chat_id", chat.ChatID, "error", err)
		return
	}
	c.logger.Debug("telegram message routed", "chat_id", chat.ChatID, "ticket", ticketID)
}

// addressed returns the text meant for the bot. Private chats always
// address it; in groups the message must mention the bot or reply to one
// of its messages.
func addressed(msg *tgbotapi.Message, self tgbotapi.User) (string, bool) {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	if msg.Chat == nil || msg.Chat.IsPrivate() {
		return text, true
	}

	if r := msg.ReplyToMessage; r != nil && r.From != nil && r.From.ID == self.ID {
		return text, true
	}
	mention := "@" + self.UserName
	if self.UserName != "" && strings.Contains(text, mention) {
		return strings.TrimSpace(strings.ReplaceAll(text, mention, "")), true
	}
	return "", false
}

func (c *Connector) reply(ctx context.Context, chat connector.ChatRef, text string) {
	if err := c.Send(ctx, connector.OutboundMessage{ChatID: chat.ChatID, Content: text}); err != nil {
		c.logger.Error("command reply failed", "chat_id", chat.ChatID, "error", err)
	}
}

func allowed(ids []int64, id int64) bool {
	return len(ids) == 0 || slices.Contains(ids, id)
}

var (
	reFence   = regexp.MustCompile("(?s)```[^\\n]*\\n?(.*?)```")
	reCode    = regexp.MustCompile("`([^`]+)`")
	reHeading = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	reStrong  = regexp.MustCompile(`\*\*(.+?)\*\*|__(.+?)__`)
	reEm      = regexp.MustCompile(`\*(.+?)\*`)
	reLink    = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// StripMarkdown renders Markdown as plain text. Links become "text (url)"
// and headings lose their hashes.
func StripMarkdown(md string) string {
	s := reFence.ReplaceAllString(md, "$1")
	s = reCode.ReplaceAllString(s, "$1")
	s = reHeading.ReplaceAllString(s, "")
	s = reStrong.ReplaceAllString(s, "$1$2")
	s = reEm.ReplaceAllString(s, "$1")
	return reLink.ReplaceAllString(s, "$1 ($2)")
}
