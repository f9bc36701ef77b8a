package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/h1v3-io/agentdesk/internal/service"
	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

// Context keys set on tickets opened from a chat.
const (
	ContextChannel  = "channel"
	ContextChatID   = "chat_id"
	ContextSender   = "sender_id"
	ContextMessage  = "message"
	ContextMetadata = "metadata"
)

// Lifecycle is the part of the ticket service the router drives.
type Lifecycle interface {
	GetAgent(ctx context.Context, ref string) (*protocol.Agent, error)
	CreateTicket(ctx context.Context, agentRef string, params, taskContext map[string]any) (*protocol.Ticket, error)
	GetTicket(ctx context.Context, id string) (*service.TicketDetail, error)
	AddTicketMessage(ctx context.Context, ticketID, content string) (*protocol.Message, *protocol.Ticket, error)
}

// ChatRef addresses one chat on one connector.
type ChatRef struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
}

func (c ChatRef) key() string { return c.Channel + ":" + c.ChatID }

// Router binds external chats to tickets. Inbound chat messages go to the
// bound ticket's open session, or open a new ticket when the chat has none.
// Lifecycle events of bound tickets are posted back to their chat.
type Router struct {
	svc          Lifecycle
	defaultAgent string
	logger       *slog.Logger

	mu      sync.Mutex
	senders map[string]Connector
	chats   map[string]string  // chat key -> ticket id
	tickets map[string]ChatRef // ticket id -> chat
	notify  map[string]ChatRef // agent id or name -> chat
}

// NewRouter creates a router. defaultAgent (id or name) works tickets
// opened from chats that name no agent.
func NewRouter(svc Lifecycle, defaultAgent string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		svc:          svc,
		defaultAgent: defaultAgent,
		logger:       logger,
		senders:      make(map[string]Connector),
		chats:        make(map[string]string),
		tickets:      make(map[string]ChatRef),
		notify:       make(map[string]ChatRef),
	}
}

// Register makes c the sender for its channel name.
func (r *Router) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[c.Name()] = c
}

// Notify posts events of agent's tickets that did not come from a chat to
// the given chat.
func (r *Router) Notify(agent string, chat ChatRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notify[agent] = chat
}

// Bind attaches a chat to a ticket, replacing any previous binding.
func (r *Router) Bind(chat ChatRef, ticketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.chats[chat.key()]; ok {
		delete(r.tickets, old)
	}
	r.chats[chat.key()] = ticketID
	r.tickets[ticketID] = chat
}

// Binding returns the ticket bound to a chat.
func (r *Router) Binding(chat ChatRef) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.chats[chat.key()]
	return id, ok
}

// Reset forgets a chat's ticket so its next message opens a new one.
func (r *Router) Reset(chat ChatRef) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.chats[chat.key()]
	if ok {
		delete(r.chats, chat.key())
		delete(r.tickets, id)
	}
	return ok
}

// Attach binds chat to an existing open ticket.
func (r *Router) Attach(ctx context.Context, chat ChatRef, ticketID string) error {
	t, err := r.svc.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: ticket %s is %s", service.ErrInvalidState, ticketID, t.Status)
	}
	r.Bind(chat, ticketID)
	return nil
}

// HandleInbound routes msg and returns the ticket id it landed on.
func (r *Router) HandleInbound(ctx context.Context, msg InboundMessage) (string, error) {
	if msg.Content == "" {
		return "", fmt.Errorf("%w: empty message", service.ErrInvalidInput)
	}
	chat := ChatRef{Channel: msg.Channel, ChatID: msg.ChatID}

	if msg.TicketID != "" {
		if _, _, err := r.svc.AddTicketMessage(ctx, msg.TicketID, msg.text()); err != nil {
			return "", err
		}
		if msg.ChatID != "" {
			r.Bind(chat, msg.TicketID)
		}
		return msg.TicketID, nil
	}

	if id, ok := r.Binding(chat); ok {
		routed, err := r.appendToBound(ctx, chat, id, msg.text())
		if routed || err != nil {
			return id, err
		}
	}
	return r.open(ctx, chat, msg)
}

// appendToBound reports routed=false when the bound ticket is gone or
// finished and a new ticket should be opened instead.
func (r *Router) appendToBound(ctx context.Context, chat ChatRef, ticketID, content string) (bool, error) {
	t, err := r.svc.GetTicket(ctx, ticketID)
	if errors.Is(err, service.ErrNotFound) {
		r.Reset(chat)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if t.Status.Terminal() {
		r.Reset(chat)
		return false, nil
	}

	_, _, err = r.svc.AddTicketMessage(ctx, ticketID, content)
	if errors.Is(err, service.ErrInvalidState) {
		r.reply(ctx, chat, fmt.Sprintf("Ticket %s is still starting, please send your message again in a moment.", ticketID))
	}
	return true, err
}

func (r *Router) open(ctx context.Context, chat ChatRef, msg InboundMessage) (string, error) {
	agent := msg.Agent
	if agent == "" {
		agent = r.defaultAgent
	}
	if agent == "" {
		return "", fmt.Errorf("%w: no agent configured for %s", service.ErrInvalidInput, msg.Channel)
	}

	taskContext := map[string]any{
		ContextChannel: msg.Channel,
		ContextChatID:  msg.ChatID,
		ContextMessage: msg.Content,
	}
	if msg.SenderID != "" {
		taskContext[ContextSender] = msg.SenderID
	}
	if len(msg.Metadata) > 0 {
		taskContext[ContextMetadata] = msg.Metadata
	}
	t, err := r.svc.CreateTicket(ctx, agent, msg.Params, taskContext)
	if err != nil {
		return "", err
	}
	if msg.ChatID != "" {
		r.Bind(chat, t.ID)
	}
	r.logger.Info("chat ticket opened", "channel", msg.Channel, "chat_id", msg.ChatID, "ticket", t.ID)
	return t.ID, nil
}

// Run posts lifecycle events from events to their chats until ctx is done
// or events is closed.
func (r *Router) Run(ctx context.Context, events <-chan protocol.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent posts a suspension prompt or a terminal outcome to the
// ticket's chat. Other events are ignored.
func (r *Router) HandleEvent(ctx context.Context, ev protocol.Event) {
	var text string
	switch {
	case ev.Type == protocol.EventHumanRequested:
		prompt, _ := ev.Data["prompt"].(string)
		text = fmt.Sprintf("Ticket %s needs your input:\n\n%s\n\nReply here to continue.", ev.TicketID, prompt)
	case ev.Type == protocol.EventTicketStatus && ev.Status == string(protocol.TicketCompleted):
		text = fmt.Sprintf("Ticket %s completed.", ev.TicketID)
		if summary := r.summary(ctx, ev.TicketID); summary != "" {
			text += "\n\n" + summary
		}
	case ev.Type == protocol.EventTicketStatus && ev.Status == string(protocol.TicketFailed):
		errText, _ := ev.Data["error"].(string)
		text = fmt.Sprintf("Ticket %s failed: %s", ev.TicketID, errText)
	default:
		return
	}

	chat, ok := r.chatFor(ctx, ev)
	if !ok {
		return
	}
	r.reply(ctx, chat, text)
}

func (r *Router) summary(ctx context.Context, ticketID string) string {
	t, err := r.svc.GetTicket(ctx, ticketID)
	if err != nil {
		return ""
	}
	s, _ := t.Context["summary"].(string)
	return s
}

// chatFor resolves a ticket's chat from the live binding, then from the
// ticket's context, then from the agent's notify target.
func (r *Router) chatFor(ctx context.Context, ev protocol.Event) (ChatRef, bool) {
	r.mu.Lock()
	chat, ok := r.tickets[ev.TicketID]
	r.mu.Unlock()
	if ok {
		return chat, true
	}

	if t, err := r.svc.GetTicket(ctx, ev.TicketID); err == nil {
		channel, _ := t.Context[ContextChannel].(string)
		chatID, _ := t.Context[ContextChatID].(string)
		if channel != "" && chatID != "" {
			chat = ChatRef{Channel: channel, ChatID: chatID}
			if !t.Status.Terminal() {
				r.Bind(chat, ev.TicketID)
			}
			return chat, true
		}
	}

	r.mu.Lock()
	chat, ok = r.notify[ev.AgentID]
	targets := len(r.notify)
	r.mu.Unlock()
	if ok || targets == 0 || ev.AgentID == "" {
		return chat, ok
	}
	a, err := r.svc.GetAgent(ctx, ev.AgentID)
	if err != nil {
		return ChatRef{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	chat, ok = r.notify[a.Name]
	return chat, ok
}

func (r *Router) reply(ctx context.Context, chat ChatRef, text string) {
	r.mu.Lock()
	c, ok := r.senders[senderName(chat.Channel)]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("no connector for chat", "channel", chat.Channel)
		return
	}
	if err := c.Send(ctx, OutboundMessage{ChatID: chat.ChatID, Content: text}); err != nil {
		r.logger.Error("chat send failed", "channel", chat.Channel, "chat_id", chat.ChatID, "error", err)
	}
}

// senderName strips an endpoint suffix: "webhook:github" is sent by
// "webhook".
func senderName(channel string) string {
	name, _, _ := strings.Cut(channel, ":")
	return name
}
