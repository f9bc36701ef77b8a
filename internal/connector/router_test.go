package connector

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h1v3-io/agentdesk/internal/service"
	"github.com/h1v3-io/agentdesk/internal/ticket"
	"github.com/h1v3-io/agentdesk/internal/tool"
	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

type fakeConnector struct {
	name string
	mu   sync.Mutex
	sent []OutboundMessage
}

func (f *fakeConnector) Name() string                    { return f.name }
func (f *fakeConnector) Start(ctx context.Context) error { <-ctx.Done(); return nil }
func (f *fakeConnector) Stop() error                     { return nil }

func (f *fakeConnector) Send(_ context.Context, msg OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeConnector) messages() []OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]OutboundMessage(nil), f.sent...)
}

type routerFixture struct {
	router *Router
	store  *ticket.SQLiteStore
	svc    *service.Service
	chat   *fakeConnector
	agent  *protocol.Agent
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	store, err := ticket.NewSQLiteStore(filepath.Join(t.TempDir(), "router.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := service.New(store, tool.NewRegistry(), service.Options{})
	agent, err := svc.CreateAgent(context.Background(), &protocol.Agent{Name: "helpdesk", Prompt: "Help the user."})
	require.NoError(t, err)

	f := &routerFixture{
		store: store,
		svc:   svc,
		chat:  &fakeConnector{name: "telegram"},
		agent: agent,
	}
	f.router = NewRouter(svc, "helpdesk", nil)
	f.router.Register(f.chat)
	return f
}

func (f *routerFixture) claim(t *testing.T) ticket.Claim {
	t.Helper()
	claims, err := f.store.ClaimPending(context.Background())
	require.NoError(t, err)
	require.Len(t, claims, 1)
	return claims[0]
}

func TestRouter_OpensTicketForNewChat(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	id, err := f.router.HandleInbound(ctx, InboundMessage{Channel: "telegram", ChatID: "42", SenderID: "7", Content: "my printer is on fire"})
	require.NoError(t, err)

	d, err := f.svc.GetTicket(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, f.agent.ID, d.AgentID)
	assert.Equal(t, "my printer is on fire", d.Context[ContextMessage])
	assert.Equal(t, "telegram", d.Context[ContextChannel])
	assert.Equal(t, "42", d.Context[ContextChatID])
	assert.Equal(t, "7", d.Context[ContextSender])

	bound, ok := f.router.Binding(ChatRef{Channel: "telegram", ChatID: "42"})
	require.True(t, ok)
	assert.Equal(t, id, bound)
}

func TestRouter_MetadataLandsInContext(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	id, err := f.router.HandleInbound(ctx, InboundMessage{
		Channel:  "webhook:ci",
		Content:  "build failed",
		Metadata: map[string]any{"repo": "agentdesk"},
	})
	require.NoError(t, err)

	d, err := f.svc.GetTicket(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"repo": "agentdesk"}, d.Context[ContextMetadata])
	assert.Equal(t, "build failed", d.Context[ContextMessage])
}

func TestInboundMessageText(t *testing.T) {
	assert.Equal(t, "hi", InboundMessage{Content: "hi"}.text())
	assert.Equal(t, "hi\n\n[metadata: {\"k\":1}]", InboundMessage{Content: "hi", Metadata: map[string]any{"k": 1}}.text())
}

func TestRouter_FollowUpGoesToOpenSession(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	chat := ChatRef{Channel: "telegram", ChatID: "42"}

	id, err := f.router.HandleInbound(ctx, InboundMessage{Channel: chat.Channel, ChatID: chat.ChatID, Content: "hello"})
	require.NoError(t, err)

	// Not claimed yet: no session to append to.
	_, err = f.router.HandleInbound(ctx, InboundMessage{Channel: chat.Channel, ChatID: chat.ChatID, Content: "are you there?"})
	assert.ErrorIs(t, err, service.ErrInvalidState)
	sent := f.chat.messages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Content, "still starting")

	c := f.claim(t)
	require.NoError(t, f.store.Finalize(ctx, id, c.Session.ID, protocol.TicketSuspended, "", nil))

	got, err := f.router.HandleInbound(ctx, InboundMessage{Channel: chat.Channel, ChatID: chat.ChatID, Content: "yes, go ahead"})
	require.NoError(t, err)
	assert.Equal(t, id, got)

	d, err := f.svc.GetTicket(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, protocol.TicketPending, d.Status)

	sess, err := f.svc.GetSession(ctx, c.Session.ID)
	require.NoError(t, err)
	require.NotEmpty(t, sess.Messages)
	assert.Equal(t, "yes, go ahead", sess.Messages[len(sess.Messages)-1].Content)
}

func TestRouter_FinishedTicketOpensNewOne(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	chat := ChatRef{Channel: "telegram", ChatID: "42"}

	first, err := f.router.HandleInbound(ctx, InboundMessage{Channel: chat.Channel, ChatID: chat.ChatID, Content: "one"})
	require.NoError(t, err)
	c := f.claim(t)
	require.NoError(t, f.store.Finalize(ctx, first, c.Session.ID, protocol.TicketCompleted, "", map[string]any{"summary": "done"}))

	second, err := f.router.HandleInbound(ctx, InboundMessage{Channel: chat.Channel, ChatID: chat.ChatID, Content: "two"})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	bound, _ := f.router.Binding(chat)
	assert.Equal(t, second, bound)
}

func TestRouter_ExplicitTicketAndAgent(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	_, err := f.router.HandleInbound(ctx, InboundMessage{Channel: "webhook:ci", Content: "x", Agent: "ghost"})
	assert.ErrorIs(t, err, service.ErrNotFound)

	_, err = f.router.HandleInbound(ctx, InboundMessage{Channel: "webhook:ci", Content: "x", TicketID: "missing"})
	assert.ErrorIs(t, err, service.ErrNotFound)

	_, err = f.router.HandleInbound(ctx, InboundMessage{Channel: "webhook:ci"})
	assert.ErrorIs(t, err, service.ErrInvalidInput)

	none := NewRouter(f.svc, "", nil)
	_, err = none.HandleInbound(ctx, InboundMessage{Channel: "slack", ChatID: "C1", Content: "hi"})
	assert.ErrorIs(t, err, service.ErrInvalidInput)
}

func TestRouter_HandleEvent(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	id, err := f.router.HandleInbound(ctx, InboundMessage{Channel: "telegram", ChatID: "42", Content: "deploy"})
	require.NoError(t, err)

	f.router.HandleEvent(ctx, protocol.Event{Type: protocol.EventHumanRequested, TicketID: id,
		Data: map[string]any{"prompt": "Which region?"}})
	f.router.HandleEvent(ctx, protocol.Event{Type: protocol.EventStepAdded, TicketID: id})
	f.router.HandleEvent(ctx, protocol.Event{Type: protocol.EventTicketStatus, TicketID: id,
		Status: string(protocol.TicketFailed), Data: map[string]any{"error": "no quota"}})

	sent := f.chat.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, "42", sent[0].ChatID)
	assert.Contains(t, sent[0].Content, "Which region?")
	assert.Contains(t, sent[1].Content, "failed: no quota")
}

func TestRouter_EventChatFromTicketContext(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	tk, err := f.svc.CreateTicket(ctx, "helpdesk", nil, map[string]any{ContextChannel: "telegram", ContextChatID: "99"})
	require.NoError(t, err)

	f.router.HandleEvent(ctx, protocol.Event{Type: protocol.EventHumanRequested, TicketID: tk.ID,
		Data: map[string]any{"prompt": "Confirm?"}})

	sent := f.chat.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "99", sent[0].ChatID)

	bound, ok := f.router.Binding(ChatRef{Channel: "telegram", ChatID: "99"})
	require.True(t, ok)
	assert.Equal(t, tk.ID, bound)
}

func TestRouter_NotifyTarget(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.router.Notify("helpdesk", ChatRef{Channel: "telegram", ChatID: "ops"})

	tk, err := f.svc.CreateTicket(ctx, "helpdesk", nil, nil)
	require.NoError(t, err)
	c := f.claim(t)
	require.NoError(t, f.store.Finalize(ctx, tk.ID, c.Session.ID, protocol.TicketCompleted, "", map[string]any{"summary": "rotated keys"}))

	f.router.HandleEvent(ctx, protocol.Event{Type: protocol.EventTicketStatus, TicketID: tk.ID, AgentID: f.agent.ID,
		Status: string(protocol.TicketCompleted)})

	sent := f.chat.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "ops", sent[0].ChatID)
	assert.Contains(t, sent[0].Content, "rotated keys")
}

func TestRouter_RunStopsOnClose(t *testing.T) {
	f := newRouterFixture(t)
	ch := make(chan protocol.Event)
	done := make(chan error, 1)
	go func() { done <- f.router.Run(context.Background(), ch) }()
	close(ch)
	assert.NoError(t, <-done)
}

func TestSenderName(t *testing.T) {
	assert.Equal(t, "webhook", senderName("webhook:github"))
	assert.Equal(t, "slack", senderName("slack"))
}
