// Package events fans ticket lifecycle events out to in-process subscribers
// such as the websocket stream and chat connectors.
package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

const defaultBuffer = 64

var droppedEvents = promauto.NewCounter(prometheus.CounterOpts{
	Name: "agentdesk_events_dropped_total",
	Help: "Lifecycle events dropped because a subscriber fell behind.",
})

// Filter selects the events a subscriber receives. Nil matches everything.
type Filter func(ev protocol.Event) bool

// Handler is called synchronously from Publish.
type Handler func(ev protocol.Event)

type subscription struct {
	ch      chan protocol.Event
	handler Handler
	filter  Filter
}

// Broker is a non-blocking publish/subscribe hub. Slow channel subscribers
// lose events instead of stalling executors.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool
	logger *slog.Logger
}

// NewBroker creates an empty broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{subs: make(map[string]*subscription), logger: logger}
}

// Subscribe returns a subscription id and a buffered channel of matching
// events. The channel is closed by Unsubscribe or Close.
func (b *Broker) Subscribe(filter Filter, buffer int) (string, <-chan protocol.Event) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan protocol.Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subs[id] = &subscription{ch: ch, filter: filter}
	return id, ch
}

// SubscribeFunc registers a handler. Handlers must return quickly.
func (b *Broker) SubscribeFunc(filter Filter, h Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	if !b.closed {
		b.subs[id] = &subscription{handler: h, filter: filter}
	}
	return id
}

// Unsubscribe removes a subscription. It reports whether id was known.
func (b *Broker) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return false
	}
	delete(b.subs, id)
	if sub.ch != nil {
		close(sub.ch)
	}
	return true
}

// Publish delivers ev to every matching subscriber without blocking.
func (b *Broker) Publish(ev protocol.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, sub := range b.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		if sub.handler != nil {
			b.callHandler(id, sub.handler, ev)
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			droppedEvents.Inc()
			b.logger.Warn("event subscriber is full, dropping event", "subscription", id, "type", ev.Type)
		}
	}
}

func (b *Broker) callHandler(id string, h Handler, ev protocol.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("event handler panicked", "subscription", id, "panic", rec)
		}
	}()
	h(ev)
}

// Len returns the number of live subscriptions.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every channel subscription. Later publishes are no-ops.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		if sub.ch != nil {
			close(sub.ch)
		}
		delete(b.subs, id)
	}
}

// ForTicket matches events of one ticket.
func ForTicket(id string) Filter {
	return func(ev protocol.Event) bool { return ev.TicketID == id }
}

// OfType matches any of the given event types.
func OfType(types ...string) Filter {
	return func(ev protocol.Event) bool {
		for _, t := range types {
			if ev.Type == t {
				return true
			}
		}
		return false
	}
}
