// Package logbuf keeps recent log records in memory so the API can serve
// them, filtered by level, time and ticket.
package logbuf

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// TicketKey is the attribute that ties a record to a ticket.
const TicketKey = "ticket"

// Entry is a single captured record.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Ticket returns the ticket id the entry was logged for, if any.
func (e Entry) Ticket() string {
	s, _ := e.Attrs[TicketKey].(string)
	return s
}

// Query selects entries. Zero fields match everything; a positive Limit
// keeps the newest matches.
type Query struct {
	Since    time.Time
	MinLevel slog.Level
	Limit    int
	Ticket   string
}

func (q Query) match(e *Entry) bool {
	if !q.Since.IsZero() && e.Time.Before(q.Since) {
		return false
	}
	if ParseLevel(e.Level) < q.MinLevel {
		return false
	}
	return q.Ticket == "" || e.Ticket() == q.Ticket
}

// Buffer is a fixed-size ring of entries, safe for concurrent use.
type Buffer struct {
	mu   sync.Mutex
	ring []Entry
	next int // slot the next write goes to
	n    int
}

// New creates a buffer holding the last size entries (at least one).
func New(size int) *Buffer {
	return &Buffer{ring: make([]Entry, max(size, 1))}
}

// Write stores e, evicting the oldest entry when the ring is full.
func (b *Buffer) Write(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring[b.next] = e
	b.next = (b.next + 1) % len(b.ring)
	b.n = min(b.n+1, len(b.ring))
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// Query returns matching entries, oldest first. The ring is walked from
// the newest entry back so a Limit stops the scan early.
func (b *Buffer) Query(q Query) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Entry
	size := len(b.ring)
	for i := 1; i <= b.n; i++ {
		e := &b.ring[(b.next-i+size)%size]
		if !q.match(e) {
			continue
		}
		out = append(out, *e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	slices.Reverse(out)
	return out
}

// ParseLevel converts a level name, in any case, to slog.Level. Unknown
// names are treated as info.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
