package ticket

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/h1v3-io/agentdesk/internal/lifecycle"
	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

// Fixed width so that lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ticket store: open: %w", err)
	}

	// One connection: SQLite serializes writers anyway, and pragmas below are
	// per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("ticket store: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS agents (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL UNIQUE,
			description     TEXT NOT NULL DEFAULT '',
			prompt          TEXT NOT NULL DEFAULT '',
			skill           TEXT NOT NULL DEFAULT '',
			tools           TEXT NOT NULL DEFAULT '[]',
			default_params  TEXT NOT NULL DEFAULT '{}',
			params_schema   TEXT NOT NULL DEFAULT '{}',
			max_iterations  INTEGER NOT NULL DEFAULT 0,
			schedule        TEXT NOT NULL DEFAULT '',
			schedule_params TEXT NOT NULL DEFAULT '{}',
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tools (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			schema      TEXT NOT NULL DEFAULT '{}',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tickets (
			id            TEXT PRIMARY KEY,
			agent_id      TEXT NOT NULL REFERENCES agents(id),
			status        TEXT NOT NULL DEFAULT 'pending',
			params        TEXT NOT NULL DEFAULT '{}',
			context       TEXT NOT NULL DEFAULT '{}',
			error_message TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			ticket_id  TEXT NOT NULL REFERENCES tickets(id) ON DELETE CASCADE,
			status     TEXT NOT NULL DEFAULT 'active',
			context    TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS steps (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			ticket_id  TEXT NOT NULL REFERENCES tickets(id) ON DELETE CASCADE,
			idx        INTEGER NOT NULL,
			title      TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'pending',
			result     TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (ticket_id, idx)
		);

		CREATE TABLE IF NOT EXISTS messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			timestamp  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
		CREATE INDEX IF NOT EXISTS idx_tickets_agent ON tickets(agent_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_ticket ON sessions(ticket_id);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
	`)
	if err != nil {
		return fmt.Errorf("ticket store: migrate: %w", err)
	}
	return nil
}

// DB returns the underlying database handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Tickets ---

const ticketColumns = "id, agent_id, status, params, context, error_message, created_at, updated_at"

func (s *SQLiteStore) CreateTicket(ctx context.Context, t *protocol.Ticket) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = protocol.TicketPending
	}
	now := nowUTC()
	t.CreatedAt, t.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.AgentID, string(t.Status), encodeObject(t.Params), encodeObject(t.Context),
		t.ErrorMessage, formatTime(now), formatTime(now))
	if err != nil {
		if isConstraint(err, "FOREIGN KEY") {
			return fmt.Errorf("ticket store: create: agent %q: %w", t.AgentID, ErrNotFound)
		}
		return fmt.Errorf("ticket store: create: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTicket(ctx context.Context, id string) (*protocol.Ticket, error) {
	return getTicket(ctx, s.db, id)
}

func (s *SQLiteStore) ListTickets(ctx context.Context, filter Filter) ([]*protocol.Ticket, error) {
	query := "SELECT " + ticketColumns + " FROM tickets WHERE 1=1"
	var args []any

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ticket store: list: %w", err)
	}
	defer rows.Close()

	var tickets []*protocol.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("ticket store: list scan: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (s *SQLiteStore) DeleteTicket(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tickets WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("ticket store: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ticket %q: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ClaimPending(ctx context.Context) ([]Claim, error) {
	var claims []Claim
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, "SELECT "+ticketColumns+" FROM tickets WHERE status = ?", string(protocol.TicketPending))
		if err != nil {
			return err
		}
		var pending []*protocol.Ticket
		for rows.Next() {
			t, err := scanTicket(rows)
			if err != nil {
				rows.Close()
				return err
			}
			pending = append(pending, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, t := range pending {
			if !lifecycle.CanClaim(t.Status).Allowed {
				continue
			}
			now := nowUTC()
			res, err := tx.ExecContext(ctx, "UPDATE tickets SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
				string(protocol.TicketRunning), formatTime(now), t.ID, string(protocol.TicketPending))
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			t.Status = protocol.TicketRunning
			t.UpdatedAt = now

			sess, err := sessionByStatus(ctx, tx, t.ID, protocol.SessionActive)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			created := false
			if sess == nil {
				sess = &protocol.Session{
					ID:        uuid.NewString(),
					TicketID:  t.ID,
					Status:    protocol.SessionActive,
					Context:   t.Context,
					CreatedAt: now,
					UpdatedAt: now,
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO sessions (id, ticket_id, status, context, created_at, updated_at)
					VALUES (?, ?, ?, ?, ?, ?)
				`, sess.ID, sess.TicketID, string(sess.Status), encodeObject(sess.Context), formatTime(now), formatTime(now)); err != nil {
					return err
				}
				created = true
			}
			claims = append(claims, Claim{Ticket: t, Session: sess, NewSession: created})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ticket store: claim: %w", err)
	}
	return claims, nil
}

func (s *SQLiteStore) Finalize(ctx context.Context, ticketID, sessionID string, to protocol.TicketStatus, errMsg string, patch map[string]any) error {
	sessStatus, ok := lifecycle.SessionStatusFor(to)
	if !ok || !(to == protocol.TicketSuspended || to.Terminal()) {
		return fmt.Errorf("ticket store: finalize: %w: target status %q", ErrInvalidState, to)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTicket(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		if r := lifecycle.CanFinalize(ticketID, t.Status); !r.Allowed {
			return fmt.Errorf("%w: %s", ErrInvalidState, r.Reason)
		}
		if r := lifecycle.CanTransition(t.Status, to); !r.Allowed {
			return fmt.Errorf("%w: %s", ErrInvalidState, r.Reason)
		}

		merged := t.Context
		if merged == nil {
			merged = map[string]any{}
		}
		for k, v := range patch {
			merged[k] = v
		}
		if to != protocol.TicketFailed {
			errMsg = ""
		}
		now := formatTime(nowUTC())
		if err := closeActiveSession(ctx, tx, ticketID, sessionID, sessStatus, now); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "UPDATE tickets SET status = ?, error_message = ?, context = ?, updated_at = ? WHERE id = ?",
			string(to), errMsg, encodeObject(merged), now, ticketID)
		return err
	})
	if err != nil {
		return fmt.Errorf("ticket store: finalize: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ForceFail(ctx context.Context, ticketID, sessionID, errMsg string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(nowUTC())
		if err := closeActiveSession(ctx, tx, ticketID, sessionID, protocol.SessionFailed, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "UPDATE tickets SET status = ?, error_message = ?, updated_at = ? WHERE id = ?",
			string(protocol.TicketFailed), errMsg, now, ticketID)
		return err
	})
	if err != nil {
		return fmt.Errorf("ticket store: force fail: %w", err)
	}
	return nil
}

// closeActiveSession moves sessionID out of active. A session that is no
// longer the ticket's active one means the caller's run is stale.
func closeActiveSession(ctx context.Context, tx *sql.Tx, ticketID, sessionID string, to protocol.SessionStatus, now string) error {
	res, err := tx.ExecContext(ctx, "UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND ticket_id = ? AND status = ?",
		string(to), now, sessionID, ticketID, string(protocol.SessionActive))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: session %s is not the active session of ticket %s", ErrInvalidState, sessionID, ticketID)
	}
	return nil
}

func (s *SQLiteStore) Resume(ctx context.Context, ticketID string) (*protocol.Ticket, error) {
	var out *protocol.Ticket
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTicket(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		if r := lifecycle.CanResume(ticketID, t.Status); !r.Allowed {
			return fmt.Errorf("%w: %s", ErrInvalidState, r.Reason)
		}
		now := nowUTC()
		if _, err := tx.ExecContext(ctx, "UPDATE tickets SET status = ?, updated_at = ? WHERE id = ?",
			string(protocol.TicketPending), formatTime(now), ticketID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "UPDATE sessions SET status = ?, updated_at = ? WHERE ticket_id = ? AND status = ?",
			string(protocol.SessionActive), formatTime(now), ticketID, string(protocol.SessionSuspended)); err != nil {
			return err
		}
		t.Status = protocol.TicketPending
		t.UpdatedAt = now
		out = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ticket store: resume: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Reset(ctx context.Context, ticketID string) (*protocol.Ticket, error) {
	var out *protocol.Ticket
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTicket(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		if r := lifecycle.CanReset(ticketID, t.Status); !r.Allowed {
			return fmt.Errorf("%w: %s", ErrInvalidState, r.Reason)
		}
		now := nowUTC()
		if _, err := tx.ExecContext(ctx, "UPDATE sessions SET status = ?, updated_at = ? WHERE ticket_id = ? AND status IN (?, ?)",
			string(protocol.SessionCompleted), formatTime(now), ticketID,
			string(protocol.SessionActive), string(protocol.SessionSuspended)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "UPDATE tickets SET status = ?, error_message = '', updated_at = ? WHERE id = ?",
			string(protocol.TicketPending), formatTime(now), ticketID); err != nil {
			return err
		}
		t.Status = protocol.TicketPending
		t.ErrorMessage = ""
		t.UpdatedAt = now
		out = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ticket store: reset: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Requeue(ctx context.Context, ticketID string, from protocol.TicketStatus) (bool, error) {
	if r := lifecycle.CanTransition(from, protocol.TicketPending); !r.Allowed {
		return false, fmt.Errorf("ticket store: requeue: %w: %s", ErrInvalidState, r.Reason)
	}
	res, err := s.db.ExecContext(ctx, "UPDATE tickets SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(protocol.TicketPending), formatTime(nowUTC()), ticketID, string(from))
	if err != nil {
		return false, fmt.Errorf("ticket store: requeue: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- Helpers ---

type scannable interface {
	Scan(dest ...any) error
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func getTicket(ctx context.Context, q querier, id string) (*protocol.Ticket, error) {
	row := q.QueryRowContext(ctx, "SELECT "+ticketColumns+" FROM tickets WHERE id = ?", id)
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ticket %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("ticket store: get: %w", err)
	}
	return t, nil
}

func scanTicket(s scannable) (*protocol.Ticket, error) {
	var t protocol.Ticket
	var status, params, tctx, createdAt, updatedAt string
	if err := s.Scan(&t.ID, &t.AgentID, &status, &params, &tctx, &t.ErrorMessage, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Status = protocol.TicketStatus(status)
	t.Params = decodeObject(params)
	t.Context = decodeObject(tctx)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func encodeObject(m map[string]any) string {
	if m == nil {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func decodeObject(s string) map[string]any {
	m := map[string]any{}
	if s == "" {
		return m
	}
	json.Unmarshal([]byte(s), &m)
	return m
}

func isConstraint(err error, kind string) bool {
	return err != nil && strings.Contains(err.Error(), kind+" constraint failed")
}
