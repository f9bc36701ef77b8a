package ticket

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/h1v3-io/agentdesk/internal/lifecycle"
	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

const sessionColumns = `id, ticket_id, status, context, created_at, updated_at,
	(SELECT COUNT(*) FROM messages m WHERE m.session_id = sessions.id)`

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*protocol.Session, error) {
	return getSession(ctx, s.db, id)
}

func (s *SQLiteStore) ListSessions(ctx context.Context, ticketID string) ([]*protocol.Session, error) {
	query := "SELECT " + sessionColumns + " FROM sessions"
	var args []any
	if ticketID != "" {
		query += " WHERE ticket_id = ?"
		args = append(args, ticketID)
	}
	query += " ORDER BY created_at DESC, rowid DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ticket store: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*protocol.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("ticket store: list sessions scan: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) CurrentSession(ctx context.Context, ticketID string) (*protocol.Session, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+` FROM sessions
		WHERE ticket_id = ? AND status IN (?, ?)
		ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		ticketID, string(protocol.SessionActive), string(protocol.SessionSuspended))
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("current session of ticket %q: %w", ticketID, ErrNotFound)
		}
		return nil, fmt.Errorf("ticket store: current session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID, role, content string) (*protocol.Message, error) {
	var msg *protocol.Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := getSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		t, err := getTicket(ctx, tx, sess.TicketID)
		if err != nil {
			return err
		}
		var newest string
		if err := tx.QueryRowContext(ctx, `SELECT id FROM sessions WHERE ticket_id = ?
			ORDER BY created_at DESC, rowid DESC LIMIT 1`, sess.TicketID).Scan(&newest); err != nil {
			return err
		}
		if r := lifecycle.CanAppendTranscript(lifecycle.TranscriptContext{
			SessionID:     sessionID,
			SessionStatus: sess.Status,
			TicketStatus:  t.Status,
			Newest:        newest == sessionID,
		}); !r.Allowed {
			return fmt.Errorf("%w: %s", ErrInvalidState, r.Reason)
		}
		msg, err = insertMessage(ctx, tx, sessionID, role, content)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ticket store: append message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) AppendUserMessage(ctx context.Context, sessionID, content string, requeueRunning bool) (*protocol.Message, *protocol.Ticket, error) {
	var msg *protocol.Message
	var ticket *protocol.Ticket
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := getSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if r := lifecycle.CanAddMessage(sessionID, sess.Status); !r.Allowed {
			return fmt.Errorf("%w: %s", ErrInvalidState, r.Reason)
		}
		ticket, err = getTicket(ctx, tx, sess.TicketID)
		if err != nil {
			return err
		}

		msg, err = insertMessage(ctx, tx, sessionID, protocol.RoleUser, content)
		if err != nil {
			return err
		}

		now := formatTime(nowUTC())
		if sess.Status == protocol.SessionSuspended {
			if _, err := tx.ExecContext(ctx, "UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?",
				string(protocol.SessionActive), now, sessionID); err != nil {
				return err
			}
		}

		requeue := ticket.Status == protocol.TicketSuspended ||
			(requeueRunning && ticket.Status == protocol.TicketRunning)
		if requeue {
			if _, err := tx.ExecContext(ctx, "UPDATE tickets SET status = ?, updated_at = ? WHERE id = ?",
				string(protocol.TicketPending), now, ticket.ID); err != nil {
				return err
			}
			ticket.Status = protocol.TicketPending
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("ticket store: append user message: %w", err)
	}
	return msg, ticket, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]protocol.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, session_id, role, content, timestamp FROM messages WHERE session_id = ? ORDER BY id", sessionID)
	if err != nil {
		return nil, fmt.Errorf("ticket store: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []protocol.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("ticket store: list messages scan: %w", err)
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) LastMessage(ctx context.Context, sessionID string) (*protocol.Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, session_id, role, content, timestamp FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT 1", sessionID)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ticket store: last message: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) AppendStep(ctx context.Context, ticketID, title string, status protocol.StepStatus, result map[string]any) (*protocol.Step, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("ticket store: append step: %w: unknown step status %q", ErrInvalidState, status)
	}
	var step *protocol.Step
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var idx int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM steps WHERE ticket_id = ?", ticketID).Scan(&idx); err != nil {
			return err
		}
		now := nowUTC()
		encoded := ""
		if result != nil {
			encoded = encodeObject(result)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO steps (ticket_id, idx, title, status, result, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, ticketID, idx, title, string(status), encoded, formatTime(now), formatTime(now))
		if err != nil {
			if isConstraint(err, "FOREIGN KEY") {
				return fmt.Errorf("ticket %q: %w", ticketID, ErrNotFound)
			}
			return err
		}
		id, _ := res.LastInsertId()
		if _, err := tx.ExecContext(ctx, "UPDATE tickets SET updated_at = ? WHERE id = ?", formatTime(now), ticketID); err != nil {
			return err
		}
		step = &protocol.Step{
			ID: id, TicketID: ticketID, Idx: idx, Title: title, Status: status,
			Result: result, CreatedAt: now, UpdatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ticket store: append step: %w", err)
	}
	return step, nil
}

func (s *SQLiteStore) ListSteps(ctx context.Context, ticketID string) ([]protocol.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ticket_id, idx, title, status, result, created_at, updated_at
		FROM steps WHERE ticket_id = ? ORDER BY idx`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("ticket store: list steps: %w", err)
	}
	defer rows.Close()

	var steps []protocol.Step
	for rows.Next() {
		var st protocol.Step
		var status, result, createdAt, updatedAt string
		if err := rows.Scan(&st.ID, &st.TicketID, &st.Idx, &st.Title, &status, &result, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("ticket store: list steps scan: %w", err)
		}
		st.Status = protocol.StepStatus(status)
		if result != "" {
			st.Result = decodeObject(result)
		}
		st.CreatedAt = parseTime(createdAt)
		st.UpdatedAt = parseTime(updatedAt)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// insertMessage appends a message and touches the session and ticket so the
// reconcile sweep sees recent activity.
func insertMessage(ctx context.Context, tx *sql.Tx, sessionID, role, content string) (*protocol.Message, error) {
	now := nowUTC()
	res, err := tx.ExecContext(ctx, "INSERT INTO messages (session_id, role, content, timestamp) VALUES (?, ?, ?, ?)",
		sessionID, role, content, formatTime(now))
	if err != nil {
		if isConstraint(err, "FOREIGN KEY") {
			return nil, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
		}
		return nil, err
	}
	id, _ := res.LastInsertId()

	ts := formatTime(now)
	if _, err := tx.ExecContext(ctx, "UPDATE sessions SET updated_at = ? WHERE id = ?", ts, sessionID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE tickets SET updated_at = ? WHERE id = (SELECT ticket_id FROM sessions WHERE id = ?)", ts, sessionID); err != nil {
		return nil, err
	}
	return &protocol.Message{ID: id, SessionID: sessionID, Role: role, Content: content, Timestamp: now}, nil
}

func getSession(ctx context.Context, q querier, id string) (*protocol.Session, error) {
	row := q.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("ticket store: get session: %w", err)
	}
	return sess, nil
}

func sessionByStatus(ctx context.Context, q querier, ticketID string, status protocol.SessionStatus) (*protocol.Session, error) {
	row := q.QueryRowContext(ctx, "SELECT "+sessionColumns+` FROM sessions
		WHERE ticket_id = ? AND status = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, ticketID, string(status))
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sess, nil
}

func scanSession(s scannable) (*protocol.Session, error) {
	var sess protocol.Session
	var status, sctx, createdAt, updatedAt string
	if err := s.Scan(&sess.ID, &sess.TicketID, &status, &sctx, &createdAt, &updatedAt, &sess.MessageCount); err != nil {
		return nil, err
	}
	sess.Status = protocol.SessionStatus(status)
	sess.Context = decodeObject(sctx)
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

func scanMessage(s scannable) (*protocol.Message, error) {
	var m protocol.Message
	var ts string
	if err := s.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &ts); err != nil {
		return nil, err
	}
	m.Timestamp = parseTime(ts)
	return &m, nil
}
