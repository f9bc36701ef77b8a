package ticket

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

const agentColumns = `id, name, description, prompt, skill, tools, default_params, params_schema,
	max_iterations, schedule, schedule_params, created_at, updated_at`

func (s *SQLiteStore) CreateAgent(ctx context.Context, a *protocol.Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := nowUTC()
	a.CreatedAt, a.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Name, a.Description, a.Prompt, a.Skill, encodeList(a.Tools), encodeObject(a.DefaultParams),
		encodeObject(a.ParamsSchema), a.MaxIterations, a.Schedule, encodeObject(a.ScheduleParams),
		formatTime(now), formatTime(now))
	if err != nil {
		if isConstraint(err, "UNIQUE") {
			return fmt.Errorf("ticket store: create agent %q: %w", a.Name, ErrConflict)
		}
		return fmt.Errorf("ticket store: create agent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*protocol.Agent, error) {
	return s.getAgentBy(ctx, "id", id)
}

func (s *SQLiteStore) GetAgentByName(ctx context.Context, name string) (*protocol.Agent, error) {
	return s.getAgentBy(ctx, "name", name)
}

func (s *SQLiteStore) getAgentBy(ctx context.Context, column, value string) (*protocol.Agent, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+agentColumns+" FROM agents WHERE "+column+" = ?", value)
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent %q: %w", value, ErrNotFound)
		}
		return nil, fmt.Errorf("ticket store: get agent: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*protocol.Agent, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+agentColumns+" FROM agents ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("ticket store: list agents: %w", err)
	}
	defer rows.Close()

	var agents []*protocol.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("ticket store: list agents scan: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *SQLiteStore) UpdateAgent(ctx context.Context, a *protocol.Agent) error {
	now := nowUTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET name = ?, description = ?, prompt = ?, skill = ?, tools = ?, default_params = ?,
			params_schema = ?, max_iterations = ?, schedule = ?, schedule_params = ?, updated_at = ?
		WHERE id = ?
	`, a.Name, a.Description, a.Prompt, a.Skill, encodeList(a.Tools), encodeObject(a.DefaultParams),
		encodeObject(a.ParamsSchema), a.MaxIterations, a.Schedule, encodeObject(a.ScheduleParams),
		formatTime(now), a.ID)
	if err != nil {
		if isConstraint(err, "UNIQUE") {
			return fmt.Errorf("ticket store: update agent %q: %w", a.Name, ErrConflict)
		}
		return fmt.Errorf("ticket store: update agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %q: %w", a.ID, ErrNotFound)
	}
	a.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tickets WHERE agent_id = ?", id).Scan(&n); err != nil {
			return fmt.Errorf("ticket store: delete agent: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("agent %q still has %d tickets: %w", id, n, ErrInvalidState)
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM agents WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("ticket store: delete agent: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("agent %q: %w", id, ErrNotFound)
		}
		return nil
	})
}

func scanAgent(s scannable) (*protocol.Agent, error) {
	var a protocol.Agent
	var tools, defaults, schema, schedParams, createdAt, updatedAt string
	if err := s.Scan(&a.ID, &a.Name, &a.Description, &a.Prompt, &a.Skill, &tools, &defaults, &schema,
		&a.MaxIterations, &a.Schedule, &schedParams, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(tools), &a.Tools)
	a.DefaultParams = decodeObject(defaults)
	a.ParamsSchema = decodeObject(schema)
	if len(a.ParamsSchema) == 0 {
		a.ParamsSchema = nil
	}
	a.ScheduleParams = decodeObject(schedParams)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

func encodeList(items []string) string {
	if items == nil {
		items = []string{}
	}
	data, _ := json.Marshal(items)
	return string(data)
}

// --- Tool catalog ---

func (s *SQLiteStore) UpsertTool(ctx context.Context, name, description string, schema map[string]any) (SyncOutcome, error) {
	var outcome SyncOutcome
	encoded := encodeObject(schema)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var curDesc, curSchema string
		err := tx.QueryRowContext(ctx, "SELECT description, schema FROM tools WHERE name = ?", name).Scan(&curDesc, &curSchema)
		now := formatTime(nowUTC())
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, `
				INSERT INTO tools (id, name, description, schema, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, uuid.NewString(), name, description, encoded, now, now)
			outcome = ToolCreated
			return err
		case err != nil:
			return err
		}
		// Stored schemas were written by encodeObject, so key order is stable.
		if curDesc == description && curSchema == encoded {
			outcome = ToolUnchanged
			return nil
		}
		_, err = tx.ExecContext(ctx, "UPDATE tools SET description = ?, schema = ?, updated_at = ? WHERE name = ?",
			description, encoded, now, name)
		outcome = ToolUpdated
		return err
	})
	if err != nil {
		return "", fmt.Errorf("ticket store: upsert tool %q: %w", name, err)
	}
	return outcome, nil
}

func (s *SQLiteStore) GetTool(ctx context.Context, name string) (*protocol.ToolInfo, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, name, description, schema, created_at, updated_at FROM tools WHERE name = ?", name)
	info, err := scanTool(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("tool %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("ticket store: get tool: %w", err)
	}
	return info, nil
}

func (s *SQLiteStore) ListTools(ctx context.Context) ([]*protocol.ToolInfo, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, description, schema, created_at, updated_at FROM tools ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("ticket store: list tools: %w", err)
	}
	defer rows.Close()

	var tools []*protocol.ToolInfo
	for rows.Next() {
		info, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("ticket store: list tools scan: %w", err)
		}
		tools = append(tools, info)
	}
	return tools, rows.Err()
}

func scanTool(s scannable) (*protocol.ToolInfo, error) {
	var info protocol.ToolInfo
	var schema, createdAt, updatedAt string
	if err := s.Scan(&info.ID, &info.Name, &info.Description, &schema, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	info.Schema = decodeObject(schema)
	info.CreatedAt = parseTime(createdAt)
	info.UpdatedAt = parseTime(updatedAt)
	return &info, nil
}
