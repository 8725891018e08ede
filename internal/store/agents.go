package store

import (
	"context"
	"fmt"

	"github.com/nidhogg/agentmesh/internal/task"
)

// UpsertAgent inserts or updates an agent row.
func (s *Store) UpsertAgent(ctx context.Context, a *task.Agent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO agents (id, name, role, status, current_task_id, last_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5,''), $6, $7, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			role = EXCLUDED.role,
			status = EXCLUDED.status,
			current_task_id = EXCLUDED.current_task_id,
			last_active = EXCLUDED.last_active,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.Name, a.Role, string(a.Status), a.CurrentTaskID, a.LastActive, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

// GetAgent retrieves a single agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*task.Agent, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, role, status, COALESCE(current_task_id,''), last_active, updated_at
		FROM agents WHERE id = $1`, id)

	var a task.Agent
	err := row.Scan(&a.ID, &a.Name, &a.Role, &a.Status, &a.CurrentTaskID, &a.LastActive, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, notFound(err, task.ErrAgentNotFound))
	}
	return &a, nil
}

// ListAgents returns all agents ordered by ID.
func (s *Store) ListAgents(ctx context.Context) ([]*task.Agent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, role, status, COALESCE(current_task_id,''), last_active, updated_at
		FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*task.Agent
	for rows.Next() {
		var a task.Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Role, &a.Status, &a.CurrentTaskID, &a.LastActive, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}
