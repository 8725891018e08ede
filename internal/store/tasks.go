package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/agentmesh/internal/task"
)

const taskColumns = `id, type, title, description, status, priority, COALESCE(assigned_to,''),
	created_by, dependencies, input_data, output_data, COALESCE(error_message,''),
	deadline, created_at, updated_at, started_at, completed_at`

// CreateTask inserts a new task row.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	input, output, err := marshalPayloads(t)
	if err != nil {
		return err
	}
	deps := t.Dependencies
	if deps == nil {
		deps = []string{}
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO tasks (id, type, title, description, status, priority, assigned_to, created_by,
			dependencies, input_data, output_data, error_message, deadline, created_at, updated_at,
			started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7,''), $8, $9, $10, $11, NULLIF($12,''), $13, $14, $15, $16, $17)`,
		t.ID, string(t.Type), t.Title, t.Description, string(t.Status), string(t.Priority), t.AssignedTo,
		t.CreatedBy, deps, input, output, t.ErrorMessage, t.Deadline, t.CreatedAt, t.UpdatedAt,
		t.StartedAt, t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask retrieves a single task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, notFound(err, task.ErrTaskNotFound))
	}
	return t, nil
}

// UpdateTask writes the mutable fields of an existing task.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	input, output, err := marshalPayloads(t)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET status=$2, assigned_to=NULLIF($3,''), input_data=$4, output_data=$5,
			error_message=NULLIF($6,''), updated_at=$7, started_at=$8, completed_at=$9
		WHERE id=$1`,
		t.ID, string(t.Status), t.AssignedTo, input, output, t.ErrorMessage,
		t.UpdatedAt, t.StartedAt, t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update task %s: %w", t.ID, task.ErrTaskNotFound)
	}
	return nil
}

// ListTasks returns tasks in creation order. Empty status lists all.
func (s *Store) ListTasks(ctx context.Context, status task.Status) ([]*task.Task, error) {
	if status == "" {
		return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, seq`)
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY created_at, seq`, string(status))
}

// ListTasksByAgent returns tasks currently assigned to agentID.
func (s *Store) ListTasksByAgent(ctx context.Context, agentID string) ([]*task.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE assigned_to = $1 ORDER BY created_at, seq`, agentID)
}

func (s *Store) queryTasks(ctx context.Context, sql string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var t task.Task
	var input, output []byte
	err := row.Scan(&t.ID, &t.Type, &t.Title, &t.Description, &t.Status, &t.Priority, &t.AssignedTo,
		&t.CreatedBy, &t.Dependencies, &input, &output, &t.ErrorMessage,
		&t.Deadline, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &t.InputData); err != nil {
			return nil, fmt.Errorf("decode input_data: %w", err)
		}
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &t.OutputData); err != nil {
			return nil, fmt.Errorf("decode output_data: %w", err)
		}
	}
	if len(t.Dependencies) == 0 {
		t.Dependencies = nil
	}
	return &t, nil
}

func marshalPayloads(t *task.Task) (input, output []byte, err error) {
	if t.InputData != nil {
		if input, err = json.Marshal(t.InputData); err != nil {
			return nil, nil, fmt.Errorf("marshal input_data: %w", err)
		}
	}
	if t.OutputData != nil {
		if output, err = json.Marshal(t.OutputData); err != nil {
			return nil, nil, fmt.Errorf("marshal output_data: %w", err)
		}
	}
	return input, output, nil
}

// AppendHistory inserts an immutable history row.
func (s *Store) AppendHistory(ctx context.Context, e *task.HistoryEntry) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO task_history (id, task_id, agent_id, action, from_status, to_status, notes, created_at)
		VALUES ($1, $2, NULLIF($3,''), $4, NULLIF($5,''), NULLIF($6,''), NULLIF($7,''), $8)`,
		e.ID, e.TaskID, e.AgentID, string(e.Action), string(e.FromStatus), string(e.ToStatus), e.Notes, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task history: %w", err)
	}
	return nil
}

// ListHistory returns the history of a task, oldest first.
func (s *Store) ListHistory(ctx context.Context, taskID string) ([]*task.HistoryEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, task_id, COALESCE(agent_id,''), action, COALESCE(from_status,''),
		       COALESCE(to_status,''), COALESCE(notes,''), created_at
		FROM task_history WHERE task_id = $1 ORDER BY created_at, seq`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task history: %w", err)
	}
	defer rows.Close()

	var entries []*task.HistoryEntry
	for rows.Next() {
		var e task.HistoryEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.AgentID, &e.Action, &e.FromStatus,
			&e.ToStatus, &e.Notes, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task history: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
