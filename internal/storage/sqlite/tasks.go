package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/patchburner/patchburner/internal/storage"
	"github.com/patchburner/patchburner/internal/types"
)

const taskColumns = `id, task_id, task_name, patch_id, branch_id, position, status, payload, created, modified`

func scanTask(row rowScanner) (*types.Task, error) {
	var t types.Task
	var payload sql.NullString

	err := row.Scan(
		&t.ID, &t.TaskID, &t.TaskName, &t.PatchID, &t.BranchID,
		&t.Position, &t.Status, &payload, &t.Created, &t.Modified,
	)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		t.Payload = []byte(payload.String)
	}
	return &t, nil
}

func payloadArg(p []byte) interface{} {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

// CreateTask inserts a ledger task and fills in its row id.
func (s *SQLiteStorage) CreateTask(ctx context.Context, t *types.Task) error {
	now := time.Now()
	if t.Created.IsZero() {
		t.Created = now
	}
	t.Modified = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, task_name, patch_id, branch_id, position, status, payload, created, modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.TaskID, t.TaskName, t.PatchID, t.BranchID, t.Position, string(t.Status),
		payloadArg(t.Payload), t.Created, t.Modified)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	t.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get task id: %w", err)
	}
	return nil
}

// UpdateTask rewrites a task's status and payload, stamping Modified.
func (s *SQLiteStorage) UpdateTask(ctx context.Context, t *types.Task) error {
	t.Modified = time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, payload = ?, modified = ? WHERE task_id = ?
	`, string(t.Status), payloadArg(t.Payload), t.Modified, t.TaskID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrTaskNotFound
	}
	return nil
}

// GetTask returns the task with the given external id, or ErrTaskNotFound.
func (s *SQLiteStorage) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID))
	if err == sql.ErrNoRows {
		return nil, storage.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// TasksForBranch returns a branch's tasks in position order.
func (s *SQLiteStorage) TasksForBranch(ctx context.Context, branchID int64) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE branch_id = ? ORDER BY position, id`, branchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FirstTaskNamed returns the earliest task with the given name on a branch,
// or ErrTaskNotFound.
func (s *SQLiteStorage) FirstTaskNamed(ctx context.Context, branchID int64, taskName string) (*types.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE branch_id = ? AND task_name = ?
		ORDER BY position, id LIMIT 1
	`, branchID, taskName))
	if err == sql.ErrNoRows {
		return nil, storage.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task by name: %w", err)
	}
	return t, nil
}

// ClearTasks deletes all tasks of a branch. Commands and artifacts go with
// them via the foreign keys; history snapshots are unaffected.
func (s *SQLiteStorage) ClearTasks(ctx context.Context, branchID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE branch_id = ?`, branchID); err != nil {
		return fmt.Errorf("failed to clear tasks: %w", err)
	}
	return nil
}

// CreateCommand inserts a task sub-command and fills in its row id.
func (s *SQLiteStorage) CreateCommand(ctx context.Context, c *types.TaskCommand) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO task_commands (task_id, name, type, status, duration, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.TaskID, c.Name, c.Type, string(c.Status), c.Duration, payloadArg(c.Payload))
	if err != nil {
		return fmt.Errorf("failed to create command: %w", err)
	}

	c.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get command id: %w", err)
	}
	return nil
}

// UpdateCommand rewrites a command's status, duration and payload.
func (s *SQLiteStorage) UpdateCommand(ctx context.Context, c *types.TaskCommand) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_commands SET status = ?, duration = ?, payload = ? WHERE id = ?
	`, string(c.Status), c.Duration, payloadArg(c.Payload), c.ID)
	if err != nil {
		return fmt.Errorf("failed to update command: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrTaskNotFound
	}
	return nil
}

// CommandsForTask returns a task's commands in lexical name order, the order
// the stage drivers run them in. cmdType filters by command type; "" means all.
func (s *SQLiteStorage) CommandsForTask(ctx context.Context, taskID int64, cmdType string) ([]*types.TaskCommand, error) {
	query := `SELECT id, task_id, name, type, status, duration, payload FROM task_commands WHERE task_id = ?`
	args := []interface{}{taskID}
	if cmdType != "" {
		query += ` AND type = ?`
		args = append(args, cmdType)
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	var out []*types.TaskCommand
	for rows.Next() {
		var c types.TaskCommand
		var payload sql.NullString
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Name, &c.Type, &c.Status, &c.Duration, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		if payload.Valid {
			c.Payload = []byte(payload.String)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// CreateArtifact inserts a task artifact and fills in its row id.
func (s *SQLiteStorage) CreateArtifact(ctx context.Context, a *types.TaskArtifact) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO task_artifacts (task_id, name, path, size, body, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.TaskID, a.Name, a.Path, a.Size, a.Body, payloadArg(a.Payload))
	if err != nil {
		return fmt.Errorf("failed to create artifact: %w", err)
	}

	a.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get artifact id: %w", err)
	}
	return nil
}

// ArtifactsForTask returns a task's artifacts in insertion order.
func (s *SQLiteStorage) ArtifactsForTask(ctx context.Context, taskID int64) ([]*types.TaskArtifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, name, path, size, body, payload
		FROM task_artifacts WHERE task_id = ? ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*types.TaskArtifact
	for rows.Next() {
		var a types.TaskArtifact
		var payload sql.NullString
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Name, &a.Path, &a.Size, &a.Body, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		if payload.Valid {
			a.Payload = []byte(payload.String)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
