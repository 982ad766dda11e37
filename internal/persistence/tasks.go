package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/elisa/internal/scheduler"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SaveTask saves or updates a task and its dependencies.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *scheduler.Task) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	criteria, err := json.Marshal(nonNil(task.AcceptanceCriteria))
	if err != nil {
		return fmt.Errorf("failed to encode acceptance criteria: %w", err)
	}

	status := task.Status
	if status == "" {
		status = scheduler.TaskPending
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, name, description, agent_name, acceptance_criteria, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			agent_name = excluded.agent_name,
			acceptance_criteria = excluded.acceptance_criteria,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP
	`, task.ID, task.Name, task.Description, task.AgentName, string(criteria), string(status))
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, task.ID)
	if err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}

	for i, depID := range task.Dependencies {
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_id, position)
			VALUES (?, ?, ?)
		`, task.ID, depID, i)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, agent_name, acceptance_criteria, status
		FROM tasks
		WHERE id = ?
	`, taskID)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %q: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	if task.Dependencies, err = s.dependencies(ctx, taskID); err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTaskStatus updates the status, summary, and error of a task.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, taskID string, status scheduler.TaskStatus, summary string, taskErr error) error {
	errorStr := ""
	if taskErr != nil {
		errorStr = taskErr.Error()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, summary = ?, error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, string(status), summary, errorStr, taskID)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task %q: %w", taskID, ErrNotFound)
	}

	return nil
}

// TaskSummary returns the stored summary of a task.
func (s *SQLiteStore) TaskSummary(ctx context.Context, taskID string) (string, error) {
	var summary string
	err := s.db.QueryRowContext(ctx, `SELECT summary FROM tasks WHERE id = ?`, taskID).Scan(&summary)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("task %q: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to query summary: %w", err)
	}
	return summary, nil
}

// ListTasks returns all tasks with their dependencies, in insertion order.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, agent_name, acceptance_criteria, status
		FROM tasks
		ORDER BY rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		if task.Dependencies, err = s.dependencies(ctx, task.ID); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*scheduler.Task, error) {
	task := &scheduler.Task{}
	var criteria, status string
	if err := row.Scan(&task.ID, &task.Name, &task.Description, &task.AgentName, &criteria, &status); err != nil {
		return nil, err
	}
	task.Status = scheduler.TaskStatus(status)
	if err := json.Unmarshal([]byte(criteria), &task.AcceptanceCriteria); err != nil {
		return nil, fmt.Errorf("failed to decode acceptance criteria: %w", err)
	}
	return task, nil
}

func (s *SQLiteStore) dependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id
		FROM task_dependencies
		WHERE task_id = ?
		ORDER BY position
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies for task %s: %w", taskID, err)
	}
	defer rows.Close()

	deps := []string{}
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, depID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return deps, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
