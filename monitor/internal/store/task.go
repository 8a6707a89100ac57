package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const taskColumns = `id, name, url, interval_ms, enabled, config_json, rules_json,
	last_checked_at, last_fingerprint, last_etag, last_modified,
	incident_open, fail_count, created_at, updated_at`

// AddTask inserts a new task. Returns ErrDuplicateTask if the id exists.
func (s *Store) AddTask(ctx context.Context, t *Task) error {
	now := time.Now().UnixMilli()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	if t.UpdatedAt == 0 {
		t.UpdatedAt = now
	}
	if t.IntervalMs == 0 {
		t.IntervalMs = 3600000
	}
	if t.ConfigJSON == "" {
		t.ConfigJSON = "{}"
	}
	if t.RulesJSON == "" {
		t.RulesJSON = "{}"
	}

	// A single INSERT so two concurrent adds of the same id race on the
	// primary key, not on a separate existence check.
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO tasks (id, name, url, interval_ms, enabled, config_json, rules_json,
		last_checked_at, last_fingerprint, last_etag, last_modified,
		incident_open, fail_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.URL, t.IntervalMs, t.Enabled, t.ConfigJSON, t.RulesJSON,
		t.LastCheckedAt, t.LastFingerprint, t.LastETag, t.LastModified,
		t.IncidentOpen, t.FailCount, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a sqlite primary-key or unique
// constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetTask retrieves a task by id. Returns ErrTaskNotFound if absent.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, err
}

// ListTasks returns all tasks in insertion order.
func (s *Store) ListTasks(ctx context.Context) ([]*Task, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// RemoveTask deletes a task and, via cascade, its events and snapshot rows.
// Returns ErrTaskNotFound if the id does not exist.
func (s *Store) RemoveTask(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return nil
}

// UpdateTask updates a task's user-mutable fields. Check state
// (last_checked_at, last_fingerprint, incident columns) is untouched.
func (s *Store) UpdateTask(ctx context.Context, t *Task) error {
	t.UpdatedAt = time.Now().UnixMilli()
	res, err := s.DB.ExecContext(ctx,
		`UPDATE tasks SET name=?, url=?, interval_ms=?, enabled=?,
		config_json=?, rules_json=?, updated_at=?
		WHERE id=?`,
		t.Name, t.URL, t.IntervalMs, t.Enabled,
		t.ConfigJSON, t.RulesJSON, t.UpdatedAt, t.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, t.ID)
	}
	return nil
}

// DueTasks returns enabled tasks whose next check time has passed.
// Tasks never checked (NULL last_checked_at) are always due.
func (s *Store) DueTasks(ctx context.Context, now int64) ([]*Task, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		WHERE enabled = 1
		  AND (last_checked_at IS NULL OR last_checked_at + interval_ms <= ?)
		ORDER BY last_checked_at ASC NULLS FIRST`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// UpdateCheckState atomically replaces last_checked_at and last_fingerprint,
// leaving every other field untouched. If the task was removed mid-check the
// update matches zero rows and is silently dropped.
func (s *Store) UpdateCheckState(ctx context.Context, id string, checkedAt int64, fingerprint string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE tasks SET last_checked_at=?, last_fingerprint=? WHERE id=?`,
		checkedAt, fingerprint, id)
	return err
}

// CountTasks returns the number of tasks.
func (s *Store) CountTasks(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n)
	return n, err
}

// Stats returns aggregate counters.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&st.Tasks); err != nil {
		return nil, err
	}
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&st.Events); err != nil {
		return nil, err
	}
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&st.Snapshots); err != nil {
		return nil, err
	}
	return &st, nil
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(scan func(...any) error) (*Task, error) {
	var t Task
	var enabled, incident int
	err := scan(
		&t.ID, &t.Name, &t.URL, &t.IntervalMs, &enabled, &t.ConfigJSON, &t.RulesJSON,
		&t.LastCheckedAt, &t.LastFingerprint, &t.LastETag, &t.LastModified,
		&incident, &t.FailCount, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Enabled = enabled != 0
	t.IncidentOpen = incident != 0
	return &t, nil
}
