package store

import (
	"context"
	"fmt"
	"time"
)

// CheckApplication is the outcome of one check, applied in one transaction.
type CheckApplication struct {
	TaskID       string
	CheckedAt    int64
	Fingerprint  string // fingerprint after a successful fetch; "" keeps the stored one
	ETag         string // "" keeps the stored value
	LastModified string // "" keeps the stored value
	Failed       bool   // fetch error: fail_count increments, fingerprint is never touched
	Events       []*Event
	Snapshot     *Snapshot
}

// ApplyCheck applies a check outcome atomically: task check state, any
// event appends, and an optional snapshot record. If the task was
// removed while the check ran, nothing is written and applied is false —
// a dropped update, not an error.
func (s *Store) ApplyCheck(ctx context.Context, app *CheckApplication) (applied bool, err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	var res interface{ RowsAffected() (int64, error) }
	if app.Failed {
		res, err = tx.ExecContext(ctx,
			`UPDATE tasks SET last_checked_at=?, fail_count=fail_count+1,
			incident_open=1, updated_at=?
			WHERE id=?`,
			app.CheckedAt, now, app.TaskID)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE tasks SET last_checked_at=?,
			last_fingerprint = CASE WHEN ?='' THEN last_fingerprint ELSE ? END,
			last_etag        = CASE WHEN ?='' THEN last_etag        ELSE ? END,
			last_modified    = CASE WHEN ?='' THEN last_modified    ELSE ? END,
			incident_open=0, fail_count=0, updated_at=?
			WHERE id=?`,
			app.CheckedAt,
			app.Fingerprint, app.Fingerprint,
			app.ETag, app.ETag,
			app.LastModified, app.LastModified,
			now, app.TaskID)
	}
	if err != nil {
		return false, fmt.Errorf("apply check state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Task removed mid-check.
		return false, nil
	}

	for _, e := range app.Events {
		if e.ID == "" {
			e.ID = s.newEventID()
		}
		if e.CreatedAt == 0 {
			e.CreatedAt = app.CheckedAt
		}
		e.TaskID = app.TaskID
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events (id, task_id, kind, fingerprint_before, fingerprint_after,
			diff_summary, error_detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.TaskID, e.Kind, e.FingerprintBefore, e.FingerprintAfter,
			e.DiffSummary, e.ErrorDetail, e.CreatedAt)
		if err != nil {
			return false, fmt.Errorf("append event: %w", err)
		}
	}

	if app.Snapshot != nil {
		sn := app.Snapshot
		if sn.ID == "" {
			sn.ID = s.newSnapID()
		}
		if sn.TakenAt == 0 {
			sn.TakenAt = app.CheckedAt
		}
		sn.TaskID = app.TaskID
		_, err = tx.ExecContext(ctx,
			`INSERT INTO snapshots (id, task_id, fingerprint, path, taken_at)
			VALUES (?, ?, ?, ?, ?)`,
			sn.ID, sn.TaskID, sn.Fingerprint, sn.Path, sn.TakenAt)
		if err != nil {
			return false, fmt.Errorf("record snapshot: %w", err)
		}
	}

	return true, tx.Commit()
}

// Events returns a task's history in chronological order, oldest first.
// limit <= 0 means a default of 100.
func (s *Store) Events(ctx context.Context, taskID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, task_id, kind, fingerprint_before, fingerprint_after,
		diff_summary, error_detail, created_at
		FROM events WHERE task_id = ?
		ORDER BY created_at ASC, id ASC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Kind, &e.FingerprintBefore,
			&e.FingerprintAfter, &e.DiffSummary, &e.ErrorDetail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// CountEvents returns the number of events recorded for a task.
func (s *Store) CountEvents(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE task_id = ?`, taskID).Scan(&n)
	return n, err
}
