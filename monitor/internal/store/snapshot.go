package store

import (
	"context"
	"database/sql"
	"fmt"
)

// LatestSnapshot returns the most recent snapshot for a task, or nil if the
// task has never produced one.
func (s *Store) LatestSnapshot(ctx context.Context, taskID string) (*Snapshot, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, task_id, fingerprint, path, taken_at
		FROM snapshots WHERE task_id = ?
		ORDER BY taken_at DESC, id DESC LIMIT 1`, taskID)

	var sn Snapshot
	err := row.Scan(&sn.ID, &sn.TaskID, &sn.Fingerprint, &sn.Path, &sn.TakenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	return &sn, nil
}

// Snapshots returns snapshot records for a task, newest first.
func (s *Store) Snapshots(ctx context.Context, taskID string, limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, task_id, fingerprint, path, taken_at
		FROM snapshots WHERE task_id = ?
		ORDER BY taken_at DESC, id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Snapshot
	for rows.Next() {
		var sn Snapshot
		if err := rows.Scan(&sn.ID, &sn.TaskID, &sn.Fingerprint, &sn.Path, &sn.TakenAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		result = append(result, &sn)
	}
	return result, rows.Err()
}
