package store

import "database/sql"

// Schema is the complete dataspy schema.
const Schema = `
-- Monitoring tasks
CREATE TABLE IF NOT EXISTS tasks (
    id               TEXT PRIMARY KEY,
    name             TEXT NOT NULL,
    url              TEXT NOT NULL,
    interval_ms      INTEGER NOT NULL DEFAULT 3600000,
    enabled          INTEGER NOT NULL DEFAULT 1,
    config_json      TEXT NOT NULL DEFAULT '{}',
    rules_json       TEXT NOT NULL DEFAULT '{}',
    last_checked_at  INTEGER,
    last_fingerprint TEXT NOT NULL DEFAULT '',
    last_etag        TEXT NOT NULL DEFAULT '',
    last_modified    TEXT NOT NULL DEFAULT '',
    incident_open    INTEGER NOT NULL DEFAULT 0,
    fail_count       INTEGER NOT NULL DEFAULT 0,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_enabled ON tasks(enabled, last_checked_at);

-- Append-only event history
CREATE TABLE IF NOT EXISTS events (
    id                 TEXT PRIMARY KEY,
    task_id            TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    kind               TEXT NOT NULL,
    fingerprint_before TEXT NOT NULL DEFAULT '',
    fingerprint_after  TEXT NOT NULL DEFAULT '',
    diff_summary       TEXT NOT NULL DEFAULT '',
    error_detail       TEXT NOT NULL DEFAULT '',
    created_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_task_time ON events(task_id, created_at);

-- Normalized content snapshots of changed checks
CREATE TABLE IF NOT EXISTS snapshots (
    id          TEXT PRIMARY KEY,
    task_id     TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    fingerprint TEXT NOT NULL,
    path        TEXT NOT NULL,
    taken_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_task_time ON snapshots(task_id, taken_at DESC);
`

// ApplySchema creates all tables and indexes on the given database.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
