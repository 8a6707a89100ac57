// Package snapshot persists the normalized content of each observed change
// to a filesystem directory.
//
// Only the latest snapshot per task is kept on disk; it feeds the diff
// summary of the next change. Files are written atomically (write .tmp then
// rename) so a crash never leaves a partial snapshot behind.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir stores per-task normalized content snapshots.
type Dir struct {
	root string
}

// NewDir creates a snapshot store rooted at dir.
// The directory is created on first write if it does not exist.
func NewDir(dir string) *Dir {
	return &Dir{root: dir}
}

// Write stores the normalized content for a task, replacing any previous
// snapshot. Returns the path of the written file.
func (d *Dir) Write(taskID, normalized string) (string, error) {
	if err := os.MkdirAll(d.root, 0o755); err != nil {
		return "", fmt.Errorf("snapshot: mkdir %s: %w", d.root, err)
	}

	target := d.Path(taskID)
	tmp := target + ".tmp"

	if err := os.WriteFile(tmp, []byte(normalized), 0o644); err != nil {
		return "", fmt.Errorf("snapshot: write tmp: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("snapshot: rename: %w", err)
	}
	return target, nil
}

// Read returns the stored normalized content for a task, or "" if no
// snapshot exists.
func (d *Dir) Read(taskID string) (string, error) {
	data, err := os.ReadFile(d.Path(taskID))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("snapshot: read: %w", err)
	}
	return string(data), nil
}

// Remove deletes the snapshot for a task. Missing files are not an error.
func (d *Dir) Remove(taskID string) error {
	err := os.Remove(d.Path(taskID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("snapshot: remove: %w", err)
	}
	return nil
}

// Path returns the snapshot file location for a task. The file may not
// exist yet.
func (d *Dir) Path(taskID string) string {
	return filepath.Join(d.root, taskID+".txt")
}
