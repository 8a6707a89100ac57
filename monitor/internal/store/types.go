package store

// Event kinds. An event is appended when content changes, when a failure
// episode opens, and when it closes. Unchanged checks append nothing.
const (
	KindChanged    = "changed"
	KindFetchError = "fetch_error"
	KindRecovered  = "recovered"
)

// Task is a configured monitoring target. Owned exclusively by the Store;
// the scheduler works on read snapshots.
type Task struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	URL             string `json:"url"`
	IntervalMs      int64  `json:"interval_ms"`
	Enabled         bool   `json:"enabled"`
	ConfigJSON      string `json:"config_json"` // fetch options, opaque to the store
	RulesJSON       string `json:"rules_json"`  // normalization rules, opaque to the store
	LastCheckedAt   *int64 `json:"last_checked_at,omitempty"`
	LastFingerprint string `json:"last_fingerprint"`
	LastETag        string `json:"last_etag"`
	LastModified    string `json:"last_modified"`
	IncidentOpen    bool   `json:"incident_open"`
	FailCount       int    `json:"fail_count"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
}

// Event is one immutable history record for a task. History per task is
// monotonically increasing in created_at and is never rewritten.
type Event struct {
	ID                string `json:"id"`
	TaskID            string `json:"task_id"`
	Kind              string `json:"kind"`
	FingerprintBefore string `json:"fingerprint_before"`
	FingerprintAfter  string `json:"fingerprint_after"`
	DiffSummary       string `json:"diff_summary"`
	ErrorDetail       string `json:"error_detail"`
	CreatedAt         int64  `json:"created_at"`
}

// Snapshot records where the normalized content of a changed check was
// written. The latest snapshot per task feeds the next diff summary.
type Snapshot struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	Fingerprint string `json:"fingerprint"`
	Path        string `json:"path"`
	TakenAt     int64  `json:"taken_at"`
}

// Stats holds aggregate counters.
type Stats struct {
	Tasks     int `json:"tasks"`
	Events    int `json:"events"`
	Snapshots int `json:"snapshots"`
}
