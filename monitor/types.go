package monitor

import (
	"github.com/hazyhaar/dataspy/monitor/internal/fetch"
	"github.com/hazyhaar/dataspy/monitor/internal/scheduler"
	"github.com/hazyhaar/dataspy/monitor/internal/store"
)

// MaxTasks caps the number of monitored tasks per store.
const MaxTasks = 1000

// Task is a monitored URL with its check configuration and last-known state.
type Task = store.Task

// Event is one append-only history record: a detected change, a fetch
// failure, or a recovery.
type Event = store.Event

// Snapshot records one stored normalized-content capture.
type Snapshot = store.Snapshot

// Stats holds aggregate store counters.
type Stats = store.Stats

// Event kinds.
const (
	KindChanged    = store.KindChanged
	KindFetchError = store.KindFetchError
	KindRecovered  = store.KindRecovered
)

// Outcome classifies one completed check.
type Outcome = scheduler.Outcome

const (
	OutcomeChanged    = scheduler.OutcomeChanged
	OutcomeUnchanged  = scheduler.OutcomeUnchanged
	OutcomeFetchError = scheduler.OutcomeFetchError
)

// CheckResult is what a one-shot check produced.
type CheckResult = scheduler.Result

// Fetcher retrieves a URL with conditional GET support. The default is the
// built-in HTTP fetcher; WithFetcher swaps it out.
type Fetcher = scheduler.Fetcher

// FetchResult is one fetched response as seen by change detection.
type FetchResult = fetch.Result
