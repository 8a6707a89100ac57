// Package scheduler runs the periodic check loop: it polls for due tasks,
// dispatches them to a bounded worker pool, and applies each check outcome
// through the store in a single transaction.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hazyhaar/dataspy/monitor/internal/detect"
	"github.com/hazyhaar/dataspy/monitor/internal/fetch"
	"github.com/hazyhaar/dataspy/monitor/internal/snapshot"
	"github.com/hazyhaar/dataspy/monitor/internal/store"
	"github.com/hazyhaar/dataspy/notify"
)

// ErrCheckInProgress reports that a check for the task is already running.
var ErrCheckInProgress = errors.New("check already in progress")

// Outcome classifies one completed check.
type Outcome string

const (
	OutcomeChanged    Outcome = "changed"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeFetchError Outcome = "fetch_error"
)

// Result is what one check produced.
type Result struct {
	// Outcome classifies the check.
	Outcome Outcome `json:"outcome"`
	// Fingerprint after the check; "" on fetch error.
	Fingerprint string `json:"fingerprint,omitempty"`
	// Events appended by this check, may be empty.
	Events []*store.Event `json:"events,omitempty"`
}

// Fetcher retrieves a URL with conditional GET support.
type Fetcher interface {
	Fetch(ctx context.Context, url, etag, lastMod string, headers map[string]string) (*fetch.Result, error)
}

// Config configures the scheduler.
type Config struct {
	// TickInterval is how often to poll for due tasks. Default: 1s.
	TickInterval time.Duration
	// Concurrency bounds simultaneous checks. Default: 4.
	Concurrency int
	// CheckTimeout bounds one check end to end. Default: 30s.
	CheckTimeout time.Duration
}

func (c *Config) defaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 30 * time.Second
	}
}

// Scheduler polls for due tasks and runs their checks.
type Scheduler struct {
	store    *store.Store
	fetcher  Fetcher
	detector *detect.Detector
	snaps    *snapshot.Dir
	notifier notify.Notifier
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates a Scheduler. notifier may be nil (no notifications).
func New(st *store.Store, fetcher Fetcher, snaps *snapshot.Dir, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    st,
		fetcher:  fetcher,
		detector: detect.New(),
		snaps:    snaps,
		notifier: notifier,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
	}
}

// SetClock overrides the time source, for tests.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// maxStoreFailures is how many consecutive due-task query failures the
// loop tolerates before giving up. Per-task errors never count; only a
// store that cannot even be polled does.
const maxStoreFailures = 5

// Run polls for due tasks on a ticker. Blocks until ctx is cancelled or
// the store fails maxStoreFailures cycles in a row.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	failures := 0
	cycle := func() bool {
		if err := s.runCycle(ctx); err != nil {
			failures++
			if failures >= maxStoreFailures {
				s.logger.Error("scheduler: store unavailable, stopping",
					"consecutive_failures", failures, "error", err)
				return false
			}
			s.logger.Error("scheduler: due tasks", "error", err)
			return true
		}
		failures = 0
		return true
	}

	// Run once immediately on start.
	if !cycle() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !cycle() {
				return
			}
		}
	}
}

// runCycle checks every due task through a bounded worker pool and waits
// for the cycle to finish. The returned error is a store-level polling
// failure; individual check failures are logged and absorbed.
func (s *Scheduler) runCycle(ctx context.Context) error {
	due, err := s.store.DueTasks(ctx, s.now().UnixMilli())
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	sem := make(chan struct{}, s.config.Concurrency)
	var wg sync.WaitGroup

	for _, task := range due {
		if !s.tryAcquire(task.ID) {
			// Still running from a previous cycle: skip, never queue.
			s.logger.Debug("scheduler: check in flight, skipping", "task_id", task.ID)
			continue
		}

		wg.Add(1)
		sem <- struct{}{}

		go func(t *store.Task) {
			defer wg.Done()
			defer func() { <-sem }()
			defer s.release(t.ID)

			if _, err := s.runCheck(ctx, t); err != nil {
				// Storage failure for one task; the cycle goes on.
				s.logger.Error("scheduler: check failed", "task_id", t.ID, "error", err)
			}
		}(task)
	}

	wg.Wait()
	return nil
}

// CheckNow runs a single check for the task immediately, bypassing the due
// filter. Returns ErrCheckInProgress if the task is already being checked.
func (s *Scheduler) CheckNow(ctx context.Context, taskID string) (*Result, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !s.tryAcquire(taskID) {
		return nil, ErrCheckInProgress
	}
	defer s.release(taskID)
	return s.runCheck(ctx, task)
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

// taskConfig is the per-task config_json payload.
type taskConfig struct {
	Headers map[string]string `json:"headers,omitempty"`
}

// runCheck fetches, detects, and applies the outcome for one task.
// Fetch failures are an outcome, not an error; only storage failures and
// malformed task rules surface as errors.
func (s *Scheduler) runCheck(ctx context.Context, task *store.Task) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.CheckTimeout)
	defer cancel()

	checkedAt := s.now().UnixMilli()

	rules, err := detect.ParseRules(task.RulesJSON)
	if err != nil {
		return nil, err
	}
	var conf taskConfig
	if task.ConfigJSON != "" && task.ConfigJSON != "{}" {
		if err := json.Unmarshal([]byte(task.ConfigJSON), &conf); err != nil {
			return nil, err
		}
	}

	res, err := s.fetcher.Fetch(ctx, task.URL, task.LastETag, task.LastModified, conf.Headers)
	if err != nil {
		return s.applyFailure(ctx, task, checkedAt, fetchErrorDetail(err))
	}

	if res.NotModified {
		return s.applySuccess(ctx, task, checkedAt, &checkOutcome{
			fingerprint: "", // keep stored
			etag:        res.ETag,
			lastMod:     res.LastMod,
		})
	}

	normalized, err := s.detector.Normalize(res.Body, res.ContentType, rules)
	if err != nil {
		return s.applyFailure(ctx, task, checkedAt, "normalize: "+err.Error())
	}

	return s.applySuccess(ctx, task, checkedAt, &checkOutcome{
		fingerprint: detect.Fingerprint(normalized),
		normalized:  normalized,
		etag:        res.ETag,
		lastMod:     res.LastMod,
	})
}

type checkOutcome struct {
	fingerprint string // "" means 304, keep stored value
	normalized  string
	etag        string
	lastMod     string
}

// applyFailure records a fetch error. Only the first failure of an episode
// appends an event; repeats are counted silently.
func (s *Scheduler) applyFailure(ctx context.Context, task *store.Task, checkedAt int64, detail string) (*Result, error) {
	app := &store.CheckApplication{
		TaskID:    task.ID,
		CheckedAt: checkedAt,
		Failed:    true,
	}
	if !task.IncidentOpen {
		app.Events = append(app.Events, &store.Event{
			Kind:              store.KindFetchError,
			FingerprintBefore: task.LastFingerprint,
			ErrorDetail:       detail,
		})
	}

	applied, err := s.store.ApplyCheck(ctx, app)
	if err != nil {
		return nil, err
	}
	if !applied {
		return &Result{Outcome: OutcomeFetchError}, nil
	}

	s.logger.Warn("check failed", "task_id", task.ID, "url", task.URL,
		"detail", detail, "incident_open", task.IncidentOpen)
	return &Result{Outcome: OutcomeFetchError, Events: app.Events}, nil
}

// applySuccess records a successful check: fingerprint comparison, event
// appends, snapshot, and notification.
func (s *Scheduler) applySuccess(ctx context.Context, task *store.Task, checkedAt int64, out *checkOutcome) (*Result, error) {
	app := &store.CheckApplication{
		TaskID:       task.ID,
		CheckedAt:    checkedAt,
		Fingerprint:  out.fingerprint,
		ETag:         out.etag,
		LastModified: out.lastMod,
	}

	if task.IncidentOpen {
		app.Events = append(app.Events, &store.Event{
			Kind:              store.KindRecovered,
			FingerprintBefore: task.LastFingerprint,
			FingerprintAfter:  task.LastFingerprint,
		})
	}

	outcome := OutcomeUnchanged
	fingerprint := task.LastFingerprint
	var changedEvent *store.Event

	// fingerprint=="" is a 304: content known unchanged, nothing to compare.
	if out.fingerprint != "" {
		fingerprint = out.fingerprint
		switch {
		case task.LastFingerprint == "":
			// First successful check: baseline only, no event.
			app.Snapshot = &store.Snapshot{Fingerprint: out.fingerprint, Path: s.snaps.Path(task.ID)}
		case out.fingerprint != task.LastFingerprint:
			outcome = OutcomeChanged
			prev, err := s.snaps.Read(task.ID)
			if err != nil {
				s.logger.Warn("snapshot read failed, diff unavailable", "task_id", task.ID, "error", err)
			}
			if prev != "" && detect.Fingerprint(prev) != task.LastFingerprint {
				// On-disk baseline does not match the recorded state
				// (crash between commit and snapshot write). No diff.
				prev = ""
			}
			changedEvent = &store.Event{
				Kind:              store.KindChanged,
				FingerprintBefore: task.LastFingerprint,
				FingerprintAfter:  out.fingerprint,
				DiffSummary:       detect.DiffSummary(prev, out.normalized),
			}
			app.Events = append(app.Events, changedEvent)
			app.Snapshot = &store.Snapshot{Fingerprint: out.fingerprint, Path: s.snaps.Path(task.ID)}
		}
	}

	applied, err := s.store.ApplyCheck(ctx, app)
	if err != nil {
		return nil, err
	}
	if !applied {
		// Task removed mid-check: nothing persisted, nothing notified.
		return &Result{Outcome: outcome}, nil
	}

	if app.Snapshot != nil {
		if _, err := s.snaps.Write(task.ID, out.normalized); err != nil {
			s.logger.Error("snapshot write failed", "task_id", task.ID, "error", err)
		}
	}

	if outcome == OutcomeChanged {
		s.logger.Info("change detected", "task_id", task.ID, "url", task.URL,
			"fingerprint", out.fingerprint)
		s.notifyChanged(ctx, task, changedEvent)
	}

	return &Result{Outcome: outcome, Fingerprint: fingerprint, Events: app.Events}, nil
}

// notifyChanged delivers a change notification. Failures are logged and
// swallowed: the event is already durable.
func (s *Scheduler) notifyChanged(ctx context.Context, task *store.Task, ev *store.Event) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Notify(ctx, &notify.Event{
		TaskID:      task.ID,
		TaskName:    task.Name,
		URL:         task.URL,
		Kind:        ev.Kind,
		DiffSummary: ev.DiffSummary,
		At:          time.UnixMilli(ev.CreatedAt).UTC(),
	})
	if err != nil {
		s.logger.Warn("notify failed", "task_id", task.ID, "error", err)
	}
}

// fetchErrorDetail flattens a fetch error into an event detail string,
// marking timeouts explicitly.
func fetchErrorDetail(err error) string {
	detail := err.Error()
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		detail = "timeout: " + detail
	}
	return detail
}
