// Package monitor watches URLs for content changes.
//
// A Service owns a sqlite store of tasks and their append-only event
// history, a periodic scheduler that fetches due tasks with bounded
// concurrency, and a change detector that compares normalized content
// fingerprints. Checks are applied atomically: a crash never leaves a
// task's state and its history disagreeing.
package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/dataspy/idgen"
	"github.com/hazyhaar/dataspy/monitor/internal/detect"
	"github.com/hazyhaar/dataspy/monitor/internal/fetch"
	"github.com/hazyhaar/dataspy/monitor/internal/scheduler"
	"github.com/hazyhaar/dataspy/monitor/internal/snapshot"
	"github.com/hazyhaar/dataspy/monitor/internal/store"
	"github.com/hazyhaar/dataspy/notify"
	"github.com/hazyhaar/dataspy/urlsafe"
)

// Service is the main monitor orchestrator.
type Service struct {
	store        *store.Store
	fetcher      Fetcher
	sched        *scheduler.Scheduler
	snaps        *snapshot.Dir
	notifier     notify.Notifier
	logger       *slog.Logger
	config       *Config
	newID        func() string
	clock        func() time.Time
	urlValidator func(string) error
}

// ServiceOption configures a Service during creation.
type ServiceOption func(*Service)

// WithNotifier replaces the default notifier (structured log, plus webhook
// when one is configured).
func WithNotifier(n notify.Notifier) ServiceOption {
	return func(svc *Service) { svc.notifier = n }
}

// WithFetcher replaces the built-in HTTP fetcher. Use in tests to serve
// canned responses without a listener.
func WithFetcher(f Fetcher) ServiceOption {
	return func(svc *Service) { svc.fetcher = f }
}

// WithClock overrides the scheduler's time source, for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(svc *Service) { svc.clock = now }
}

// WithURLValidator overrides the URL validation function (default:
// urlsafe.ValidateURL). Use in tests with httptest servers that listen on
// loopback addresses.
func WithURLValidator(fn func(string) error) ServiceOption {
	return func(svc *Service) { svc.urlValidator = fn }
}

// WithIDGenerator overrides task id generation.
func WithIDGenerator(gen idgen.Generator) ServiceOption {
	return func(svc *Service) { svc.newID = gen }
}

// New creates a monitor Service on an open database. The schema is applied
// if missing.
func New(db *sql.DB, cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = defaultConfig()
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	if err := store.ApplySchema(db); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	svc := &Service{
		store:        store.NewStore(db),
		snaps:        snapshot.NewDir(cfg.SnapshotDir),
		logger:       logger,
		config:       cfg,
		newID:        idgen.Prefixed("task_", idgen.Default),
		urlValidator: urlsafe.ValidateURL,
	}

	for _, opt := range opts {
		opt(svc)
	}

	if svc.fetcher == nil {
		// The fetcher and the service share one validator.
		fetchCfg := cfg.Fetch
		fetchCfg.URLValidator = svc.urlValidator
		svc.fetcher = fetch.New(fetchCfg)
	}

	if svc.notifier == nil {
		svc.notifier = notify.NewSlog(logger)
		if cfg.WebhookURL != "" {
			svc.notifier = notify.Multi{svc.notifier,
				notify.NewWebhook(cfg.WebhookURL, cfg.WebhookTimeout)}
		}
	}

	svc.sched = scheduler.New(svc.store, svc.fetcher, svc.snaps, svc.notifier,
		cfg.Scheduler, logger)
	if svc.clock != nil {
		svc.sched.SetClock(svc.clock)
	}

	return svc, nil
}

// Start launches the background check loop. Non-blocking; the loop stops
// when ctx is cancelled.
func (svc *Service) Start(ctx context.Context) {
	go svc.sched.Run(ctx)
	svc.logger.Info("monitor: started",
		"tick", svc.config.Scheduler.TickInterval,
		"concurrency", svc.config.Scheduler.Concurrency)
}

// --- Tasks ---

// validateTask checks user-supplied task fields before insert or update.
func (svc *Service) validateTask(t *Task) error {
	if err := urlsafe.ValidateTaskID(t.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidInput)
	}
	if len(t.Name) > 200 {
		return fmt.Errorf("%w: name too long", ErrInvalidInput)
	}
	if t.IntervalMs < 1000 {
		return fmt.Errorf("%w: interval below 1s", ErrInvalidInput)
	}
	if t.RulesJSON != "" {
		if _, err := detect.ParseRules(t.RulesJSON); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	if t.ConfigJSON != "" && !json.Valid([]byte(t.ConfigJSON)) {
		return fmt.Errorf("%w: config is not valid JSON", ErrInvalidInput)
	}
	return nil
}

// AddTask registers a new monitored task. Missing fields get defaults:
// generated id, name from the URL, a 1 hour interval. New tasks are always
// enabled; disable them with UpdateTask.
func (svc *Service) AddTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = svc.newID()
	}
	if t.IntervalMs == 0 {
		t.IntervalMs = 3600000
	}
	t.Enabled = true

	normalized, err := NormalizeTaskURL(t.URL)
	if err != nil {
		return err
	}
	t.URL = normalized
	if t.Name == "" {
		t.Name = t.URL
	}

	if err := svc.validateTask(t); err != nil {
		return err
	}
	if err := svc.urlValidator(t.URL); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	count, err := svc.store.CountTasks(ctx)
	if err != nil {
		return fmt.Errorf("count tasks: %w", err)
	}
	if count >= MaxTasks {
		return fmt.Errorf("%w: maximum %d tasks", ErrQuotaExceeded, MaxTasks)
	}

	if err := svc.store.AddTask(ctx, t); err != nil {
		return err
	}
	svc.logger.Info("task added", "task_id", t.ID, "url", t.URL, "interval_ms", t.IntervalMs)
	return nil
}

// GetTask returns one task by id.
func (svc *Service) GetTask(ctx context.Context, id string) (*Task, error) {
	return svc.store.GetTask(ctx, id)
}

// ListTasks returns all tasks in insertion order.
func (svc *Service) ListTasks(ctx context.Context) ([]*Task, error) {
	return svc.store.ListTasks(ctx)
}

// UpdateTask modifies a task's user-mutable fields (name, url, interval,
// enabled, rules, config). Check state is never touched.
func (svc *Service) UpdateTask(ctx context.Context, t *Task) error {
	normalized, err := NormalizeTaskURL(t.URL)
	if err != nil {
		return err
	}
	t.URL = normalized

	if err := svc.validateTask(t); err != nil {
		return err
	}
	if err := svc.urlValidator(t.URL); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := svc.store.UpdateTask(ctx, t); err != nil {
		return err
	}
	svc.logger.Info("task updated", "task_id", t.ID)
	return nil
}

// RemoveTask deletes a task, its event history, and its snapshot.
func (svc *Service) RemoveTask(ctx context.Context, id string) error {
	if err := svc.store.RemoveTask(ctx, id); err != nil {
		return err
	}
	if err := svc.snaps.Remove(id); err != nil {
		svc.logger.Warn("snapshot cleanup failed", "task_id", id, "error", err)
	}
	svc.logger.Info("task removed", "task_id", id)
	return nil
}

// CheckNow runs a single check for the task immediately, bypassing the
// schedule. Returns ErrCheckInProgress if the task is already being
// checked.
func (svc *Service) CheckNow(ctx context.Context, id string) (*CheckResult, error) {
	return svc.sched.CheckNow(ctx, id)
}

// Events returns a task's history in chronological order, oldest first.
// limit <= 0 means a default of 100.
func (svc *Service) Events(ctx context.Context, taskID string, limit int) ([]*Event, error) {
	if _, err := svc.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return svc.store.Events(ctx, taskID, limit)
}

// Snapshots returns a task's recorded snapshot metadata, newest first.
// limit <= 0 means a default of 50.
func (svc *Service) Snapshots(ctx context.Context, taskID string, limit int) ([]*Snapshot, error) {
	if _, err := svc.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return svc.store.Snapshots(ctx, taskID, limit)
}

// Stats returns aggregate store counters.
func (svc *Service) Stats(ctx context.Context) (*Stats, error) {
	return svc.store.Stats(ctx)
}

// Close shuts down the service. The caller owns the database handle.
func (svc *Service) Close() error {
	svc.logger.Info("monitor: closed")
	return nil
}
