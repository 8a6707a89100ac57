package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/dataspy/dbopen"
	"github.com/hazyhaar/dataspy/monitor/internal/fetch"
	"github.com/hazyhaar/dataspy/monitor/internal/snapshot"
	"github.com/hazyhaar/dataspy/monitor/internal/store"
	"github.com/hazyhaar/dataspy/notify"
)

// stubFetcher serves canned responses per call.
type stubFetcher struct {
	mu sync.Mutex
	fn func(url string) (*fetch.Result, error)
}

func (f *stubFetcher) Fetch(_ context.Context, url, _, _ string, _ map[string]string) (*fetch.Result, error) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	return fn(url)
}

func (f *stubFetcher) serve(body string) {
	f.mu.Lock()
	f.fn = func(string) (*fetch.Result, error) {
		return &fetch.Result{Body: []byte(body), StatusCode: 200, ContentType: "text/plain"}, nil
	}
	f.mu.Unlock()
}

func (f *stubFetcher) fail(err error) {
	f.mu.Lock()
	f.fn = func(string) (*fetch.Result, error) { return nil, err }
	f.mu.Unlock()
}

type countingNotifier struct {
	mu     sync.Mutex
	events []*notify.Event
}

func (n *countingNotifier) Notify(_ context.Context, ev *notify.Event) error {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
	return nil
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newScheduler(t *testing.T, f Fetcher, n notify.Notifier, cfg Config) (*Scheduler, *store.Store) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	st := store.NewStore(db)
	s := New(st, f, snapshot.NewDir(t.TempDir()), n, cfg, quietLogger())
	return s, st
}

func mustAddTask(t *testing.T, st *store.Store, id string) {
	t.Helper()
	err := st.AddTask(context.Background(), &store.Task{
		ID: id, Name: id, URL: "https://example.com/" + id, IntervalMs: 1000, Enabled: true,
	})
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
}

func TestCheck_FirstCheckIsBaseline(t *testing.T) {
	// WHAT: The first successful check stores a fingerprint but emits no
	// event and reports Unchanged.
	// WHY: There is nothing to compare against yet; the task simply becomes
	// armed.
	f := &stubFetcher{}
	f.serve("initial content")
	s, st := newScheduler(t, f, nil, Config{})
	mustAddTask(t, st, "t1")
	ctx := context.Background()

	res, err := s.CheckNow(ctx, "t1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Outcome != OutcomeUnchanged {
		t.Errorf("outcome = %s, want unchanged", res.Outcome)
	}
	if len(res.Events) != 0 {
		t.Errorf("first check emitted %d events", len(res.Events))
	}
	task, _ := st.GetTask(ctx, "t1")
	if task.LastFingerprint == "" {
		t.Error("fingerprint not stored after first check")
	}
}

func TestCheck_ChangeThenStable(t *testing.T) {
	// WHAT: Content A→B→B yields exactly one Changed event, on the A→B
	// transition, and the diff summary shows the change.
	f := &stubFetcher{}
	f.serve("version A")
	s, st := newScheduler(t, f, nil, Config{})
	mustAddTask(t, st, "t1")
	ctx := context.Background()

	if _, err := s.CheckNow(ctx, "t1"); err != nil {
		t.Fatalf("baseline: %v", err)
	}

	f.serve("version B")
	res, err := s.CheckNow(ctx, "t1")
	if err != nil {
		t.Fatalf("check B: %v", err)
	}
	if res.Outcome != OutcomeChanged {
		t.Fatalf("outcome = %s, want changed", res.Outcome)
	}

	res, err = s.CheckNow(ctx, "t1")
	if err != nil {
		t.Fatalf("check B again: %v", err)
	}
	if res.Outcome != OutcomeUnchanged {
		t.Errorf("stable content reported %s", res.Outcome)
	}

	events, err := st.Events(ctx, "t1", 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Kind != store.KindChanged {
		t.Errorf("kind = %s", ev.Kind)
	}
	if ev.FingerprintBefore == "" || ev.FingerprintAfter == "" || ev.FingerprintBefore == ev.FingerprintAfter {
		t.Errorf("fingerprints: %q -> %q", ev.FingerprintBefore, ev.FingerprintAfter)
	}
	if !strings.Contains(ev.DiffSummary, "-version A") || !strings.Contains(ev.DiffSummary, "+version B") {
		t.Errorf("diff summary missing change:\n%s", ev.DiffSummary)
	}
}

func TestCheck_IncidentDeduplication(t *testing.T) {
	// WHAT: Three consecutive fetch failures produce exactly one FetchError
	// event; the following success produces exactly one Recovered event.
	// WHY: A persistently-down endpoint must not flood the history.
	f := &stubFetcher{}
	f.serve("content")
	s, st := newScheduler(t, f, nil, Config{})
	mustAddTask(t, st, "t1")
	ctx := context.Background()

	s.CheckNow(ctx, "t1") // baseline

	f.fail(errors.New("connection refused"))
	for i := 0; i < 3; i++ {
		res, err := s.CheckNow(ctx, "t1")
		if err != nil {
			t.Fatalf("failed check %d: %v", i, err)
		}
		if res.Outcome != OutcomeFetchError {
			t.Fatalf("outcome = %s, want fetch_error", res.Outcome)
		}
	}

	task, _ := st.GetTask(ctx, "t1")
	if task.FailCount != 3 || !task.IncidentOpen {
		t.Errorf("fail_count=%d incident_open=%v", task.FailCount, task.IncidentOpen)
	}

	f.serve("content")
	if _, err := s.CheckNow(ctx, "t1"); err != nil {
		t.Fatalf("recovery check: %v", err)
	}

	events, _ := st.Events(ctx, "t1", 0)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (one fetch_error, one recovered)", len(events))
	}
	if events[0].Kind != store.KindFetchError || events[1].Kind != store.KindRecovered {
		t.Errorf("kinds = %s, %s", events[0].Kind, events[1].Kind)
	}
}

func TestCheck_FailurePreservesFingerprint(t *testing.T) {
	// WHAT: A fetch error never touches the stored fingerprint, so a later
	// identical success is Unchanged, not Changed.
	f := &stubFetcher{}
	f.serve("stable")
	s, st := newScheduler(t, f, nil, Config{})
	mustAddTask(t, st, "t1")
	ctx := context.Background()

	s.CheckNow(ctx, "t1")
	before, _ := st.GetTask(ctx, "t1")

	f.fail(errors.New("boom"))
	s.CheckNow(ctx, "t1")

	after, _ := st.GetTask(ctx, "t1")
	if after.LastFingerprint != before.LastFingerprint {
		t.Errorf("fingerprint moved on failure: %q -> %q", before.LastFingerprint, after.LastFingerprint)
	}

	f.serve("stable")
	res, _ := s.CheckNow(ctx, "t1")
	if res.Outcome != OutcomeUnchanged {
		t.Errorf("identical content after recovery reported %s", res.Outcome)
	}
}

func TestCheck_RecoveryWithChange(t *testing.T) {
	// WHAT: A success that both closes an incident and carries new content
	// emits Recovered and Changed in the same check.
	f := &stubFetcher{}
	f.serve("old")
	s, st := newScheduler(t, f, nil, Config{})
	mustAddTask(t, st, "t1")
	ctx := context.Background()

	s.CheckNow(ctx, "t1")
	f.fail(errors.New("down"))
	s.CheckNow(ctx, "t1")
	f.serve("new")
	res, err := s.CheckNow(ctx, "t1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Outcome != OutcomeChanged {
		t.Errorf("outcome = %s, want changed", res.Outcome)
	}

	events, _ := st.Events(ctx, "t1", 0)
	kinds := make([]string, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	want := []string{store.KindFetchError, store.KindRecovered, store.KindChanged}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
}

func TestCheck_TimeoutMarkedInDetail(t *testing.T) {
	// WHAT: A deadline-exceeded fetch records a FetchError whose detail
	// names the timeout.
	f := &stubFetcher{}
	f.fail(context.DeadlineExceeded)
	s, st := newScheduler(t, f, nil, Config{})
	mustAddTask(t, st, "t1")
	ctx := context.Background()

	res, err := s.CheckNow(ctx, "t1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Outcome != OutcomeFetchError {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	events, _ := st.Events(ctx, "t1", 0)
	if len(events) != 1 || !strings.HasPrefix(events[0].ErrorDetail, "timeout:") {
		t.Errorf("events: %+v", events)
	}
}

func TestCheck_NotModified(t *testing.T) {
	// WHAT: A 304 keeps the stored fingerprint and emits nothing.
	f := &stubFetcher{}
	f.serve("content")
	s, st := newScheduler(t, f, nil, Config{})
	mustAddTask(t, st, "t1")
	ctx := context.Background()

	s.CheckNow(ctx, "t1")
	before, _ := st.GetTask(ctx, "t1")

	f.mu.Lock()
	f.fn = func(string) (*fetch.Result, error) {
		return &fetch.Result{StatusCode: 304, NotModified: true}, nil
	}
	f.mu.Unlock()

	res, err := s.CheckNow(ctx, "t1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Outcome != OutcomeUnchanged {
		t.Errorf("outcome = %s", res.Outcome)
	}
	after, _ := st.GetTask(ctx, "t1")
	if after.LastFingerprint != before.LastFingerprint {
		t.Error("304 moved the fingerprint")
	}
	if n, _ := st.CountEvents(ctx, "t1"); n != 0 {
		t.Errorf("304 produced %d events", n)
	}
}

func TestCheck_NotifierFiresOnChangedOnly(t *testing.T) {
	// WHAT: The notifier runs exactly once, for the Changed outcome.
	// WHY: Baselines, repeats, failures, and recoveries are history, not
	// alerts.
	f := &stubFetcher{}
	f.serve("a")
	n := &countingNotifier{}
	s, st := newScheduler(t, f, n, Config{})
	mustAddTask(t, st, "t1")
	ctx := context.Background()

	s.CheckNow(ctx, "t1") // baseline
	f.serve("b")
	s.CheckNow(ctx, "t1") // changed
	s.CheckNow(ctx, "t1") // unchanged
	f.fail(errors.New("down"))
	s.CheckNow(ctx, "t1") // fetch_error
	f.serve("b")
	s.CheckNow(ctx, "t1") // recovered, content unchanged

	if n.count() != 1 {
		t.Fatalf("notifier fired %d times, want 1", n.count())
	}
	ev := n.events[0]
	if ev.Kind != store.KindChanged || ev.TaskID != "t1" {
		t.Errorf("notification: %+v", ev)
	}
}

func TestCheckNow_UnknownTask(t *testing.T) {
	// WHAT: CheckNow for an absent id surfaces ErrTaskNotFound.
	f := &stubFetcher{}
	f.serve("x")
	s, _ := newScheduler(t, f, nil, Config{})
	_, err := s.CheckNow(context.Background(), "ghost")
	if !errors.Is(err, store.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestCheckNow_AlreadyInProgress(t *testing.T) {
	// WHAT: A second CheckNow for a task mid-check fails with
	// ErrCheckInProgress instead of queueing.
	block := make(chan struct{})
	started := make(chan struct{})
	f := &stubFetcher{fn: func(string) (*fetch.Result, error) {
		close(started)
		<-block
		return &fetch.Result{Body: []byte("x"), StatusCode: 200}, nil
	}}
	s, st := newScheduler(t, f, nil, Config{})
	mustAddTask(t, st, "t1")
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.CheckNow(ctx, "t1")
	}()

	<-started
	_, err := s.CheckNow(ctx, "t1")
	if !errors.Is(err, ErrCheckInProgress) {
		t.Errorf("expected ErrCheckInProgress, got %v", err)
	}
	close(block)
	<-done
}

func TestRunCycle_BoundedConcurrency(t *testing.T) {
	// WHAT: A cycle never runs more simultaneous checks than configured.
	var cur, peak int64
	f := &stubFetcher{fn: func(string) (*fetch.Result, error) {
		n := atomic.AddInt64(&cur, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&cur, -1)
		return &fetch.Result{Body: []byte("x"), StatusCode: 200}, nil
	}}
	s, st := newScheduler(t, f, nil, Config{Concurrency: 2})
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		mustAddTask(t, st, id)
	}

	s.runCycle(context.Background())

	if p := atomic.LoadInt64(&peak); p > 2 {
		t.Errorf("peak concurrency %d, want <= 2", p)
	}
	// Capacity limits pacing, never drops work: every due task was checked.
	tasks, err := st.ListTasks(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, task := range tasks {
		if task.LastCheckedAt == nil {
			t.Errorf("task %s never checked", task.ID)
		}
	}
}

func TestRun_StopsWhenStoreUnavailable(t *testing.T) {
	// WHAT: Run gives up after repeated consecutive failures to poll the
	// store, instead of retrying a dead database forever.
	f := &stubFetcher{}
	f.serve("x")
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	st := store.NewStore(db)
	db.Close()

	s := New(st, f, snapshot.NewDir(t.TempDir()), nil,
		Config{TickInterval: time.Millisecond}, quietLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		// No cancellation: the return must come from the failure escalation.
		s.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run kept retrying an unavailable store")
	}
}

func TestRunCycle_SkipsInFlightTask(t *testing.T) {
	// WHAT: A task still running from a previous cycle is skipped, not
	// queued a second time.
	block := make(chan struct{})
	started := make(chan struct{})
	var calls int64
	f := &stubFetcher{fn: func(string) (*fetch.Result, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			close(started)
			<-block
		}
		return &fetch.Result{Body: []byte("x"), StatusCode: 200}, nil
	}}
	s, st := newScheduler(t, f, nil, Config{})
	mustAddTask(t, st, "t1")
	ctx := context.Background()

	first := make(chan struct{})
	go func() {
		defer close(first)
		s.runCycle(ctx)
	}()
	<-started

	// Second cycle while the first check is stuck: must not fetch again.
	s.runCycle(ctx)
	if n := atomic.LoadInt64(&calls); n != 1 {
		t.Errorf("fetch called %d times, want 1", n)
	}
	close(block)
	<-first
}
