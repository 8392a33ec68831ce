package importer

import (
	"context"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/DanielCoulbourne/rate-limited-imports/internal/testutil"
	"github.com/DanielCoulbourne/rate-limited-imports/pkg/gate"
	"github.com/DanielCoulbourne/rate-limited-imports/pkg/queue"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

// fakeSched records scheduled tasks instead of dispatching them.
type fakeSched struct {
	mu        sync.Mutex
	submitted []queue.Task
	delayed   []time.Duration
}

func (f *fakeSched) Submit(task queue.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, task)
	f.delayed = append(f.delayed, 0)
}

func (f *fakeSched) SubmitAfter(task queue.Task, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, task)
	f.delayed = append(f.delayed, delay)
}

func (f *fakeSched) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeSched) lastDelay() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.delayed) == 0 {
		return -1
	}
	return f.delayed[len(f.delayed)-1]
}

// fakeSource scripts ImportItem outcomes per item.
type fakeSource struct {
	mu       sync.Mutex
	items    []string
	errs     map[string][]error // consumed front to back; empty means success
	imported []string
}

func newFakeSource(items ...string) *fakeSource {
	return &fakeSource{items: items, errs: make(map[string][]error)}
}

func (s *fakeSource) failWith(itemID string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[itemID] = append(s.errs[itemID], errs...)
}

func (s *fakeSource) DiscoverItems(context.Context, Client) ([]string, error) {
	return s.items, nil
}

func (s *fakeSource) ImportItem(_ context.Context, _ Client, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pending := s.errs[itemID]; len(pending) > 0 {
		err := pending[0]
		s.errs[itemID] = pending[1:]
		return err
	}
	s.imported = append(s.imported, itemID)
	return nil
}

func transientErr() error {
	return &gate.APIError{StatusCode: http.StatusInternalServerError, Class: gate.ErrorClassTransient, Message: "boom"}
}

func permanentErr() error {
	return &gate.APIError{StatusCode: http.StatusNotFound, Class: gate.ErrorClassPermanent, Message: "gone"}
}

func TestRetryScheduler_BackoffLadder(t *testing.T) {
	mem := testutil.NewMemStore()
	ctx := context.Background()
	if err := mem.CreateRun(ctx, "run-1", 1, time.Now()); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	sched := &fakeSched{}
	backoff := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second}
	rs := NewRetryScheduler(sched, mem, "run-1", backoff, testLogger())

	source := newFakeSource("a")
	task := newItemTask(&Item{ID: "a", Status: StatusPending}, source, nil, rs, NewMetrics(mem, "run-1"), testLogger())

	for i, want := range backoff {
		rs.HandleFailure(ctx, task, transientErr())
		if got := sched.count(); got != i+1 {
			t.Fatalf("after failure %d: reschedules = %d, want %d", i+1, got, i+1)
		}
		if got := sched.lastDelay(); got != want {
			t.Errorf("failure %d delay = %s, want %s", i+1, got, want)
		}
	}

	// Fifth failure exhausts the budget: no further reschedule.
	rs.HandleFailure(ctx, task, transientErr())
	if got := sched.count(); got != len(backoff) {
		t.Errorf("reschedules after exhaustion = %d, want %d", got, len(backoff))
	}
	if task.item.Status != StatusFailed {
		t.Errorf("status = %s, want failed", task.item.Status)
	}
	if task.item.Attempts != len(backoff)+1 {
		t.Errorf("attempts = %d, want %d", task.item.Attempts, len(backoff)+1)
	}
}

func TestRetryScheduler_PermanentFailureStopsImmediately(t *testing.T) {
	mem := testutil.NewMemStore()
	ctx := context.Background()
	if err := mem.CreateRun(ctx, "run-1", 1, time.Now()); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	sched := &fakeSched{}
	rs := NewRetryScheduler(sched, mem, "run-1", nil, testLogger())
	task := newItemTask(&Item{ID: "a"}, newFakeSource("a"), nil, rs, NewMetrics(mem, "run-1"), testLogger())

	rs.HandleFailure(ctx, task, permanentErr())

	if sched.count() != 0 {
		t.Errorf("permanent failure was rescheduled %d times, want 0", sched.count())
	}
	if task.item.Status != StatusFailed {
		t.Errorf("status = %s, want failed", task.item.Status)
	}

	// The failure timestamp still lands in the store so the grace
	// window can later confirm permanence.
	failures, err := mem.Failures(ctx, "run-1")
	if err != nil {
		t.Fatalf("Failures: %v", err)
	}
	if _, ok := failures["a"]; !ok {
		t.Error("failure timestamp not recorded")
	}
}

func TestItemTask_SuccessRecordsImport(t *testing.T) {
	mem := testutil.NewMemStore()
	ctx := context.Background()
	if err := mem.CreateRun(ctx, "run-1", 1, time.Now()); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	rs := NewRetryScheduler(&fakeSched{}, mem, "run-1", nil, testLogger())
	source := newFakeSource("a")
	task := newItemTask(&Item{ID: "a"}, source, nil, rs, NewMetrics(mem, "run-1"), testLogger())

	task.Run(ctx)

	if task.item.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", task.item.Status)
	}
	snap, err := mem.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if snap.ImportedCount != 1 {
		t.Errorf("imported = %d, want 1", snap.ImportedCount)
	}
}

func TestItemTask_RetryThenSuccessClearsFailureRecord(t *testing.T) {
	mem := testutil.NewMemStore()
	ctx := context.Background()
	if err := mem.CreateRun(ctx, "run-1", 1, time.Now()); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	sched := &fakeSched{}
	rs := NewRetryScheduler(sched, mem, "run-1", []time.Duration{time.Second}, testLogger())
	source := newFakeSource("a")
	source.failWith("a", transientErr())
	task := newItemTask(&Item{ID: "a"}, source, nil, rs, NewMetrics(mem, "run-1"), testLogger())

	// First run fails and reschedules.
	task.Run(ctx)
	if task.item.Status != StatusFailed || sched.count() != 1 {
		t.Fatalf("first run: status=%s reschedules=%d, want failed/1", task.item.Status, sched.count())
	}
	failures, _ := mem.Failures(ctx, "run-1")
	if len(failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(failures))
	}

	// Second run succeeds and revokes the failure record.
	task.Run(ctx)
	if task.item.Status != StatusCompleted {
		t.Errorf("second run status = %s, want completed", task.item.Status)
	}
	failures, _ = mem.Failures(ctx, "run-1")
	if len(failures) != 0 {
		t.Errorf("failures after success = %d, want 0", len(failures))
	}

	snap, _ := mem.GetRun(ctx, "run-1")
	if snap.ImportedCount != 1 {
		t.Errorf("imported = %d, want 1", snap.ImportedCount)
	}
}

func TestRetryScheduler_MaxAttempts(t *testing.T) {
	rs := NewRetryScheduler(&fakeSched{}, testutil.NewMemStore(), "run-1", DefaultBackoff, testLogger())
	if got := rs.MaxAttempts(); got != 5 {
		t.Errorf("MaxAttempts = %d, want 5", got)
	}
}

// Guards against an accidental ladder edit breaking the documented
// 30/60/120/240 progression.
func TestDefaultBackoffLadder(t *testing.T) {
	want := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second}
	if len(DefaultBackoff) != len(want) {
		t.Fatalf("ladder length = %d, want %d", len(DefaultBackoff), len(want))
	}
	for i := range want {
		if DefaultBackoff[i] != want[i] {
			t.Errorf("step %d = %s, want %s", i, DefaultBackoff[i], want[i])
		}
	}
	var horizon time.Duration
	for _, b := range DefaultBackoff {
		horizon += b
	}
	if DefaultGraceWindow <= horizon {
		t.Errorf("grace window %s must exceed backoff horizon %s", DefaultGraceWindow, horizon)
	}
}
