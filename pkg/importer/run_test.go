package importer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DanielCoulbourne/rate-limited-imports/internal/testutil"
	"github.com/DanielCoulbourne/rate-limited-imports/pkg/store"
)

func TestRunReport_DerivedValues(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name           string
		report         RunReport
		now            time.Time
		wantElapsed    time.Duration
		wantActive     time.Duration
		wantEfficiency float64
	}{
		{
			name:           "live run with sleeps",
			report:         RunReport{StartedAt: started, TotalSleepSeconds: 20, RateLimitSleepsCount: 2},
			now:            started.Add(60 * time.Second),
			wantElapsed:    60 * time.Second,
			wantActive:     40 * time.Second,
			wantEfficiency: 1.0,
		},
		{
			name:           "no pauses at all",
			report:         RunReport{StartedAt: started},
			now:            started.Add(30 * time.Second),
			wantElapsed:    30 * time.Second,
			wantActive:     30 * time.Second,
			wantEfficiency: 1.0,
		},
		{
			name: "mixed sleeps and hits",
			report: RunReport{
				StartedAt:            started,
				TotalSleepSeconds:    30,
				RateLimitSleepsCount: 3,
				RateLimitHitsCount:   1,
			},
			now:            started.Add(100 * time.Second),
			wantElapsed:    100 * time.Second,
			wantActive:     70 * time.Second,
			wantEfficiency: 0.75,
		},
		{
			name: "active time floors at zero",
			report: RunReport{
				StartedAt:         started,
				TotalSleepSeconds: 10,
			},
			now:            started.Add(10 * time.Second),
			wantElapsed:    10 * time.Second,
			wantActive:     0,
			wantEfficiency: 1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.report.Elapsed(tt.now); got != tt.wantElapsed {
				t.Errorf("Elapsed = %s, want %s", got, tt.wantElapsed)
			}
			if got := tt.report.ActiveTime(tt.now); got != tt.wantActive {
				t.Errorf("ActiveTime = %s, want %s", got, tt.wantActive)
			}
			if got := tt.report.Efficiency(); got != tt.wantEfficiency {
				t.Errorf("Efficiency = %f, want %f", got, tt.wantEfficiency)
			}
			if got := tt.report.ActiveTime(tt.now); got < 0 {
				t.Errorf("ActiveTime = %s, must never be negative", got)
			}
		})
	}
}

func TestRunReport_ElapsedFrozenAfterEnd(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ended := started.Add(90 * time.Second)
	report := RunReport{StartedAt: started, EndedAt: &ended}

	now := started.Add(2 * time.Hour)
	if got := report.Elapsed(now); got != 90*time.Second {
		t.Errorf("Elapsed after end = %s, want 90s", got)
	}
}

func TestRunReport_Complete(t *testing.T) {
	tests := []struct {
		name   string
		report RunReport
		want   bool
	}{
		{
			name:   "all imported",
			report: RunReport{ItemsCount: 10, ItemsImportedCount: 10},
			want:   true,
		},
		{
			name:   "imported plus permanently failed covers total",
			report: RunReport{ItemsCount: 10, ItemsImportedCount: 8, PermanentlyFailedCount: 2},
			want:   true,
		},
		{
			name:   "still outstanding",
			report: RunReport{ItemsCount: 10, ItemsImportedCount: 8, PermanentlyFailedCount: 1},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.report.Complete(); got != tt.want {
				t.Errorf("Complete() = %v, want %v", got, tt.want)
			}
		})
	}
}

// Many workers incrementing the same run concurrently must lose no
// updates and never decrease a counter.
func TestMetrics_ConcurrentIncrements(t *testing.T) {
	mem := testutil.NewMemStore()
	ctx := context.Background()
	if err := mem.CreateRun(ctx, "run-1", 100, time.Now()); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	metrics := NewMetrics(mem, "run-1")

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metrics.RecordImported(ctx); err != nil {
				t.Errorf("RecordImported: %v", err)
			}
			if err := metrics.RecordSleepDelta(ctx, 2); err != nil {
				t.Errorf("RecordSleepDelta: %v", err)
			}
		}()
	}
	wg.Wait()

	snap, err := mem.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if snap.ImportedCount != workers {
		t.Errorf("imported = %d, want %d", snap.ImportedCount, workers)
	}
	if snap.SleepSeconds != workers*2 {
		t.Errorf("sleep seconds = %d, want %d", snap.SleepSeconds, workers*2)
	}
}

func TestMetrics_RecordHitCountsHitNotSleep(t *testing.T) {
	mem := testutil.NewMemStore()
	ctx := context.Background()
	if err := mem.CreateRun(ctx, "run-2", 10, time.Now()); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	metrics := NewMetrics(mem, "run-2")

	if err := metrics.RecordHit(ctx, 8); err != nil {
		t.Fatalf("RecordHit: %v", err)
	}

	snap, err := mem.GetRun(ctx, "run-2")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if snap.HitsCount != 1 {
		t.Errorf("hits = %d, want 1", snap.HitsCount)
	}
	if snap.SleepsCount != 0 {
		t.Errorf("sleeps = %d, want 0 (hit is not a proactive sleep)", snap.SleepsCount)
	}
	if snap.SleepSeconds != 8 {
		t.Errorf("sleep seconds = %d, want 8", snap.SleepSeconds)
	}
}

func TestReportFromSnapshot(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ended := started.Add(time.Minute)

	snap := &store.RunSnapshot{
		ItemsCount:             50,
		ImportedCount:          48,
		HitsCount:              1,
		SleepsCount:            3,
		SleepSeconds:           25,
		PermanentlyFailedCount: 2,
		StartedAt:              started,
		EndedAt:                ended,
	}

	report := ReportFromSnapshot("run-3", snap)
	if report.RunID != "run-3" {
		t.Errorf("RunID = %q", report.RunID)
	}
	if report.ItemsImportedCount != 48 || report.PermanentlyFailedCount != 2 {
		t.Errorf("counts = %d/%d, want 48/2", report.ItemsImportedCount, report.PermanentlyFailedCount)
	}
	if report.EndedAt == nil || !report.EndedAt.Equal(ended) {
		t.Errorf("EndedAt = %v, want %v", report.EndedAt, ended)
	}
	if !report.Complete() {
		t.Error("report should be complete")
	}
}
