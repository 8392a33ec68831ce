// Package importer implements the bulk import pipeline: run lifecycle,
// per-item retry scheduling, and completion detection over metrics that
// all workers mutate through the shared store.
package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/DanielCoulbourne/rate-limited-imports/pkg/store"
)

// RunReport is the read-only reporting view of an import run, polled by
// dashboards and CLIs.
type RunReport struct {
	RunID                  string     `json:"run_id"`
	ItemsCount             int64      `json:"items_count"`
	ItemsImportedCount     int64      `json:"items_imported_count"`
	RateLimitHitsCount     int64      `json:"rate_limit_hits_count"`
	RateLimitSleepsCount   int64      `json:"rate_limit_sleeps_count"`
	TotalSleepSeconds      int64      `json:"total_sleep_seconds"`
	PermanentlyFailedCount int64      `json:"permanently_failed_count"`
	StartedAt              time.Time  `json:"started_at"`
	EndedAt                *time.Time `json:"ended_at,omitempty"`
}

// ReportFromSnapshot builds a report from a store snapshot.
func ReportFromSnapshot(runID string, snap *store.RunSnapshot) RunReport {
	report := RunReport{
		RunID:                  runID,
		ItemsCount:             snap.ItemsCount,
		ItemsImportedCount:     snap.ImportedCount,
		RateLimitHitsCount:     snap.HitsCount,
		RateLimitSleepsCount:   snap.SleepsCount,
		TotalSleepSeconds:      snap.SleepSeconds,
		PermanentlyFailedCount: snap.PermanentlyFailedCount,
		StartedAt:              snap.StartedAt,
	}
	if snap.Ended() {
		ended := snap.EndedAt
		report.EndedAt = &ended
	}
	return report
}

// Elapsed returns wall time since the run started, frozen at EndedAt
// once the run is over.
func (r RunReport) Elapsed(now time.Time) time.Duration {
	end := now
	if r.EndedAt != nil {
		end = *r.EndedAt
	}
	d := end.Sub(r.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// ActiveTime returns elapsed time minus coordinated sleeps, floored at
// zero.
func (r RunReport) ActiveTime(now time.Time) time.Duration {
	active := r.Elapsed(now) - time.Duration(r.TotalSleepSeconds)*time.Second
	if active < 0 {
		return 0
	}
	return active
}

// Efficiency is the share of rate limit pauses that were proactive
// sleeps rather than server 429 hits. 1.0 means the importer never hit
// the server's limit.
func (r RunReport) Efficiency() float64 {
	total := r.RateLimitSleepsCount + r.RateLimitHitsCount
	if total == 0 {
		return 1.0
	}
	return float64(r.RateLimitSleepsCount) / float64(total)
}

// Complete reports whether every item reached a terminal state.
func (r RunReport) Complete() bool {
	return r.ItemsImportedCount == r.ItemsCount ||
		r.ItemsImportedCount+r.PermanentlyFailedCount >= r.ItemsCount
}

// Metrics attributes rate limit sleeps and item completions to one run.
// Every mutation is an atomic increment in the shared store; the struct
// itself is stateless and safe for use from any worker. It implements
// ratelimit.Recorder.
type Metrics struct {
	runs  store.RunStore
	runID string
}

// NewMetrics creates the metrics recorder for a run.
func NewMetrics(runs store.RunStore, runID string) *Metrics {
	return &Metrics{runs: runs, runID: runID}
}

// RecordSleep credits this run with one proactive sleep interval.
func (m *Metrics) RecordSleep(ctx context.Context, seconds int64) error {
	if err := m.runs.IncrField(ctx, m.runID, store.FieldSleepsCount, 1); err != nil {
		return fmt.Errorf("record sleep count: %w", err)
	}
	if err := m.runs.IncrField(ctx, m.runID, store.FieldSleepSeconds, seconds); err != nil {
		return fmt.Errorf("record sleep seconds: %w", err)
	}
	return nil
}

// RecordSleepDelta credits only the incremental seconds of a cooldown
// extension.
func (m *Metrics) RecordSleepDelta(ctx context.Context, seconds int64) error {
	if err := m.runs.IncrField(ctx, m.runID, store.FieldSleepSeconds, seconds); err != nil {
		return fmt.Errorf("record sleep delta: %w", err)
	}
	return nil
}

// RecordHit credits this run with a cooldown caused by a server 429.
func (m *Metrics) RecordHit(ctx context.Context, seconds int64) error {
	if err := m.runs.IncrField(ctx, m.runID, store.FieldHitsCount, 1); err != nil {
		return fmt.Errorf("record hit count: %w", err)
	}
	if err := m.runs.IncrField(ctx, m.runID, store.FieldSleepSeconds, seconds); err != nil {
		return fmt.Errorf("record hit seconds: %w", err)
	}
	return nil
}

// RecordImported counts one successfully imported item.
func (m *Metrics) RecordImported(ctx context.Context) error {
	if err := m.runs.IncrField(ctx, m.runID, store.FieldImportedCount, 1); err != nil {
		return fmt.Errorf("record imported: %w", err)
	}
	return nil
}
