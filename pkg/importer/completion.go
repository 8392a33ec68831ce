package importer

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/DanielCoulbourne/rate-limited-imports/pkg/queue"
	"github.com/DanielCoulbourne/rate-limited-imports/pkg/store"
)

var completionPollsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "import_completion_polls_total",
	Help: "Completion detector invocations",
})

// DefaultGraceWindow is the minimum age a failure must reach before the
// item counts as permanently failed. Sized safely above the whole
// default backoff ladder (450s), so every scheduled retry has had its
// chance to run before the item is declared dead.
const DefaultGraceWindow = 10 * time.Minute

// DefaultPollInterval is the completion detector's reschedule delay.
const DefaultPollInterval = 10 * time.Second

// CompletionDetector decides when an import run is over. It is a
// self-rescheduling task, not a bounded loop: each invocation
// recomputes run state from the shared store and either ends the run or
// schedules itself again. Invoking it after the run has ended is a
// no-op, and when several workers race to end the run the store's
// first-writer-wins marker keeps the end timestamp stable.
//
// An item counts as permanently failed once its status is failed and
// its last failure is older than the grace window. Deriving permanence
// from elapsed time instead of the attempt counter keeps the detector
// correct even if the retry budget changes.
type CompletionDetector struct {
	runs     store.RunStore
	sched    queue.Scheduler
	runID    string
	interval time.Duration
	grace    time.Duration
	logger   zerolog.Logger

	now  func() time.Time
	done chan RunReport
}

// NewCompletionDetector creates a detector for one run.
func NewCompletionDetector(runs store.RunStore, sched queue.Scheduler, runID string, interval, grace time.Duration, logger zerolog.Logger) *CompletionDetector {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &CompletionDetector{
		runs:     runs,
		sched:    sched,
		runID:    runID,
		interval: interval,
		grace:    grace,
		logger:   logger,
		now:      time.Now,
		done:     make(chan RunReport, 1),
	}
}

// Done delivers the final report once, when this detector instance ends
// the run.
func (d *CompletionDetector) Done() <-chan RunReport {
	return d.done
}

// Run performs one completion poll. Implements queue.Task.
func (d *CompletionDetector) Run(ctx context.Context) {
	completionPollsTotal.Inc()
	if err := d.runs.IncrField(ctx, d.runID, store.FieldCompletionPolls, 1); err != nil {
		d.logger.Error().Err(err).Msg("Failed to count completion poll")
	}

	snap, err := d.runs.GetRun(ctx, d.runID)
	if err != nil {
		// Store outage: surface loudly and keep polling. The run is not
		// over just because we cannot observe it.
		d.logger.Error().Err(err).
			Str("run_id", d.runID).
			Msg("Completion poll cannot read run state")
		d.sched.SubmitAfter(d, d.interval)
		return
	}

	if snap.Ended() {
		return
	}

	if snap.ImportedCount >= snap.ItemsCount {
		d.end(ctx, snap, 0)
		return
	}

	permFailed, err := d.permanentlyFailed(ctx)
	if err != nil {
		d.logger.Error().Err(err).
			Str("run_id", d.runID).
			Msg("Completion poll cannot read failure records")
		d.sched.SubmitAfter(d, d.interval)
		return
	}

	if snap.ImportedCount+permFailed >= snap.ItemsCount {
		d.end(ctx, snap, permFailed)
		return
	}

	d.logger.Debug().
		Str("run_id", d.runID).
		Int64("imported", snap.ImportedCount).
		Int64("total", snap.ItemsCount).
		Int64("permanently_failed", permFailed).
		Msg("Run not complete yet, polling again")
	d.sched.SubmitAfter(d, d.interval)
}

// permanentlyFailed counts failed items whose last failure is older
// than the grace window.
func (d *CompletionDetector) permanentlyFailed(ctx context.Context) (int64, error) {
	failures, err := d.runs.Failures(ctx, d.runID)
	if err != nil {
		return 0, err
	}
	cutoff := d.now().Add(-d.grace)
	var count int64
	for _, at := range failures {
		if at.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

// end marks the run ended exactly once and reports the outcome.
func (d *CompletionDetector) end(ctx context.Context, snap *store.RunSnapshot, permFailed int64) {
	endedAt := d.now()
	won, err := d.runs.MarkEnded(ctx, d.runID, endedAt, permFailed)
	if err != nil {
		d.logger.Error().Err(err).
			Str("run_id", d.runID).
			Msg("Failed to mark run ended")
		d.sched.SubmitAfter(d, d.interval)
		return
	}
	if !won {
		// Another worker's detector got there first.
		return
	}

	final, err := d.runs.GetRun(ctx, d.runID)
	if err != nil {
		final = snap
		final.EndedAt = endedAt
		final.PermanentlyFailedCount = permFailed
	}
	report := ReportFromSnapshot(d.runID, final)

	event := d.logger.Info()
	if permFailed > 0 {
		event = d.logger.Warn()
	}
	event.
		Str("run_id", d.runID).
		Int64("imported", final.ImportedCount).
		Int64("total", final.ItemsCount).
		Int64("permanently_failed", permFailed).
		Int64("sleep_seconds", final.SleepSeconds).
		Msg("Import run ended")

	select {
	case d.done <- report:
	default:
	}
}
