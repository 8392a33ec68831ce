package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/DanielCoulbourne/rate-limited-imports/pkg/gate"
	"github.com/DanielCoulbourne/rate-limited-imports/pkg/queue"
	"github.com/DanielCoulbourne/rate-limited-imports/pkg/ratelimit"
	"github.com/DanielCoulbourne/rate-limited-imports/pkg/store"
)

// Config holds the import pipeline configuration.
type Config struct {
	// Workers is the number of concurrent import workers.
	Workers int

	// Tiers are the rate limit constraints all workers respect together.
	Tiers []ratelimit.TierPolicy

	// Gate configures the outbound HTTP gate.
	Gate gate.Config

	// Backoff is the retry ladder for transient item failures.
	Backoff []time.Duration

	// GraceWindow is how long after its last failure an item may still
	// retry before it counts as permanently failed.
	GraceWindow time.Duration

	// PollInterval is the completion detector reschedule delay.
	PollInterval time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		Workers:      5,
		Tiers:        []ratelimit.TierPolicy{{MaxRequests: 10, Window: 10 * time.Second}},
		Gate:         gate.DefaultConfig(userAgent),
		Backoff:      DefaultBackoff,
		GraceWindow:  DefaultGraceWindow,
		PollInterval: DefaultPollInterval,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1 (got %d)", c.Workers)
	}
	if err := ratelimit.ValidatePolicies(c.Tiers); err != nil {
		return err
	}
	for _, b := range c.Backoff {
		if b <= 0 {
			return fmt.Errorf("backoff steps must be positive (got %s)", b)
		}
	}
	if c.GraceWindow > 0 {
		horizon := time.Duration(0)
		for _, b := range c.Backoff {
			horizon += b
		}
		if c.GraceWindow <= horizon {
			return fmt.Errorf("grace window %s must exceed the backoff horizon %s", c.GraceWindow, horizon)
		}
	}
	return nil
}

// Importer runs bulk imports of a remote dataset while coordinating
// rate limits with every other worker through the shared store.
type Importer struct {
	config Config
	store  store.Store
	runs   store.RunStore
	source Source
	logger zerolog.Logger
}

// New creates an importer.
func New(cfg Config, st store.Store, runs store.RunStore, source Source, logger zerolog.Logger) (*Importer, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if runs == nil {
		return nil, fmt.Errorf("run store is required")
	}
	if source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Importer{
		config: cfg,
		store:  st,
		runs:   runs,
		source: source,
		logger: logger,
	}, nil
}

// Run executes one import run to completion under a fresh run ID.
func (imp *Importer) Run(ctx context.Context) (*RunReport, error) {
	return imp.RunWithID(ctx, uuid.NewString())
}

// RunWithID executes one import run to completion: discovers items, fans
// them out over the worker pool, and blocks until the completion
// detector ends the run or the context is cancelled. Returns the final
// report. The caller-chosen run ID lets reporting surfaces poll the run
// while it is live.
func (imp *Importer) RunWithID(ctx context.Context, runID string) (*RunReport, error) {
	logger := imp.logger.With().Str("run_id", runID).Logger()

	// The run record exists before discovery so the gate can attribute
	// rate limit hits from the listing call itself. The item count is
	// filled in once the IDs are known.
	startedAt := time.Now()
	if err := imp.runs.CreateRun(ctx, runID, 0, startedAt); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	metrics := NewMetrics(imp.runs, runID)
	coord, err := ratelimit.NewCoordinator(imp.store, imp.config.Tiers, metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("create coordinator: %w", err)
	}
	g, err := gate.New(coord, imp.config.Gate, logger)
	if err != nil {
		return nil, fmt.Errorf("create gate: %w", err)
	}

	items, err := imp.source.DiscoverItems(ctx, g)
	if err != nil {
		return nil, fmt.Errorf("discover items: %w", err)
	}
	if err := imp.runs.IncrField(ctx, runID, store.FieldItemsCount, int64(len(items))); err != nil {
		return nil, fmt.Errorf("record item count: %w", err)
	}

	logger.Info().
		Int("items", len(items)).
		Int("workers", imp.config.Workers).
		Msg("Import run started")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffer holds every item plus the detector, so reschedules from
	// timers never block a worker.
	pool := queue.NewPool(imp.config.Workers, len(items)+imp.config.Workers+1, logger)
	pool.Start(runCtx)
	defer func() {
		cancel()
		pool.Stop()
	}()

	sched := NewRetryScheduler(pool, imp.runs, runID, imp.config.Backoff, logger)
	for _, id := range items {
		item := &Item{ID: id, Status: StatusPending}
		pool.Submit(newItemTask(item, imp.source, g, sched, metrics, logger))
	}

	detector := NewCompletionDetector(imp.runs, pool, runID, imp.config.PollInterval, imp.config.GraceWindow, logger)
	pool.SubmitAfter(detector, imp.config.PollInterval)

	select {
	case report := <-detector.Done():
		return &report, nil
	case <-ctx.Done():
		logger.Warn().Msg("Import run cancelled")
		return nil, ctx.Err()
	}
}

// Report reads the current state of a run for reporting consumers.
func (imp *Importer) Report(ctx context.Context, runID string) (*RunReport, error) {
	snap, err := imp.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	report := ReportFromSnapshot(runID, snap)
	return &report, nil
}
