package importer

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/DanielCoulbourne/rate-limited-imports/pkg/gate"
	"github.com/DanielCoulbourne/rate-limited-imports/pkg/queue"
	"github.com/DanielCoulbourne/rate-limited-imports/pkg/store"
)

// Prometheus metrics for item processing.
var (
	itemsImportedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "import_items_imported_total",
		Help: "Items imported successfully",
	})

	itemRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "import_item_retries_total",
		Help: "Item retries scheduled after transient failures",
	})

	itemsExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "import_items_exhausted_total",
		Help: "Items whose retry budget ran out",
	})
)

// ItemStatus is the lifecycle state of one import item.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusProcessing ItemStatus = "processing"
	StatusCompleted  ItemStatus = "completed"
	StatusFailed     ItemStatus = "failed"
)

// Item is one unit of work: fetch one record from the remote API and
// populate it locally. An item is owned by whichever worker currently
// processes it; only its failure timestamps touch the shared store.
type Item struct {
	ID            string
	Status        ItemStatus
	Attempts      int
	LastFailure   time.Time
	FailureReason string
}

// Client is the outbound HTTP surface handed to sources. Satisfied by
// *gate.Gate, so every source request passes through rate limit
// coordination.
type Client interface {
	Do(req *http.Request) (*http.Response, error)
	Get(ctx context.Context, url string) (*http.Response, error)
}

// Source adapts one remote dataset to the import pipeline.
type Source interface {
	// DiscoverItems lists the IDs of every item the run must import.
	// The listing call goes through the gated client too, so a rate
	// limited index endpoint triggers the shared cooldown instead of
	// failing the run.
	DiscoverItems(ctx context.Context, client Client) ([]string, error)

	// ImportItem fetches one record through the gated client and
	// populates it locally. Returned errors are classified with the
	// gate package taxonomy.
	ImportItem(ctx context.Context, client Client, itemID string) error
}

// DefaultBackoff is the retry ladder applied after transient failures.
var DefaultBackoff = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	240 * time.Second,
}

// RetryScheduler owns retry timing for failed items: transient failures
// go back on the queue with increasing backoff until the attempt budget
// runs out; permanent failures stop immediately. It never dispatches
// work itself.
type RetryScheduler struct {
	sched   queue.Scheduler
	runs    store.RunStore
	runID   string
	backoff []time.Duration
	logger  zerolog.Logger

	now func() time.Time
}

// NewRetryScheduler creates a scheduler with the given backoff ladder.
// The attempt budget is one initial attempt plus one retry per ladder
// step.
func NewRetryScheduler(sched queue.Scheduler, runs store.RunStore, runID string, backoff []time.Duration, logger zerolog.Logger) *RetryScheduler {
	if len(backoff) == 0 {
		backoff = DefaultBackoff
	}
	return &RetryScheduler{
		sched:   sched,
		runs:    runs,
		runID:   runID,
		backoff: backoff,
		logger:  logger,
		now:     time.Now,
	}
}

// MaxAttempts is the total attempt budget per item.
func (s *RetryScheduler) MaxAttempts() int {
	return len(s.backoff) + 1
}

// HandleFailure records a failed attempt and decides what happens next:
// reschedule with backoff, or stop for good. The failure timestamp lands
// in the shared store either way, so the completion detector can later
// re-derive permanence from the grace window independent of the attempt
// budget.
func (s *RetryScheduler) HandleFailure(ctx context.Context, task *itemTask, cause error) {
	item := task.item
	item.Status = StatusFailed
	item.Attempts++
	item.LastFailure = s.now()
	item.FailureReason = cause.Error()

	if err := s.runs.RecordFailure(ctx, s.runID, item.ID, item.LastFailure); err != nil {
		s.logger.Error().Err(err).
			Str("item_id", item.ID).
			Msg("Failed to record item failure in store")
	}

	if gate.IsPermanent(cause) {
		s.logger.Warn().
			Str("item_id", item.ID).
			Int("attempts", item.Attempts).
			Str("reason", item.FailureReason).
			Msg("Item failed permanently, not retrying")
		return
	}

	if item.Attempts >= s.MaxAttempts() {
		itemsExhaustedTotal.Inc()
		s.logger.Warn().
			Str("item_id", item.ID).
			Int("attempts", item.Attempts).
			Str("reason", item.FailureReason).
			Msg("Item retry budget exhausted")
		return
	}

	delay := s.backoff[item.Attempts-1]
	itemRetriesTotal.Inc()
	s.logger.Info().
		Str("item_id", item.ID).
		Int("attempt", item.Attempts).
		Dur("backoff", delay).
		Str("reason", item.FailureReason).
		Msg("Rescheduling item after transient failure")
	s.sched.SubmitAfter(task, delay)
}

// itemTask processes one item on a worker. Implements queue.Task.
type itemTask struct {
	item    *Item
	source  Source
	client  Client
	sched   *RetryScheduler
	metrics *Metrics
	logger  zerolog.Logger
}

func newItemTask(item *Item, source Source, client Client, sched *RetryScheduler, metrics *Metrics, logger zerolog.Logger) *itemTask {
	return &itemTask{
		item:    item,
		source:  source,
		client:  client,
		sched:   sched,
		metrics: metrics,
		logger:  logger,
	}
}

// Run fetches and populates the item, then settles its state.
func (t *itemTask) Run(ctx context.Context) {
	t.item.Status = StatusProcessing

	if err := t.source.ImportItem(ctx, t.client, t.item.ID); err != nil {
		t.sched.HandleFailure(ctx, t, err)
		return
	}

	t.item.Status = StatusCompleted
	itemsImportedTotal.Inc()

	// A success after earlier failures revokes the failure record, so
	// the completion detector never counts the item as dead.
	if t.item.Attempts > 0 {
		if err := t.sched.runs.ClearFailure(ctx, t.sched.runID, t.item.ID); err != nil {
			t.logger.Error().Err(err).
				Str("item_id", t.item.ID).
				Msg("Failed to clear item failure record")
		}
	}

	if err := t.metrics.RecordImported(ctx); err != nil {
		t.logger.Error().Err(err).
			Str("item_id", t.item.ID).
			Msg("Failed to count imported item")
	}

	t.logger.Debug().
		Str("item_id", t.item.ID).
		Int("attempts", t.item.Attempts+1).
		Msg("Item imported")
}
