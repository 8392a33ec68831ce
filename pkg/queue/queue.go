// Package queue provides the in-process worker host for import tasks: a
// fixed pool of goroutines, each a dedicated execution unit that may
// block on coordinated sleeps, plus timer-based delayed reschedules.
// The import core only ever decides timing; dispatch happens here.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for task dispatch.
var (
	queueTasksStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "import_queue_tasks_started_total",
		Help: "Tasks picked up by a worker",
	})

	queueTasksDelayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "import_queue_tasks_delayed_total",
		Help: "Tasks scheduled with a delay",
	})
)

// Task is one schedulable unit of work.
type Task interface {
	Run(ctx context.Context)
}

// Scheduler dispatches tasks to workers. The import core consumes
// exactly these two operations: run now, or run after a delay.
type Scheduler interface {
	Submit(task Task)
	SubmitAfter(task Task, delay time.Duration)
}

// Pool is a fixed-size worker pool implementing Scheduler.
type Pool struct {
	tasks   chan Task
	done    chan struct{}
	workers int
	logger  zerolog.Logger

	wg sync.WaitGroup

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

// NewPool creates a pool. Buffer should be sized to the expected number
// of outstanding tasks so submissions from outside the pool never block
// a worker.
func NewPool(workers, buffer int, logger zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if buffer < workers {
		buffer = workers
	}
	return &Pool{
		tasks:   make(chan Task, buffer),
		done:    make(chan struct{}),
		workers: workers,
		logger:  logger,
		timers:  make(map[*time.Timer]struct{}),
	}
}

// Start launches the workers. They run until the context ends.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info().Int("workers", p.workers).Msg("Worker pool started")
}

// Submit enqueues a task for immediate execution. Submissions after
// Stop are dropped.
func (p *Pool) Submit(task Task) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.logger.Debug().Msg("Task dropped, pool stopped")
		return
	}
	p.mu.Unlock()

	select {
	case p.tasks <- task:
	default:
		// Buffer full; hand off without blocking the caller. The task
		// is dropped if the pool stops before a worker drains it.
		go func() {
			select {
			case p.tasks <- task:
			case <-p.done:
			}
		}()
	}
}

// SubmitAfter enqueues a task once the delay elapses.
func (p *Pool) SubmitAfter(task Task, delay time.Duration) {
	if delay <= 0 {
		p.Submit(task)
		return
	}
	queueTasksDelayedTotal.Inc()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, timer)
		p.mu.Unlock()
		p.Submit(task)
	})
	p.timers[timer] = struct{}{}
	p.mu.Unlock()
}

// Stop cancels pending delayed tasks and waits for running workers to
// finish their current task. The context passed to Start must be
// cancelled first or workers will keep waiting for new tasks.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	for timer := range p.timers {
		timer.Stop()
	}
	p.timers = make(map[*time.Timer]struct{})
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info().Msg("Worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With().Int("worker", id).Logger()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("Worker shutting down")
			return
		case task := <-p.tasks:
			queueTasksStartedTotal.Inc()
			task.Run(ctx)
		}
	}
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ctx context.Context)

func (f TaskFunc) Run(ctx context.Context) { f(ctx) }
