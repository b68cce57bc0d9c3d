package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Task is a unit of background work. Tasks are retried with exponential
// backoff until they succeed or exhaust their attempts.
type Task struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Queue runs side effects off the request path with a fixed number of
// workers. Submissions never block: when the buffer is full the task is
// dropped and counted.
type Queue struct {
	tasks       chan Task
	workers     int
	maxAttempts int
	backoff     time.Duration
	log         zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	failed  atomic.Int64
	dropped atomic.Int64
}

type Options struct {
	Size        int
	Workers     int
	MaxAttempts int
	Backoff     time.Duration
}

func NewQueue(opts Options, logger zerolog.Logger) *Queue {
	if opts.Size <= 0 {
		opts.Size = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	return &Queue{
		tasks:       make(chan Task, opts.Size),
		workers:     opts.Workers,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		log:         logger.With().Str("component", "background_queue").Logger(),
	}
}

// Start launches the workers. Tasks keep running after ctx is cancelled so
// Close can drain them.
func (q *Queue) Start(ctx context.Context) {
	runCtx := context.WithoutCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for t := range q.tasks {
				q.run(runCtx, t)
			}
		}()
	}
}

// Submit enqueues fn and reports whether it was accepted.
func (q *Queue) Submit(name string, fn func(ctx context.Context) error) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Add(1)
		return false
	}
	select {
	case q.tasks <- Task{Name: name, Fn: fn}:
		return true
	default:
		q.dropped.Add(1)
		q.log.Warn().Str("task", name).Msg("background queue full, dropping task")
		return false
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) Depth() int { return len(q.tasks) }
func (q *Queue) Failed() int64 { return q.failed.Load() }
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

func (q *Queue) run(ctx context.Context, t Task) {
	for attempt := 1; ; attempt++ {
		err := t.Fn(ctx)
		if err == nil {
			return
		}
		if attempt >= q.maxAttempts {
			q.failed.Add(1)
			q.log.Error().Err(err).Str("task", t.Name).Int("attempts", attempt).Msg("background task failed")
			return
		}
		time.Sleep(backoffExp(attempt, q.backoff))
	}
}

// backoffExp doubles base per attempt, capped at 60 times base.
func backoffExp(attempts int, base time.Duration) time.Duration {
	if attempts <= 0 {
		return base
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * base
}
