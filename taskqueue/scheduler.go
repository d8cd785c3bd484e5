/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package taskqueue implements a priority scheduler of background tasks.
// Workers take tasks in batches, run each batch concurrently and retry failed tasks
// with exponential backoff up to the configured number of attempts.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/acronis/go-admitkit/log"
	"github.com/acronis/go-admitkit/retry"
)

// Default values of SchedulerOpts.
const (
	DefaultBatchSize   = 10
	DefaultBatchWindow = 100 * time.Millisecond
	DefaultMaxWorkers  = 4
	DefaultMaxAttempts = 3
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 16 * time.Second
)

// Scheduler errors.
var (
	ErrUnknownHandler   = errors.New("unknown task handler")
	ErrSchedulerStopped = errors.New("task scheduler is stopped")
)

// Results of task executions as reported to MetricsCollector.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
	ResultRetried   = "retried"
	ResultDropped   = "dropped"
)

// SchedulerOpts represents options for Scheduler.
type SchedulerOpts struct {
	BatchSize   int
	BatchWindow time.Duration
	MaxWorkers  int
	// MaxAttempts is used for tasks enqueued with non-positive maxAttempts.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// OnPermanentFailure is called when a task fails for the last time.
	OnPermanentFailure func(info TaskInfo, err error)

	Logger           log.FieldLogger
	MetricsCollector MetricsCollector
}

// Scheduler is a priority scheduler of background tasks.
type Scheduler struct {
	batchSize          int
	batchWindow        time.Duration
	maxWorkers         int
	maxAttempts        int
	backoffPolicy      retry.Policy
	onPermanentFailure func(info TaskInfo, err error)
	logger             log.FieldLogger
	metrics            MetricsCollector

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	mu      sync.Mutex
	queue   []*task
	changed chan struct{}
	delayed map[*task]*time.Timer
	running bool
	stopped bool
	active  int
	stats   PoolMetrics
}

// NewScheduler creates a new Scheduler with default options.
func NewScheduler() *Scheduler {
	s, _ := NewSchedulerWithOpts(SchedulerOpts{}) // can't fail with defaults
	return s
}

// NewSchedulerWithOpts creates a new Scheduler. Zero options take default values.
func NewSchedulerWithOpts(opts SchedulerOpts) (*Scheduler, error) {
	if opts.BatchSize == 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchWindow == 0 {
		opts.BatchWindow = DefaultBatchWindow
	}
	if opts.MaxWorkers == 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffCap == 0 {
		opts.BackoffCap = DefaultBackoffCap
	}
	if opts.BatchSize < 0 || opts.MaxWorkers < 0 || opts.MaxAttempts < 0 {
		return nil, fmt.Errorf("batch size, max workers and max attempts should be positive")
	}
	if opts.BatchWindow < 0 || opts.BackoffBase < 0 {
		return nil, fmt.Errorf("batch window and backoff base should be positive")
	}
	if opts.BackoffCap < opts.BackoffBase {
		return nil, fmt.Errorf("backoff cap (%s) should not be less than backoff base (%s)", opts.BackoffCap, opts.BackoffBase)
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMetrics{}
	}
	return &Scheduler{
		batchSize:          opts.BatchSize,
		batchWindow:        opts.BatchWindow,
		maxWorkers:         opts.MaxWorkers,
		maxAttempts:        opts.MaxAttempts,
		backoffPolicy:      retry.NewExponentialBackoffPolicy(opts.BackoffBase, opts.BackoffCap, 0),
		onPermanentFailure: opts.OnPermanentFailure,
		logger:             opts.Logger,
		metrics:            opts.MetricsCollector,
		handlers:           make(map[string]HandlerFunc),
		changed:            make(chan struct{}),
		delayed:            make(map[*task]*time.Timer),
	}, nil
}

// Register registers the handler by the name. A handler registered under the same name is replaced.
func (s *Scheduler) Register(name string, handler HandlerFunc) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[name] = handler
}

// Enqueue schedules the task executing the named handler and returns the task ID.
// The task is placed before the first queued task of strictly lower priority.
// Non-positive maxAttempts means the scheduler default.
func (s *Scheduler) Enqueue(handlerName string, args Args, priority Priority, maxAttempts int) (string, error) {
	s.handlersMu.RLock()
	handler, ok := s.handlers[handlerName]
	s.handlersMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownHandler, handlerName)
	}
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}
	t := &task{
		TaskInfo: TaskInfo{
			ID:          uuid.NewString(),
			Handler:     handlerName,
			Args:        args,
			Priority:    priority,
			MaxAttempts: maxAttempts,
			CreatedAt:   time.Now(),
		},
		handler: handler,
		backoff: s.backoffPolicy.NewBackOff(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", ErrSchedulerStopped
	}
	s.stats.Enqueued++
	s.insertLocked(t)
	return t.ID, nil
}

func (s *Scheduler) insertLocked(t *task) {
	i := sort.Search(len(s.queue), func(i int) bool { return s.queue[i].Priority < t.Priority })
	s.queue = slices.Insert(s.queue, i, t)
	s.metrics.SetPending(len(s.queue))
	close(s.changed)
	s.changed = make(chan struct{})
}

// Run runs the workers until ctx is done. It implements service.Worker.
// Run returns after the batches being executed finish. Tasks left in the queue
// and retries not fired yet are dropped.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("task scheduler can run only once")
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("task scheduler started",
		log.Int("workers", s.maxWorkers), log.Int("batch_size", s.batchSize), log.Duration("batch_window", s.batchWindow))

	var g errgroup.Group
	for i := 0; i < s.maxWorkers; i++ {
		workerLogger := s.logger.With(log.Int("worker", i))
		g.Go(func() error {
			s.work(ctx, workerLogger)
			return nil
		})
	}
	_ = g.Wait()

	s.shutdown()
	return nil
}

func (s *Scheduler) work(ctx context.Context, logger log.FieldLogger) {
	execCtx := context.WithoutCancel(ctx)
	for {
		batch := s.nextBatch(ctx)
		if len(batch) == 0 {
			return
		}
		logger.Debug("executing batch of tasks", log.Int("size", len(batch)))
		var g errgroup.Group
		for _, t := range batch {
			t := t
			g.Go(func() error {
				s.execute(execCtx, t, logger)
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			return
		}
	}
}

// nextBatch blocks until at least one task is queued, then collects tasks until
// the batch is full or the batch window elapses. It returns nil if ctx is done first.
func (s *Scheduler) nextBatch(ctx context.Context) []*task {
	var batch []*task
	var windowC <-chan time.Time
	for {
		if ctx.Err() != nil {
			return batch
		}
		s.mu.Lock()
		n := min(s.batchSize-len(batch), len(s.queue))
		batch = append(batch, s.queue[:n]...)
		s.queue = slices.Delete(s.queue, 0, n)
		s.active += n
		changed := s.changed
		s.metrics.SetPending(len(s.queue))
		s.metrics.SetActive(s.active)
		s.mu.Unlock()

		if len(batch) == s.batchSize {
			return batch
		}
		if len(batch) != 0 && windowC == nil {
			timer := time.NewTimer(s.batchWindow)
			defer timer.Stop()
			windowC = timer.C
		}

		select {
		case <-changed:
		case <-windowC:
			return batch
		case <-ctx.Done():
			return batch
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, t *task, logger log.FieldLogger) {
	t.Attempt++
	logger = logger.With(log.String("task_id", t.ID), log.String("handler", t.Handler),
		log.Int("attempt", t.Attempt), log.Int("max_attempts", t.MaxAttempts))

	startTime := time.Now()
	err := s.call(ctx, t)
	s.metrics.ObserveDuration(t.Handler, time.Since(startTime))

	s.mu.Lock()
	s.active--
	s.metrics.SetActive(s.active)
	s.mu.Unlock()

	if err == nil {
		s.count(t.Handler, ResultCompleted)
		logger.Debug("task completed", log.DurationIn(time.Since(startTime), time.Millisecond))
		return
	}

	if t.Attempt < t.MaxAttempts && !isPermanent(err) {
		delay := t.backoff.NextBackOff()
		logger.Warn("task failed, retry scheduled", log.Error(err), log.Duration("delay", delay))
		s.count(t.Handler, ResultRetried)
		s.scheduleRetry(t, delay)
		return
	}

	logger.Error("task failed permanently", log.Error(err))
	s.count(t.Handler, ResultFailed)
	if s.onPermanentFailure != nil {
		s.onPermanentFailure(t.TaskInfo, err)
	}
}

func (s *Scheduler) call(ctx context.Context, t *task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task handler panicked: %v", p)
		}
	}()
	return t.handler(ctx, t.Args)
}

func (s *Scheduler) scheduleRetry(t *task, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.dropLocked(t)
		return
	}
	s.delayed[t] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.delayed[t]; !ok {
			return // already dropped by shutdown
		}
		delete(s.delayed, t)
		s.insertLocked(t)
	})
}

func (s *Scheduler) dropLocked(t *task) {
	s.stats.Dropped++
	s.metrics.IncTasks(t.Handler, ResultDropped)
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	dropped := s.shutdownLocked()
	s.mu.Unlock()
	if dropped != 0 {
		s.logger.Warn("task scheduler stopped, pending tasks dropped", log.Int("dropped", dropped))
	} else {
		s.logger.Info("task scheduler stopped")
	}
}

// shutdownLocked drops queued tasks and all delayed retries, including those whose timer
// has fired but whose callback is still waiting for s.mu.
func (s *Scheduler) shutdownLocked() (dropped int) {
	s.stopped = true
	for _, t := range s.queue {
		s.dropLocked(t)
		dropped++
	}
	s.queue = nil
	for t, timer := range s.delayed {
		timer.Stop()
		delete(s.delayed, t)
		s.dropLocked(t)
		dropped++
	}
	s.metrics.SetPending(0)
	return dropped
}

func (s *Scheduler) count(handler, result string) {
	s.mu.Lock()
	switch result {
	case ResultCompleted:
		s.stats.Completed++
	case ResultFailed:
		s.stats.Failed++
	case ResultRetried:
		s.stats.Retried++
	}
	s.mu.Unlock()
	s.metrics.IncTasks(handler, result)
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() PoolMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.Active = s.active
	stats.Pending = len(s.queue)
	stats.Delayed = len(s.delayed)
	return stats
}

// PoolMetrics is a snapshot of scheduler counters since start.
type PoolMetrics struct {
	Enqueued  int64 `json:"enqueued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Dropped   int64 `json:"dropped"`
	Active    int   `json:"active"`
	Pending   int   `json:"pending"`
	Delayed   int   `json:"delayed"`
}
