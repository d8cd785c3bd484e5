/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package admission implements a load-sensitive priority admission queue.
// While the load is below the threshold, requests pass straight through.
// Above it, requests wait in a bounded priority queue and are dispatched
// by Queue.Run as worker slots free up.
package admission

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/acronis/go-admitkit/log"
)

// Default values of QueueOpts.
const (
	DefaultMaxConcurrent = 100
	DefaultLoadThreshold = 0.8
	DefaultMaxQueueSize  = 1000
	DefaultQueueTimeout  = 30 * time.Second
	DefaultPollInterval  = 100 * time.Millisecond
)

// Admission errors.
var (
	ErrQueueFull    = errors.New("admission queue is full")
	ErrQueueTimeout = errors.New("admission queue timeout exceeded")
)

// State is the state of the admission queue.
type State int

// Queue states.
const (
	StateDirect State = iota
	StateQueuing
)

// String returns the name of the state.
func (s State) String() string {
	if s == StateQueuing {
		return "queuing"
	}
	return "direct"
}

// Results of admission decisions as reported to MetricsCollector.
const (
	ResultDirect     = "direct"
	ResultDispatched = "dispatched"
	ResultRejected   = "rejected"
	ResultTimeout    = "timeout"
	ResultCancelled  = "cancelled"
)

// ReleaseFunc frees the worker slot taken by an admitted request. Calling it more than once is a no-op.
type ReleaseFunc func()

type waiterState int

const (
	waiterPending waiterState = iota
	waiterDispatched
	waiterExpired
)

type waiter struct {
	priority   Priority
	seq        uint64
	enqueuedAt time.Time
	deadline   time.Time
	ready      chan struct{}
	state      waiterState
	index      int
}

// QueueOpts represents options for Queue.
type QueueOpts struct {
	MaxConcurrent    int
	LoadThreshold    float64
	MaxQueueSize     int
	QueueTimeout     time.Duration
	PollInterval     time.Duration
	Logger           log.FieldLogger
	MetricsCollector MetricsCollector
}

// Queue is the priority admission queue.
type Queue struct {
	maxConcurrent int
	loadThreshold float64
	maxQueueSize  int
	queueTimeout  time.Duration
	pollInterval  time.Duration
	logger        log.FieldLogger
	metrics       MetricsCollector

	wake chan struct{}

	mu      sync.Mutex
	active  int
	waiting waitHeap
	seq     uint64
	state   State
	stats   QueueStats
}

// NewQueue creates a new Queue with default options.
func NewQueue() *Queue {
	q, _ := NewQueueWithOpts(QueueOpts{}) // can't fail with defaults
	return q
}

// NewQueueWithOpts creates a new Queue. Zero options take default values.
func NewQueueWithOpts(opts QueueOpts) (*Queue, error) {
	if opts.MaxConcurrent == 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.LoadThreshold == 0 {
		opts.LoadThreshold = DefaultLoadThreshold
	}
	if opts.MaxQueueSize == 0 {
		opts.MaxQueueSize = DefaultMaxQueueSize
	}
	if opts.QueueTimeout == 0 {
		opts.QueueTimeout = DefaultQueueTimeout
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxConcurrent < 0 {
		return nil, fmt.Errorf("max concurrent should be positive, got %d", opts.MaxConcurrent)
	}
	if opts.LoadThreshold < 0 || opts.LoadThreshold > 1 {
		return nil, fmt.Errorf("load threshold should be in (0, 1], got %v", opts.LoadThreshold)
	}
	if opts.MaxQueueSize < 0 {
		return nil, fmt.Errorf("max queue size should be positive, got %d", opts.MaxQueueSize)
	}
	if opts.QueueTimeout < 0 || opts.PollInterval < 0 {
		return nil, fmt.Errorf("queue timeout and poll interval should be positive")
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMetrics{}
	}
	return &Queue{
		maxConcurrent: opts.MaxConcurrent,
		loadThreshold: opts.LoadThreshold,
		maxQueueSize:  opts.MaxQueueSize,
		queueTimeout:  opts.QueueTimeout,
		pollInterval:  opts.PollInterval,
		logger:        opts.Logger,
		metrics:       opts.MetricsCollector,
		wake:          make(chan struct{}, 1),
	}, nil
}

// Admit admits a request with the given priority.
// It returns immediately in the direct state. In the queuing state it blocks until the request is dispatched,
// the queue timeout elapses (ErrQueueTimeout) or ctx is done (ctx.Err()).
// ErrQueueFull is returned without waiting if the queue is full.
// On success the caller must call the returned ReleaseFunc when the request is served.
func (q *Queue) Admit(ctx context.Context, priority Priority) (ReleaseFunc, error) {
	q.mu.Lock()
	q.stats.Total++
	if q.updateStateLocked() == StateDirect {
		q.active++
		q.stats.Direct++
		q.reportGaugesLocked()
		q.mu.Unlock()
		q.metrics.IncRequests(priority.String(), ResultDirect)
		return q.newRelease(), nil
	}

	if q.waiting.Len() >= q.maxQueueSize {
		q.stats.Rejected++
		q.mu.Unlock()
		q.metrics.IncRequests(priority.String(), ResultRejected)
		q.logger.Warn("admission queue is full, request rejected",
			log.String("priority", priority.String()), log.Int("max_queue_size", q.maxQueueSize))
		return nil, ErrQueueFull
	}

	now := time.Now()
	w := &waiter{
		priority:   priority,
		seq:        q.seq,
		enqueuedAt: now,
		deadline:   now.Add(q.queueTimeout),
		ready:      make(chan struct{}),
	}
	q.seq++
	heap.Push(&q.waiting, w)
	q.stats.Queued++
	q.reportGaugesLocked()
	q.mu.Unlock()
	q.signal()

	timer := time.NewTimer(q.queueTimeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return q.waitResult(w, nil)
	case <-timer.C:
		return q.waitResult(w, ErrQueueTimeout)
	case <-ctx.Done():
		return q.waitResult(w, ctx.Err())
	}
}

// waitResult resolves the race between the dispatcher and the waiter's own timeout or cancellation.
func (q *Queue) waitResult(w *waiter, waitErr error) (ReleaseFunc, error) {
	q.mu.Lock()
	switch w.state {
	case waiterDispatched:
		q.mu.Unlock()
		q.metrics.ObserveWait(w.priority.String(), time.Since(w.enqueuedAt))
		return q.newRelease(), nil
	case waiterExpired:
		q.mu.Unlock()
		return nil, ErrQueueTimeout
	}

	heap.Remove(&q.waiting, w.index)
	result := ResultCancelled
	if errors.Is(waitErr, ErrQueueTimeout) {
		q.stats.TimedOut++
		result = ResultTimeout
	} else {
		q.stats.Cancelled++
	}
	q.updateStateLocked()
	q.reportGaugesLocked()
	q.mu.Unlock()
	q.metrics.IncRequests(w.priority.String(), result)
	return nil, waitErr
}

func (q *Queue) newRelease() ReleaseFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			q.active--
			q.reportGaugesLocked()
			q.mu.Unlock()
			q.signal()
		})
	}
}

// Run dispatches queued requests until ctx is done. It implements service.Worker.
// Dispatching happens every poll interval and whenever a request is queued or released.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-q.wake:
		}
		q.dispatch(time.Now())
	}
}

func (q *Queue) dispatch(now time.Time) {
	var dispatched, expired []*waiter

	q.mu.Lock()
	if q.expireLocked(now, &expired) {
		heap.Init(&q.waiting)
	}
	for q.waiting.Len() > 0 && q.active < q.maxConcurrent {
		w := heap.Pop(&q.waiting).(*waiter)
		w.state = waiterDispatched
		q.active++
		q.stats.Dispatched++
		close(w.ready)
		dispatched = append(dispatched, w)
	}
	q.updateStateLocked()
	q.reportGaugesLocked()
	q.mu.Unlock()

	for _, w := range expired {
		q.metrics.IncRequests(w.priority.String(), ResultTimeout)
	}
	for _, w := range dispatched {
		q.metrics.IncRequests(w.priority.String(), ResultDispatched)
	}
	if len(expired) != 0 {
		q.logger.Warn("queued requests timed out before dispatch", log.Int("count", len(expired)))
	}
}

// expireLocked fails the waiters whose deadline has passed. It reports whether the heap needs re-initialization.
func (q *Queue) expireLocked(now time.Time, expired *[]*waiter) bool {
	kept := q.waiting[:0]
	for _, w := range q.waiting {
		if now.Before(w.deadline) {
			w.index = len(kept)
			kept = append(kept, w)
			continue
		}
		w.state = waiterExpired
		w.index = -1
		q.stats.TimedOut++
		close(w.ready)
		*expired = append(*expired, w)
	}
	for i := len(kept); i < len(q.waiting); i++ {
		q.waiting[i] = nil
	}
	q.waiting = kept
	return len(*expired) != 0
}

// updateStateLocked recomputes the queue state: queuing while the load is at or above the threshold
// or while anybody is waiting.
func (q *Queue) updateStateLocked() State {
	state := StateDirect
	if float64(q.active)/float64(q.maxConcurrent) >= q.loadThreshold || q.waiting.Len() > 0 {
		state = StateQueuing
	}
	if state != q.state {
		q.state = state
		q.logger.Info("admission queue state changed", log.String("state", state.String()),
			log.Int("active", q.active), log.Int("waiting", q.waiting.Len()))
	}
	return state
}

func (q *Queue) reportGaugesLocked() {
	q.metrics.SetActive(q.active)
	q.metrics.SetWaiting(q.waiting.Len())
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// State returns the current state of the queue.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := q.stats
	stats.Active = q.active
	stats.Waiting = q.waiting.Len()
	stats.State = q.state
	return stats
}

// QueueStats is a snapshot of admission counters since start.
type QueueStats struct {
	Total      int64
	Direct     int64
	Queued     int64
	Dispatched int64
	Rejected   int64
	TimedOut   int64
	Cancelled  int64
	Active     int
	Waiting    int
	State      State
}

// waitHeap orders waiters by priority descending, then by arrival.
type waitHeap []*waiter

func (h waitHeap) Len() int { return len(h) }

func (h waitHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h waitHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waitHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waitHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}
