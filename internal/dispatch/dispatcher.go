// Package dispatch implements the per-key task queue dispatcher: work is
// partitioned by an arbitrary queue id, executed strictly FIFO within a
// partition and fully concurrently across partitions, with global admission
// control, per-task timeouts and unique-key result coalescing.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/blueberrycongee/keymux/internal/metrics"
	kerrors "github.com/blueberrycongee/keymux/pkg/errors"
)

const (
	// DefaultQueueID partitions submissions that do not name a queue.
	DefaultQueueID = "default"

	// DefaultMaxOutstanding is the global ceiling on queued plus running
	// tasks across all partitions.
	DefaultMaxOutstanding = 1000

	// DefaultTimeout bounds how long a caller waits for one task.
	DefaultTimeout = 10 * time.Minute
)

// Func is a unit of work. It is executed at most once by the dispatcher and
// is never forcibly stopped: a timeout abandons the wait, not the work.
type Func func() (any, error)

// Options control scheduling of a single submission.
type Options struct {
	// DelayBefore pauses the partition before the task starts.
	DelayBefore time.Duration
	// DelayAfter pauses the partition after the task (and its coalescing)
	// finishes, enforcing minimum spacing between operations.
	DelayAfter time.Duration
	// UniqueKey coalesces still-queued tasks in the same partition: when a
	// task with this key finishes, queued tasks sharing the key resolve
	// with the same result without executing.
	UniqueKey string
	// Timeout overrides DefaultTimeout. Zero means the default.
	Timeout time.Duration
}

// Future is the handle for a submitted task.
type Future struct {
	done  chan struct{}
	value any
	err   error
}

// Wait blocks until the task resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) resolve(value any, err error) {
	f.value = value
	f.err = err
	close(f.done)
}

type task struct {
	fn     Func
	future *Future
	opts   Options
}

// Dispatcher owns the partition queues. All queue mutation happens under a
// single mutex; execution happens on one drain goroutine per partition.
type Dispatcher struct {
	mu             sync.Mutex
	queues         map[string][]*task
	running        map[string]bool
	outstanding    int
	maxOutstanding int
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxOutstanding overrides the global outstanding-task ceiling.
func WithMaxOutstanding(n int) DispatcherOption {
	return func(d *Dispatcher) { d.maxOutstanding = n }
}

// WithDefaultTimeout overrides the default per-task timeout.
func WithDefaultTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.defaultTimeout = timeout }
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// New creates a Dispatcher.
func New(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queues:         make(map[string][]*task),
		running:        make(map[string]bool),
		maxOutstanding: DefaultMaxOutstanding,
		defaultTimeout: DefaultTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit enqueues work on the given partition and returns its Future.
// Admission control happens before enqueueing: if the global outstanding
// count has reached the ceiling the task is rejected and never queued.
func (d *Dispatcher) Submit(queueID string, fn Func, opts Options) (*Future, error) {
	if queueID == "" {
		queueID = DefaultQueueID
	}

	d.mu.Lock()
	if d.outstanding >= d.maxOutstanding {
		current := d.outstanding
		d.mu.Unlock()
		d.logger.Error("task rejected, queue is full",
			"queue_id", queueID,
			"max_queue_size", d.maxOutstanding,
			"current_length", current,
		)
		return nil, kerrors.ErrQueueFull
	}
	d.outstanding++

	t := &task{
		fn:     fn,
		future: &Future{done: make(chan struct{})},
		opts:   opts,
	}
	d.queues[queueID] = append(d.queues[queueID], t)

	start := !d.running[queueID]
	if start {
		d.running[queueID] = true
	}
	d.mu.Unlock()
	metrics.RecordTaskSubmitted()

	if start {
		go d.drain(queueID)
	}
	return t.future, nil
}

// Outstanding returns the current global outstanding-task count.
func (d *Dispatcher) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outstanding
}

// QueueDepth returns the number of queued (not yet started) tasks in a
// partition.
func (d *Dispatcher) QueueDepth(queueID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues[queueID])
}

// drain executes the partition queue until it is empty, then clears the
// running marker so a later submission starts a fresh cycle. Iterative on
// purpose: a deep backlog must not grow the stack.
func (d *Dispatcher) drain(queueID string) {
	for {
		d.mu.Lock()
		queue := d.queues[queueID]
		if len(queue) == 0 {
			d.running[queueID] = false
			delete(d.queues, queueID)
			d.mu.Unlock()
			return
		}
		t := queue[0]
		d.queues[queueID] = queue[1:]
		d.mu.Unlock()

		if t.opts.DelayBefore > 0 {
			time.Sleep(t.opts.DelayBefore)
		}

		value, err := d.execute(queueID, t)
		t.future.resolve(value, err)

		if t.opts.UniqueKey != "" {
			d.coalesce(queueID, t.opts.UniqueKey, value, err)
		}

		d.mu.Lock()
		d.outstanding--
		d.mu.Unlock()

		if t.opts.DelayAfter > 0 {
			time.Sleep(t.opts.DelayAfter)
		}
	}
}

// execute races the work against its timeout. The loser of the race keeps
// running; its eventual result is dropped via the buffered channel.
func (d *Dispatcher) execute(queueID string, t *task) (any, error) {
	timeout := t.opts.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	type result struct {
		value any
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		value, err := t.fn()
		resCh <- result{value: value, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		return res.value, res.err
	case <-timer.C:
		metrics.RecordTaskTimeout()
		d.logger.Warn("task timed out", "queue_id", queueID, "timeout", timeout)
		return nil, &kerrors.QueueTimeoutError{QueueID: queueID, Timeout: timeout.String()}
	}
}

// coalesce resolves every still-queued task in the partition that shares
// the unique key with the finished task's result, removing them without
// execution. Removal runs from the highest index to the lowest so earlier
// removals do not invalidate later indices.
func (d *Dispatcher) coalesce(queueID, uniqueKey string, value any, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	queue := d.queues[queueID]
	var matches []int
	for i, queued := range queue {
		if queued.opts.UniqueKey == uniqueKey {
			matches = append(matches, i)
		}
	}

	for i := len(matches) - 1; i >= 0; i-- {
		idx := matches[i]
		same := queue[idx]
		queue = append(queue[:idx], queue[idx+1:]...)
		same.future.resolve(value, err)
		d.outstanding--
		metrics.RecordTaskCoalesced()
	}
	d.queues[queueID] = queue
}
