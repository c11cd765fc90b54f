package lane

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	platformerrors "github.com/jmgilman/go/errors"
)

// ErrShutdown is returned for tasks submitted after shutdown and for queued
// tasks dropped by ShutdownNow.
var ErrShutdown = platformerrors.New(platformerrors.CodeUnavailable, "lane executor is shut down")

// Config controls the executor's fan-out and routing.
//
//   - Lanes <= 0 means a single lane
//   - nil Hasher means DefaultHasher
//   - nil Logger discards output
type Config[K comparable] struct {
	Lanes  int
	Hasher Hasher[K]
	Logger *slog.Logger
}

// Stats is a point-in-time view of the executor.
type Stats struct {
	Lanes     int     `json:"lanes"`
	Pending   []int   `json:"pending"`
	Completed int64   `json:"completed"`
	Failed    int64   `json:"failed"`
	Running   bool    `json:"running"`
	Busiest   int     `json:"busiest"`
	Load      []int64 `json:"load"`
}

// Executor routes key-scoped tasks to a fixed set of lanes. Each lane is an
// unbounded FIFO queue drained by exactly one goroutine, so tasks on the
// same lane never overlap and run in submission order. Distinct lanes run
// concurrently.
//
// Ownership model:
// Executor owns its lane goroutines. Call Shutdown or ShutdownNow to stop them.
type Executor[K comparable] struct {
	lanes  []*lane
	hasher Hasher[K]
	logger *slog.Logger

	// mu orders submissions against shutdown: no task is enqueued after
	// running flips to false.
	mu      sync.RWMutex
	running bool

	// ctx is handed (merged) to every running task and is cancelled by
	// ShutdownNow only.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type task struct {
	ctx  context.Context
	run  func(ctx context.Context) error
	fail func(err error)
}

type lane struct {
	id int

	mu     sync.Mutex
	queue  []*task
	closed bool
	wake   chan struct{}

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// New starts an executor with cfg.Lanes lane goroutines.
func New[K comparable](cfg Config[K]) *Executor[K] {
	n := cfg.Lanes
	if n <= 0 {
		n = 1
	}
	hasher := cfg.Hasher
	if hasher == nil {
		hasher = DefaultHasher[K]
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor[K]{
		lanes:   make([]*lane, n),
		hasher:  hasher,
		logger:  logger,
		running: true,
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := range e.lanes {
		l := &lane{id: i, wake: make(chan struct{}, 1)}
		e.lanes[i] = l
		e.wg.Add(1)
		go e.worker(l)
	}

	return e
}

// Lane returns the lane index key is routed to.
func (e *Executor[K]) Lane(key K) int {
	return int(e.hasher(key) % uint64(len(e.lanes)))
}

// Submit enqueues fn on the lane owning key and returns immediately.
//
// fn receives a context that is done when ctx is done or when the executor
// is shut down with ShutdownNow. If ctx is already done when the task
// reaches the head of its lane, fn is skipped and the future fails with
// ctx.Err(). Errors and panics from fn fail the future; the lane continues.
func Submit[K comparable, T any](ctx context.Context, e *Executor[K], key K, fn func(context.Context) (T, error)) *Future[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	f := newFuture[T]()
	l := e.lanes[e.Lane(key)]

	t := &task{
		ctx: ctx,
		fail: func(err error) {
			var zero T
			f.complete(zero, err)
		},
	}
	t.run = func(ctx context.Context) (err error) {
		var value T
		defer func() {
			if r := recover(); r != nil {
				err = platformerrors.Newf(platformerrors.CodeInternal, "panic in lane %d: %v", l.id, r)
				e.logger.Warn("recovered panic in lane task", "lane", l.id, "key", key, "panic", fmt.Sprint(r))
			}
			f.complete(value, err)
		}()
		value, err = fn(ctx)
		return err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.running {
		return Failed[T](ErrShutdown)
	}
	l.push(t)
	return f
}

// Stats returns current per-lane queue depths and aggregate counters.
func (e *Executor[K]) Stats() Stats {
	s := Stats{
		Lanes:   len(e.lanes),
		Pending: make([]int, len(e.lanes)),
		Load:    make([]int64, len(e.lanes)),
		Running: e.IsRunning(),
	}
	for i, l := range e.lanes {
		l.mu.Lock()
		s.Pending[i] = len(l.queue)
		l.mu.Unlock()
		s.Load[i] = l.submitted.Load()
		s.Completed += l.completed.Load()
		s.Failed += l.failed.Load()
		if s.Pending[i] > s.Pending[s.Busiest] {
			s.Busiest = i
		}
	}
	return s
}

// Pending returns the number of queued, not yet started tasks across all lanes.
func (e *Executor[K]) Pending() int {
	total := 0
	for _, l := range e.lanes {
		l.mu.Lock()
		total += len(l.queue)
		l.mu.Unlock()
	}
	return total
}

// IsRunning reports whether the executor still accepts submissions.
func (e *Executor[K]) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Shutdown stops accepting submissions and waits for every queued and
// in-flight task to finish, or for ctx to be done.
//
// Shutdown is safe to call multiple times.
func (e *Executor[K]) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.running = false
		for _, l := range e.lanes {
			l.close(false)
		}
	}
	e.mu.Unlock()

	return e.wait(ctx)
}

// ShutdownNow stops accepting submissions, fails every queued task with
// ErrShutdown, cancels the context of in-flight tasks and waits for the
// lane goroutines to exit.
func (e *Executor[K]) ShutdownNow() {
	e.mu.Lock()
	e.running = false
	for _, l := range e.lanes {
		for _, t := range l.close(true) {
			l.failed.Add(1)
			t.fail(ErrShutdown)
		}
	}
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

func (e *Executor[K]) wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		return platformerrors.Wrap(ctx.Err(), platformerrors.CodeTimeout, "lane executor shutdown did not complete")
	}
}

// worker drains one lane until it is closed and empty.
func (e *Executor[K]) worker(l *lane) {
	defer e.wg.Done()

	for {
		t, ok := l.next()
		if !ok {
			return
		}
		e.execute(l, t)
	}
}

func (e *Executor[K]) execute(l *lane, t *task) {
	if err := t.ctx.Err(); err != nil {
		l.failed.Add(1)
		t.fail(err)
		return
	}

	ctx, cancel := context.WithCancel(t.ctx)
	stop := context.AfterFunc(e.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	if err := t.run(ctx); err != nil {
		l.failed.Add(1)
		return
	}
	l.completed.Add(1)
}

func (l *lane) push(t *task) {
	l.mu.Lock()
	l.queue = append(l.queue, t)
	l.mu.Unlock()
	l.submitted.Add(1)
	l.signal()
}

// next blocks until a task is available. It reports false once the lane
// is closed and its queue is drained.
func (l *lane) next() (*task, bool) {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			t := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return t, true
		}
		if l.closed {
			l.mu.Unlock()
			return nil, false
		}
		l.mu.Unlock()
		<-l.wake
	}
}

// close marks the lane closed. With drop set the queue is emptied and the
// removed tasks are returned for the caller to fail.
func (l *lane) close(drop bool) []*task {
	l.mu.Lock()
	l.closed = true
	var dropped []*task
	if drop {
		dropped = l.queue
		l.queue = nil
	}
	l.mu.Unlock()
	l.signal()
	return dropped
}

func (l *lane) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
