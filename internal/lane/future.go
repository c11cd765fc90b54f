package lane

import (
	"context"
	"sync"
)

// Future is the single-assignment result of a task submitted to an Executor.
//
// A Future moves from pending to exactly one of completed or failed. After
// that it can be read any number of times from any goroutine.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Failed returns a Future that has already failed with err.
func Failed[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.complete(zero, err)
	return f
}

// complete performs the terminal transition. Later calls are ignored and
// report false.
func (f *Future[T]) complete(value T, err error) bool {
	won := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		won = true
		close(f.done)
	})
	return won
}

// Done is closed once the future has a result.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the result is available or ctx is done.
//
// A ctx error only abandons the wait; the task itself keeps its place in
// the lane.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Poll returns the result without blocking. done is false while the task is
// still queued or running.
func (f *Future[T]) Poll() (value T, done bool, err error) {
	select {
	case <-f.done:
		return f.value, true, f.err
	default:
		var zero T
		return zero, false, nil
	}
}
