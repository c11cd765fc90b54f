package backing

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is an in-process BackingStore with configurable latency and fault
// injection. It stands in for a slow database in the demo and in tests.
type Memory[K comparable, V any] struct {
	mu      sync.RWMutex
	items   map[K]V
	latency time.Duration

	readErr  atomic.Pointer[error]
	writeErr atomic.Pointer[error]

	reads  atomic.Int64
	writes atomic.Int64
}

// NewMemory returns an empty store that sleeps latency on every Read,
// Write and Delete.
func NewMemory[K comparable, V any](latency time.Duration) *Memory[K, V] {
	return &Memory[K, V]{
		items:   make(map[K]V),
		latency: latency,
	}
}

// Seed stores value without latency or fault injection.
func (m *Memory[K, V]) Seed(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
}

// Peek returns the stored value without latency, fault injection or
// counting a read.
func (m *Memory[K, V]) Peek(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok
}

// FailReads makes every Read return err until called with nil.
func (m *Memory[K, V]) FailReads(err error) {
	m.readErr.Store(errPtr(err))
}

// FailWrites makes every Write and Delete return err until called with nil.
func (m *Memory[K, V]) FailWrites(err error) {
	m.writeErr.Store(errPtr(err))
}

// Reads returns the number of Read calls, including failed ones.
func (m *Memory[K, V]) Reads() int64 { return m.reads.Load() }

// Writes returns the number of Write calls, including failed ones.
func (m *Memory[K, V]) Writes() int64 { return m.writes.Load() }

func (m *Memory[K, V]) Read(ctx context.Context, key K) (V, bool, error) {
	m.reads.Add(1)
	var zero V
	if err := m.wait(ctx); err != nil {
		return zero, false, err
	}
	if p := m.readErr.Load(); p != nil {
		return zero, false, *p
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *Memory[K, V]) Write(ctx context.Context, key K, value V) error {
	m.writes.Add(1)
	if err := m.wait(ctx); err != nil {
		return err
	}
	if p := m.writeErr.Load(); p != nil {
		return *p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *Memory[K, V]) Delete(ctx context.Context, key K) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	if p := m.writeErr.Load(); p != nil {
		return *p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// wait sleeps the configured latency unless ctx is done first.
func (m *Memory[K, V]) wait(ctx context.Context) error {
	if m.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.latency)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errPtr(err error) *error {
	if err == nil {
		return nil
	}
	return &err
}
