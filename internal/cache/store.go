package cache

import (
	"context"
	"sync"
	"time"
)

// Store is the in-memory key/value table holding cached entries.
//
// Each call is atomic on its own; there are no multi-key transactions and
// no eviction logic. Capacity is enforced by the Cache through its
// EvictionPolicy.
type Store[K comparable, V any] interface {
	Get(key K) (V, bool)
	Put(key K, value V) (prev V, had bool)
	Remove(key K) (prev V, had bool)
	ContainsKey(key K) bool
	Len() int
}

// BackingStore is the slow, durable store the cache sits in front of.
//
// Read reports found=false for a key that does not exist; that is not an
// error. A Write that returns nil must be visible to later Reads.
// Implementations synchronize themselves.
type BackingStore[K comparable, V any] interface {
	Read(ctx context.Context, key K) (value V, found bool, err error)
	Write(ctx context.Context, key K, value V) error
	Delete(ctx context.Context, key K) error
}

// MapStore is a Store backed by a map under a RWMutex.
//
// Latency, if set, is slept outside the lock on Get and Put to model a
// cache tier that is fast relative to the backing store but not free.
type MapStore[K comparable, V any] struct {
	mu      sync.RWMutex
	items   map[K]V
	latency time.Duration
}

// NewMapStore returns an empty MapStore.
func NewMapStore[K comparable, V any](latency time.Duration) *MapStore[K, V] {
	return &MapStore[K, V]{
		items:   make(map[K]V),
		latency: latency,
	}
}

func (s *MapStore[K, V]) Get(key K) (V, bool) {
	s.pause()

	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

func (s *MapStore[K, V]) Put(key K, value V) (V, bool) {
	s.pause()

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.items[key]
	s.items[key] = value
	return prev, had
}

func (s *MapStore[K, V]) Remove(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.items[key]
	if had {
		delete(s.items, key)
	}
	return prev, had
}

func (s *MapStore[K, V]) ContainsKey(key K) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[key]
	return ok
}

func (s *MapStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *MapStore[K, V]) pause() {
	if s.latency > 0 {
		time.Sleep(s.latency)
	}
}
