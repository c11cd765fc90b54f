package cache

import (
	"container/list"
	"sync"
)

// EvictionPolicy tracks key recency and picks eviction victims.
//
// Lanes call into the policy concurrently for different keys, so every
// method must be individually atomic.
type EvictionPolicy[K comparable] interface {
	// RecordInsertion starts tracking key as most recently used. A tracked
	// key is moved to most recently used.
	RecordInsertion(key K)
	// RecordAccess marks a tracked key as most recently used. Untracked keys
	// are ignored.
	RecordAccess(key K)
	// HasCapacity reports whether another key can be tracked without eviction.
	HasCapacity() bool
	// EvictionCandidate stops tracking and returns the least recently used key.
	EvictionCandidate() (K, bool)

	// Admit tracks key as most recently used, evicting the least recently
	// used key first if the policy is full and key is new. It is the atomic
	// form of HasCapacity + EvictionCandidate + RecordInsertion. onEvict,
	// if non-nil, runs for the victim before Admit releases the policy.
	Admit(key K, onEvict func(victim K)) (victim K, evicted bool)
	// Remove stops tracking key.
	Remove(key K) bool
	Contains(key K) bool
	Len() int
}

// LRU is a least-recently-used EvictionPolicy.
//
// A map gives O(1) key lookup, and a doubly-linked list maintains recency
// ordering: Front = most recently used, Back = least recently used. Keys
// inserted without an intervening access leave in insertion order.
type LRU[K comparable] struct {
	mu       sync.Mutex
	capacity int
	items    map[K]*list.Element
	order    *list.List
}

// NewLRU returns an LRU tracking at most capacity keys. capacity must be
// positive.
func NewLRU[K comparable](capacity int) *LRU[K] {
	return &LRU[K]{
		capacity: capacity,
		items:    make(map[K]*list.Element, capacity),
		order:    list.New(),
	}
}

func (l *LRU[K]) RecordInsertion(key K) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.insertLocked(key)
}

func (l *LRU[K]) RecordAccess(key K) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.items[key]; ok {
		l.order.MoveToFront(el)
	}
}

func (l *LRU[K]) HasCapacity() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items) < l.capacity
}

func (l *LRU[K]) EvictionCandidate() (K, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evictLocked()
}

func (l *LRU[K]) Admit(key K, onEvict func(victim K)) (K, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var victim K
	evicted := false
	if _, tracked := l.items[key]; !tracked && len(l.items) >= l.capacity {
		victim, evicted = l.evictLocked()
		if evicted && onEvict != nil {
			onEvict(victim)
		}
	}
	l.insertLocked(key)
	return victim, evicted
}

func (l *LRU[K]) Remove(key K) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.items[key]
	if !ok {
		return false
	}
	delete(l.items, key)
	l.order.Remove(el)
	return true
}

func (l *LRU[K]) Contains(key K) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.items[key]
	return ok
}

func (l *LRU[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Keys returns tracked keys in MRU -> LRU order.
func (l *LRU[K]) Keys() []K {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]K, 0, l.order.Len())
	for el := l.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(K))
	}
	return out
}

func (l *LRU[K]) insertLocked(key K) {
	if el, ok := l.items[key]; ok {
		l.order.MoveToFront(el)
		return
	}
	l.items[key] = l.order.PushFront(key)
}

func (l *LRU[K]) evictLocked() (K, bool) {
	el := l.order.Back()
	if el == nil {
		var zero K
		return zero, false
	}
	key := el.Value.(K)
	l.order.Remove(el)
	delete(l.items, key)
	return key, true
}
