package cache

import (
	"context"
	"log/slog"
	"time"

	"lanecache/internal/lane"
)

// Config controls cache capacity, lane fan-out and the pluggable parts.
//
// Capacity and Lanes must be positive. Nil fields get defaults:
//   - WritePolicy: write-through
//   - Store: an unbounded MapStore without latency
//   - Eviction: an LRU of Capacity keys
//   - Hasher: lane.DefaultHasher
//   - Logger: discard
//   - Metrics: none
type Config[K comparable, V any] struct {
	Capacity    int
	Lanes       int
	WritePolicy WritePolicy[K, V]
	Store       Store[K, V]
	Eviction    EvictionPolicy[K]
	Hasher      lane.Hasher[K]
	Logger      *slog.Logger
	Metrics     *Metrics
}

// Lookup is the outcome of AccessData. Found is false when the key exists
// in neither the cache store nor the backing store.
type Lookup[V any] struct {
	Value V
	Found bool
}

// Cache is a read-through cache in front of a BackingStore with bounded
// capacity and pluggable write and eviction policies.
//
// Every operation on a key runs on the lane that key hashes to, so
// operations on one key are serialized in submission order while other
// lanes proceed. The store and eviction policy are shared across lanes and
// synchronize themselves per call; no lock is held across a backing store
// call.
//
// Ownership model:
// Cache owns its lane executor and, for write-back, the flush loop. Call
// Shutdown or ShutdownNow to stop them.
type Cache[K comparable, V any] struct {
	store    Store[K, V]
	backing  BackingStore[K, V]
	policy   WritePolicy[K, V]
	eviction EvictionPolicy[K]
	exec     *lane.Executor[K]
	logger   *slog.Logger
	metrics  *Metrics
}

// pendingReader is implemented by write policies that hold values not yet
// in the backing store. Such policies own backing deletes for their keys.
type pendingReader[K comparable, V any] interface {
	Pending(key K) (V, bool)
	Delete(ctx context.Context, key K) error
}

// closer is implemented by write policies that own background work.
type closer interface {
	Close(ctx context.Context) error
}

// New constructs a cache over backing and starts its lanes.
func New[K comparable, V any](backing BackingStore[K, V], cfg Config[K, V]) (*Cache[K, V], error) {
	if cfg.Capacity <= 0 {
		return nil, invalidConfig("capacity must be positive", "capacity", cfg.Capacity)
	}
	if cfg.Lanes <= 0 {
		return nil, invalidConfig("lane count must be positive", "lanes", cfg.Lanes)
	}
	if backing == nil {
		return nil, invalidConfig("backing store is required", "backing", nil)
	}

	c := &Cache[K, V]{
		store:    cfg.Store,
		backing:  backing,
		policy:   cfg.WritePolicy,
		eviction: cfg.Eviction,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	if c.store == nil {
		c.store = NewMapStore[K, V](0)
	}
	if c.policy == nil {
		c.policy = WriteThrough[K, V]{}
	}
	if c.eviction == nil {
		c.eviction = NewLRU[K](cfg.Capacity)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}

	c.exec = lane.New(lane.Config[K]{
		Lanes:  cfg.Lanes,
		Hasher: cfg.Hasher,
		Logger: c.logger,
	})

	return c, nil
}

// AccessData returns the value for key, serving hits from the cache store
// and filling misses from the backing store.
//
// A miss admits key into the eviction policy (evicting the least recently
// used key when full) before reading the backing store. If the read fails
// or finds nothing, the admission is rolled back.
func (c *Cache[K, V]) AccessData(ctx context.Context, key K) *lane.Future[Lookup[V]] {
	return lane.Submit(ctx, c.exec, key, func(ctx context.Context) (Lookup[V], error) {
		start := time.Now()
		res, err := c.access(ctx, key)
		c.metrics.observe("access", start, c.exec.Pending())
		return res, err
	})
}

// UpdateData writes value for key through the configured write policy and
// resolves with value once the policy succeeded.
func (c *Cache[K, V]) UpdateData(ctx context.Context, key K, value V) *lane.Future[V] {
	return lane.Submit(ctx, c.exec, key, func(ctx context.Context) (V, error) {
		start := time.Now()
		v, err := c.update(ctx, key, value)
		c.metrics.observe("update", start, c.exec.Pending())
		return v, err
	})
}

// DeleteData removes key from the backing store and then from the cache.
// It resolves with whether the cache store held key.
func (c *Cache[K, V]) DeleteData(ctx context.Context, key K) *lane.Future[bool] {
	return lane.Submit(ctx, c.exec, key, func(ctx context.Context) (bool, error) {
		start := time.Now()
		had, err := c.delete(ctx, key)
		c.metrics.observe("delete", start, c.exec.Pending())
		return had, err
	})
}

// Shutdown stops accepting operations, lets queued ones finish and then
// stops policy background work (write-back flushes what is left).
//
// If ctx ends before the lanes drain, the policy is left running so the
// remaining operations still reach the backing store. Call Shutdown again,
// or ShutdownNow, to finish.
func (c *Cache[K, V]) Shutdown(ctx context.Context) error {
	if err := c.exec.Shutdown(ctx); err != nil {
		return err
	}
	if cl, ok := c.policy.(closer); ok {
		return cl.Close(ctx)
	}
	return nil
}

// ShutdownNow fails queued operations, cancels in-flight ones and stops
// policy background work.
func (c *Cache[K, V]) ShutdownNow() error {
	c.exec.ShutdownNow()
	if cl, ok := c.policy.(closer); ok {
		return cl.Close(context.Background())
	}
	return nil
}

// Len returns the number of entries in the cache store.
func (c *Cache[K, V]) Len() int {
	return c.store.Len()
}

// Keys returns tracked keys in MRU -> LRU order when the eviction policy
// exposes them, nil otherwise.
//
// This is a debug helper used by the demo.
func (c *Cache[K, V]) Keys() []K {
	if k, ok := c.eviction.(interface{ Keys() []K }); ok {
		return k.Keys()
	}
	return nil
}

// Stats returns the lane executor's statistics.
func (c *Cache[K, V]) Stats() lane.Stats {
	return c.exec.Stats()
}

// Lane returns the lane key is routed to.
func (c *Cache[K, V]) Lane(key K) int {
	return c.exec.Lane(key)
}

func (c *Cache[K, V]) access(ctx context.Context, key K) (Lookup[V], error) {
	if v, ok := c.store.Get(key); ok {
		c.eviction.RecordAccess(key)
		c.metrics.hit()
		c.logger.Debug("cache hit", "key", key)
		return Lookup[V]{Value: v, Found: true}, nil
	}

	c.metrics.miss()
	c.logger.Debug("cache miss", "key", key)

	if pr, ok := c.policy.(pendingReader[K, V]); ok {
		if v, ok := pr.Pending(key); ok {
			c.admit(key)
			c.store.Put(key, v)
			c.settle(key)
			return Lookup[V]{Value: v, Found: true}, nil
		}
	}

	c.admit(key)

	v, found, err := c.backing.Read(ctx, key)
	if err != nil {
		c.eviction.Remove(key)
		c.metrics.backingFailure("read")
		c.logger.Warn("backing read failed", "key", key, "error", err)
		return Lookup[V]{}, backingError(ErrBackingRead, key, err)
	}
	if !found {
		c.eviction.Remove(key)
		return Lookup[V]{}, nil
	}

	c.store.Put(key, v)
	c.settle(key)
	return Lookup[V]{Value: v, Found: true}, nil
}

func (c *Cache[K, V]) update(ctx context.Context, key K, value V) (V, error) {
	cached, err := c.policy.Apply(ctx, key, value, c.store, c.backing)
	if err != nil {
		var zero V
		c.metrics.backingFailure("write")
		c.logger.Warn("write failed", "key", key, "error", err)
		return zero, err
	}

	// Admit covers both the untracked (insert, evicting if full) and the
	// tracked (move to MRU) cases. A key another lane evicted after Apply
	// is left out rather than re-admitted at the cost of an unrelated key.
	if cached && c.store.ContainsKey(key) {
		c.admit(key)
	} else {
		c.eviction.Remove(key)
	}
	c.settle(key)
	return value, nil
}

func (c *Cache[K, V]) delete(ctx context.Context, key K) (bool, error) {
	del := c.backing.Delete
	if pr, ok := c.policy.(pendingReader[K, V]); ok {
		del = pr.Delete
	}
	if err := del(ctx, key); err != nil {
		c.metrics.backingFailure("delete")
		c.logger.Warn("backing delete failed", "key", key, "error", err)
		return false, backingError(ErrBackingDelete, key, err)
	}

	_, had := c.store.Remove(key)
	c.eviction.Remove(key)
	return had, nil
}

// admit tracks key and drops the evicted victim, if any, from the store.
// The victim leaves the store while the policy is still held, so its own
// lane cannot re-admit it in between.
func (c *Cache[K, V]) admit(key K) {
	victim, evicted := c.eviction.Admit(key, func(victim K) {
		c.store.Remove(victim)
	})
	if !evicted {
		return
	}
	c.metrics.eviction()
	c.logger.Debug("evicted", "key", victim, "for", key)
}

// settle restores "tracked iff stored" for key after a lane mutation. Only
// the owning lane tracks or stores key; other lanes can only evict it, which
// untracks and removes together.
func (c *Cache[K, V]) settle(key K) {
	tracked := c.eviction.Contains(key)
	stored := c.store.ContainsKey(key)

	switch {
	case tracked && !stored:
		c.eviction.Remove(key)
	case stored && !tracked:
		c.store.Remove(key)
	}
}
