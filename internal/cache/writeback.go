package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// WriteBack updates the cache store immediately and defers the backing
// store write. Dirty values are flushed by a background loop every
// flushEvery, by Flush, and by Close.
//
// Dirty values stay readable through Pending until flushed, so a miss on
// an evicted dirty key never reads an older value from the backing store.
// A failed flush keeps the value dirty for the next round.
type WriteBack[K comparable, V any] struct {
	backing    BackingStore[K, V]
	flushEvery time.Duration
	logger     *slog.Logger

	mu    sync.Mutex
	dirty map[K]dirtyValue[V]
	seq   uint64

	// flushMu serializes flush rounds from the loop, Flush and Close with
	// deletes.
	flushMu sync.Mutex

	// Goroutine ownership.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

type dirtyValue[V any] struct {
	value V
	seq   uint64
}

// NewWriteBack returns a write-back policy flushing into backing.
// flushEvery <= 0 disables the background loop; Flush and Close still work.
func NewWriteBack[K comparable, V any](backing BackingStore[K, V], flushEvery time.Duration, logger *slog.Logger) *WriteBack[K, V] {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())

	w := &WriteBack[K, V]{
		backing:    backing,
		flushEvery: flushEvery,
		logger:     logger,
		dirty:      make(map[K]dirtyValue[V]),
		ctx:        ctx,
		cancel:     cancel,
	}

	if flushEvery > 0 {
		w.wg.Add(1)
		go w.flushLoop()
	}

	return w
}

func (w *WriteBack[K, V]) Apply(_ context.Context, key K, value V, store Store[K, V], _ BackingStore[K, V]) (bool, error) {
	store.Put(key, value)

	w.mu.Lock()
	w.seq++
	w.dirty[key] = dirtyValue[V]{value: value, seq: w.seq}
	w.mu.Unlock()
	return true, nil
}

// Pending returns the unflushed value for key, if any.
func (w *WriteBack[K, V]) Pending(key K) (V, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.dirty[key]
	return d.value, ok
}

// Delete removes key from the backing store and, once that succeeded, drops
// its unflushed value. It excludes flush rounds, so a flush cannot write the
// old value back after the delete. On failure the value stays dirty.
func (w *WriteBack[K, V]) Delete(ctx context.Context, key K) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	if err := w.backing.Delete(ctx, key); err != nil {
		return err
	}

	w.mu.Lock()
	delete(w.dirty, key)
	w.mu.Unlock()
	return nil
}

// Dirty returns the number of unflushed values.
func (w *WriteBack[K, V]) Dirty() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirty)
}

// Flush writes every dirty value to the backing store. Values written again
// while the flush runs stay dirty.
func (w *WriteBack[K, V]) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	snapshot := make(map[K]dirtyValue[V], len(w.dirty))
	for k, d := range w.dirty {
		snapshot[k] = d
	}
	w.mu.Unlock()

	var errs []error
	for key, d := range snapshot {
		if err := w.backing.Write(ctx, key, d.value); err != nil {
			w.logger.Warn("write-back flush failed", "key", key, "error", err)
			errs = append(errs, backingError(ErrBackingWrite, key, err))
			continue
		}

		w.mu.Lock()
		if cur, ok := w.dirty[key]; ok && cur.seq == d.seq {
			delete(w.dirty, key)
		}
		w.mu.Unlock()
	}

	if len(snapshot) > 0 {
		w.logger.Debug("write-back flush", "entries", len(snapshot), "failed", len(errs))
	}
	return errors.Join(errs...)
}

// Close stops the flush loop and flushes what is left.
//
// Close is safe to call multiple times.
func (w *WriteBack[K, V]) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	return w.Flush(ctx)
}
