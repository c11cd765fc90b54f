package cache

import "time"

// flushLoop periodically writes dirty write-back values to the backing store.
//
// A ticker keeps a single owned goroutine per policy instead of a timer per
// dirty key.
func (w *WriteBack[K, V]) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			// Errors are logged per key and retried next tick.
			_ = w.Flush(w.ctx)
		}
	}
}
