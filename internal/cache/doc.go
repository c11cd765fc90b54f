// Package cache implements a read-through cache in front of a slow backing store.
//
// Goals for this package:
//   - Bounded capacity with O(1) LRU eviction (map + doubly-linked list)
//   - Per-key serialization without a global lock: each key is owned by one lane
//   - Pluggable write policies: write-through (default), write-around, write-back
//   - No partial state: a failed write-through leaves the cache store untouched
//   - Own and cleanly stop long-lived goroutines (no leaks on shutdown)
package cache
