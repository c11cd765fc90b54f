// Package backing provides BackingStore implementations for the cache:
// an in-memory store with simulated latency and fault injection, and a
// durable store on a billy filesystem.
package backing
