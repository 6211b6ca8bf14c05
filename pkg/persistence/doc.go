// Package persistence bridges the in-memory session registry to a durable
// store.
//
// Invariants:
// - Snapshots are serialized when Persist is called, never later.
// - Writes for the same session are issued to the store in call order.
// - A failed write is never retried beyond the configured attempts and never
//   rolls back in-memory state; it is logged, counted and dead-lettered.
package persistence
