// Package storage persists per-sender conversation history and the audit log
// of coalesced flushes.
//
// Drivers:
//   - "sqlite": a single SQLite file (modernc.org/sqlite, no cgo)
//   - "memory": process-local, for tests and ephemeral runs
//
// An empty driver or "none" disables storage; Open then returns a nil Store.
package storage
