// Package storage is the persistence layer of the bridge.
//
// It holds:
//   - the user registry (id, display name, role)
//   - the night-time broadcast queue (FIFO, drained atomically)
//   - the audit log
//   - the keyword auto-reply table
//   - small key/value state such as the relay sync cursor
//
// Drivers: "memory" (tests, ephemeral runs), "sqlite" (modernc, pure Go) and
// "postgres" (pgx stdlib).
package storage
