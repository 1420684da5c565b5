// Package storage persists findings and plugin descriptors.
//
// Drivers:
//   - "memory": bounded in-process store (default, lost on exit)
//   - "file": JSON Lines journal for findings plus an atomic plugin snapshot
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// Writes from the scan path are fire-and-forget: callers never wait on them
// while holding a scan slot.
package storage
