// Package storage persists completed task results so they survive restarts
// and can be listed by the status API.
//
// Drivers:
//   - "file": append-only JSON Lines with periodic compaction
//   - "sqlite": SQLite database file (pure Go driver)
package storage
