// Package storage persists the publish queue, the dead letter queue,
// the operator audit trail and notifier dedup state.
//
// Drivers:
//   - "sqlite": embedded database file (default)
//   - "postgres": networked database via lib/pq
//   - "file": JSON snapshot + audit journal; an empty path keeps everything in memory
package storage
