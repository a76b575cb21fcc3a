// Package storage is the durable state of the reminder engine.
//
// A single SQLite database holds pending reminders, cooldown definitions,
// the append-only raid ledger, groups with their members, recipient
// preferences, named watermarks and the notifier's dedup window.
//
// Every mutation reads its row back and reports ErrInvariantViolation when
// the stored state differs from what was written.
package storage
