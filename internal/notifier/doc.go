// Package notifier delivers composed reminder messages to a chat transport.
//
// Deliveries are synchronous: the caller (a delivery timer or the weekly
// reset job) blocks until the message is sent, suppressed as a duplicate, or
// retries are exhausted. Sends are paced by a token bucket shared by all
// callers and retried with exponential backoff unless the transport reports
// a permanent failure.
//
// # Dedup
//
// A delivery key seen within the dedup window is dropped silently. The
// window is kept in memory and, when a store is attached, mirrored to the
// dedup table so a restart that re-promotes already delivered reminders does
// not send them twice.
package notifier
