// Package reminder schedules and delivers cooldown reminders.
//
// Reminders live in the store until they fire. The Promoter periodically
// claims rows that are due (or about to be) and queues them on the
// Dispatcher, which arms one delivery timer per batch. Individual reminders
// for the same recipient, channel and end time share a batch and therefore a
// single message. At fire time the task re-reads its rows and the
// recipients' preferences, composes the text, hands it to the Sink and
// deletes the rows whether or not the send succeeded.
//
// The Janitor deletes rows that were claimed but never delivered, and
// Engine.Recover returns recent claims to the queue after a restart.
// Duplicate delivery is preferred over a lost one.
package reminder
