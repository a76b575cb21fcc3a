// Package groupreset runs the weekly group reset.
//
// The slot (weekday, HH:MM, timezone) is compiled into a cron schedule. A
// periodic check compares the most recent slot with a persisted watermark
// and advances the watermark with a compare-and-set before doing any work.
// A repeated check within the slot minute or a second instance therefore
// never resets twice, while a check that runs late still catches up.
package groupreset
