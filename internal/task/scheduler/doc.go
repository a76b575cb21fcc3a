// Package scheduler runs named periodic jobs (cron specs or fixed intervals)
// on top of robfig/cron.
//
// Each trigger runs the job inline on the cron goroutine with:
//   - a per-job (or default) timeout
//   - panic recovery
//   - overlap protection (skip while the previous run is in flight)
//   - throttled failure logging and a bounded run history
package scheduler
