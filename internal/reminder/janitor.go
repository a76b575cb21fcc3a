package reminder

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/panics"

	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// Janitor deletes reminders that were promoted but never delivered, which
// happens when the process dies between claim and schedule.
type Janitor struct {
	store      Store
	disp       *Dispatcher
	staleAfter time.Duration
	log        logx.Logger
	bus        eventbus.Bus
	now        func() time.Time
}

// Tick returns the number of reclaimed reminders.
func (j *Janitor) Tick(ctx context.Context) (int, error) {
	stale, err := j.store.StalePromoted(ctx, j.now().Add(-j.staleAfter))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range stale {
		if j.disp.Live(r.TaskKey) {
			continue
		}
		var ok bool
		if rec := panics.Try(func() { ok = j.reclaim(ctx, r) }); rec != nil {
			j.log.Error("reclaim panicked", logx.String("key", r.TaskKey), logx.Any("panic", rec.Value), logx.Stack(string(rec.Stack)))
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (j *Janitor) reclaim(ctx context.Context, r storage.Reminder) bool {
	// DeleteFired only matches the stale end time, so a concurrent upsert wins.
	deleted, err := j.store.DeleteFired(ctx, r.TaskKey, r.EndTime)
	if err != nil {
		j.log.Error("reclaim delete failed", logx.String("key", r.TaskKey), logx.Err(err))
		return false
	}
	if !deleted {
		return false
	}
	j.log.Error("internal error: reminder reclaimed",
		logx.String("key", r.TaskKey),
		logx.String("kind", string(r.Kind)),
		logx.Int64("recipient", r.RecipientID),
		logx.Time("end_time", r.EndTime),
	)
	if j.bus != nil {
		j.bus.Publish(eventbus.Event{Type: eventbus.ReminderReclaimed, Time: j.now(), Key: r.TaskKey, Data: r.EndTime})
	}
	return true
}
