package reminder

import (
	"context"
	"errors"
	"time"

	"github.com/sourcegraph/conc/panics"

	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// Promoter claims due reminders and hands them to the Dispatcher.
type Promoter struct {
	store     Store
	disp      *Dispatcher
	lookahead time.Duration
	log       logx.Logger
	bus       eventbus.Bus
	now       func() time.Time
}

// Tick promotes every untriggered reminder due within the lookahead window.
// A failing row is logged and skipped.
func (p *Promoter) Tick(ctx context.Context) error {
	horizon := p.now().Add(p.lookahead)
	ind, errInd := p.store.DueIndividual(ctx, horizon)
	grp, errGrp := p.store.DueGroup(ctx, horizon)
	if err := errors.Join(errInd, errGrp); err != nil {
		p.log.Warn("due query failed", logx.Err(err))
	}

	promoted := 0
	for _, r := range append(ind, grp...) {
		var ok bool
		if rec := panics.Try(func() { ok = p.promote(ctx, r) }); rec != nil {
			p.log.Error("promote panicked", logx.String("key", r.TaskKey), logx.Any("panic", rec.Value), logx.Stack(string(rec.Stack)))
			continue
		}
		if ok {
			promoted++
		}
	}
	if promoted > 0 {
		p.log.Debug("reminders promoted", logx.Int("count", promoted), logx.Time("horizon", horizon))
	}
	return errors.Join(errInd, errGrp)
}

func (p *Promoter) promote(ctx context.Context, r storage.Reminder) bool {
	claimed, err := p.store.MarkTriggered(ctx, r.TaskKey)
	if err != nil {
		p.log.Error("mark triggered failed", logx.String("key", r.TaskKey), logx.Err(err))
		return false
	}
	if !claimed {
		// Another instance, or the row was replaced since the query.
		return false
	}
	r.Triggered = true
	p.disp.Schedule(r)
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.ReminderPromoted, Time: p.now(), Key: r.TaskKey, Data: r.EndTime})
	}
	return true
}
