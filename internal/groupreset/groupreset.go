package groupreset

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc/panics"

	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	"remindbot/internal/task/scheduler"
	logx "remindbot/pkg/logx"
	"remindbot/pkg/tgui"
)

// WatermarkName is the store watermark holding the last processed slot.
const WatermarkName = "group_reset"

// JobName is the schedule name registered on the scheduler.
const JobName = "group.reset"

type Config struct {
	Weekday       time.Weekday
	Hour, Minute  int
	Location      *time.Location
	CheckEvery    time.Duration
	CatchUp       time.Duration
	FollowupAfter time.Duration
	FollowupText  string
	Praise        []string
	Roast         []string
}

// Store is the persistence subset used by the reset.
type Store interface {
	ListGroups(ctx context.Context) ([]storage.Group, error)
	ResetGroupCounter(ctx context.Context, groupID, baseline int64) error
	RaidSummary(ctx context.Context, groupID int64, before time.Time) (storage.RaidSummary, error)
	TopRaids(ctx context.Context, groupID int64, before time.Time, n int) ([]storage.RaidRecord, error)
	BottomRaids(ctx context.Context, groupID int64, before time.Time, n int) ([]storage.RaidRecord, error)
	PurgeRaids(ctx context.Context, before time.Time) (int64, error)
	GetWatermark(ctx context.Context, name string) (time.Time, bool, error)
	AdvanceWatermark(ctx context.Context, name string, from, to time.Time) (bool, error)
}

// Reminders replaces group reminders and cancels their deliveries.
type Reminders interface {
	UpsertGroup(ctx context.Context, in storage.UpsertGroup) (storage.Reminder, error)
	DeleteGroup(ctx context.Context, groupID int64) (*storage.Reminder, error)
}

// Scheduler registers the periodic check.
type Scheduler interface {
	AddInterval(name string, every, timeout time.Duration, opt scheduler.TaskOptions, job func(ctx context.Context) error) (string, error)
	Remove(name string) bool
}

// Resetter runs the weekly group reset at most once per slot.
type Resetter struct {
	cfg   Config
	slot  cron.Schedule
	store Store
	rem   Reminders
	sink  reminder.Sink
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
	pick  func(n int) int
}

func New(cfg Config, store Store, rem Reminders, sink reminder.Sink, log logx.Logger, bus eventbus.Bus) (*Resetter, error) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = time.Minute
	}
	if cfg.CatchUp <= 0 {
		cfg.CatchUp = 6 * time.Hour
	}
	if cfg.FollowupAfter <= 0 {
		cfg.FollowupAfter = 5 * time.Second
	}
	sched, err := cron.ParseStandard(scheduler.WeeklySpec(cfg.Weekday, cfg.Hour, cfg.Minute))
	if err != nil {
		return nil, fmt.Errorf("group reset slot: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resetter{
		cfg:   cfg,
		slot:  sched,
		store: store,
		rem:   rem,
		sink:  sink,
		log:   log,
		bus:   bus,
		now:   time.Now,
		pick:  rand.IntN,
	}, nil
}

// Register adds the periodic check to sched.
func (r *Resetter) Register(sched Scheduler) error {
	_, err := sched.AddInterval(JobName, r.cfg.CheckEvery, 0, scheduler.TaskOptions{RunImmediately: true}, r.Tick)
	return err
}

// LastSlot returns the most recent slot instant at or before now. The cron
// schedule evaluates in the location of its argument, which carries the
// slot timezone.
func (r *Resetter) LastSlot(now time.Time) time.Time {
	now = now.In(r.cfg.Location)
	s := r.slot.Next(now.Add(-8 * 24 * time.Hour))
	for {
		n := r.slot.Next(s)
		if n.After(now) {
			return s
		}
		s = n
	}
}

// Tick claims the latest slot through the watermark and, if this call won
// the claim, resets every group. Calling it again for the same slot is a
// no-op.
func (r *Resetter) Tick(ctx context.Context) error {
	now := r.now()
	wm, ok, err := r.store.GetWatermark(ctx, WatermarkName)
	if err != nil {
		return err
	}
	if !ok {
		// First boot: only slots after now count.
		if _, err := r.store.AdvanceWatermark(ctx, WatermarkName, time.Time{}, now); err != nil {
			return err
		}
		r.log.Info("group reset watermark initialised", logx.Time("at", now))
		return nil
	}

	slot := r.LastSlot(now)
	if !wm.Before(slot) {
		return nil
	}
	if now.Sub(slot) > r.cfg.CatchUp {
		r.log.Warn("group reset slot missed; skipping", logx.Time("slot", slot), logx.Duration("late", now.Sub(slot)))
		_, err := r.store.AdvanceWatermark(ctx, WatermarkName, wm, slot)
		return err
	}
	won, err := r.store.AdvanceWatermark(ctx, WatermarkName, wm, slot)
	if err != nil || !won {
		return err
	}
	return r.reset(ctx, slot)
}

func (r *Resetter) reset(ctx context.Context, slot time.Time) error {
	groups, err := r.store.ListGroups(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, g := range groups {
		var gerr error
		if rec := panics.Try(func() { gerr = r.resetGroup(ctx, g, slot) }); rec != nil {
			gerr = rec.AsError()
		}
		if gerr != nil {
			r.log.Error("group reset failed", logx.Int64("group", g.GroupID), logx.Err(gerr))
			errs = append(errs, fmt.Errorf("group %d: %w", g.GroupID, gerr))
			continue
		}
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{Type: eventbus.GroupReset, Time: r.now(), Key: strconv.FormatInt(g.GroupID, 10), Data: slot})
		}
	}

	purged, err := r.store.PurgeRaids(ctx, slot)
	if err != nil {
		errs = append(errs, err)
	}
	r.log.Info("weekly group reset done", logx.Time("slot", slot), logx.Int("groups", len(groups)), logx.Int64("raids_purged", purged))
	return errors.Join(errs...)
}

func (r *Resetter) resetGroup(ctx context.Context, g storage.Group, slot time.Time) error {
	if err := r.store.ResetGroupCounter(ctx, g.GroupID, 0); err != nil {
		return err
	}
	if _, err := r.rem.DeleteGroup(ctx, g.GroupID); err != nil {
		return err
	}
	if g.ChannelID == 0 {
		r.log.Debug("group has no channel; follow-up and report skipped", logx.Int64("group", g.GroupID))
		return nil
	}
	if _, err := r.rem.UpsertGroup(ctx, storage.UpsertGroup{
		GroupID:   g.GroupID,
		Duration:  r.cfg.FollowupAfter,
		ChannelID: g.ChannelID,
		Message:   r.cfg.FollowupText,
	}); err != nil {
		return err
	}

	text, err := r.report(ctx, g, slot)
	if err != nil {
		return err
	}
	if r.sink == nil {
		return nil
	}
	return r.sink.Deliver(ctx, reminder.Delivery{
		Key:       fmt.Sprintf("group-report-%d@%d", g.GroupID, slot.Unix()),
		ChannelID: g.ChannelID,
		Text:      text,
	})
}

// report renders the weekly summary of raids recorded before slot.
func (r *Resetter) report(ctx context.Context, g storage.Group, slot time.Time) (string, error) {
	sum, err := r.store.RaidSummary(ctx, g.GroupID, slot)
	if err != nil {
		return "", err
	}
	top, err := r.store.TopRaids(ctx, g.GroupID, slot, 1)
	if err != nil {
		return "", err
	}
	bottom, err := r.store.BottomRaids(ctx, g.GroupID, slot, 1)
	if err != nil {
		return "", err
	}

	name := tgui.DisplayName(g.Name, 64)
	if name == "" {
		name = "group " + strconv.FormatInt(g.GroupID, 10)
	}
	var b strings.Builder
	b.WriteString(tgui.B("Weekly report: " + name).String())
	b.WriteByte('\n')
	fmt.Fprintf(&b, "Raids: %s, total score %s\n", humanize.Comma(sum.Raids), humanize.Comma(sum.Total))
	if len(top) > 0 {
		fmt.Fprintf(&b, "Best: %s by %d\n", humanize.Comma(top[0].Score), top[0].MemberID)
	}
	if len(bottom) > 0 {
		fmt.Fprintf(&b, "Worst: %s by %d\n", humanize.Comma(bottom[0].Score), bottom[0].MemberID)
	}
	lines := r.cfg.Roast
	if sum.Raids > 0 {
		lines = r.cfg.Praise
	}
	if len(lines) > 0 {
		b.WriteString(tgui.I(lines[r.pick(len(lines))]).String())
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
