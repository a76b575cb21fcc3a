package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"remindbot/internal/cooldown"
	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
	"remindbot/pkg/tgui"
)

type taskState int

const (
	taskPending taskState = iota
	taskFiring
	taskDone
	taskCancelled
)

// batchKey groups individual reminders that expire together for the same
// recipient in the same channel. Group reminders and non-coalescing
// activities get a key of their own.
type batchKey struct {
	recipient int64
	channel   int64
	endMS     int64
	solo      string
}

func batchKeyOf(r storage.Reminder) batchKey {
	if r.Kind == storage.KindGroup || !coalesces(r.Activity) {
		return batchKey{solo: r.TaskKey}
	}
	return batchKey{recipient: r.RecipientID, channel: r.ChannelID, endMS: r.EndTime.UnixMilli()}
}

func coalesces(activity string) bool {
	a, err := cooldown.ParseActivity(activity)
	if err != nil {
		// Unknown activities still belong to a recipient's cooldown set.
		return true
	}
	return a.Coalesces()
}

// deliveryTask is one pending message: a timer plus the reminders it will
// deliver. Members may be removed until the timer fires; after that the
// member set is frozen.
type deliveryTask struct {
	id    string
	d     *Dispatcher
	batch batchKey

	kind      storage.Kind
	recipient int64
	channel   int64
	endTime   time.Time

	mu      sync.Mutex
	state   taskState
	members map[string]storage.Reminder
	timer   *time.Timer
	done    chan struct{}
}

func newDeliveryTask(d *Dispatcher, first storage.Reminder) *deliveryTask {
	return &deliveryTask{
		id:        uuid.NewString(),
		d:         d,
		batch:     batchKeyOf(first),
		kind:      first.Kind,
		recipient: first.RecipientID,
		channel:   first.ChannelID,
		endTime:   first.EndTime,
		members:   map[string]storage.Reminder{first.TaskKey: first},
		done:      make(chan struct{}),
	}
}

// start arms the timer. wait <= 0 fires immediately.
func (t *deliveryTask) start(now time.Time) {
	wait := max(t.endTime.Sub(now), 0)
	t.d.wg.Add(1)
	t.mu.Lock()
	t.timer = time.AfterFunc(wait, t.fire)
	t.mu.Unlock()
}

// add joins r to a task that has not fired yet.
func (t *deliveryTask) add(r storage.Reminder) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != taskPending {
		return false
	}
	t.members[r.TaskKey] = r
	return true
}

// remove drops key from a pending task. The timer is stopped when the last
// member leaves. It reports whether key was removed.
func (t *deliveryTask) remove(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != taskPending {
		return false
	}
	if _, ok := t.members[key]; !ok {
		return false
	}
	delete(t.members, key)
	if len(t.members) == 0 {
		t.stopLocked()
	}
	return true
}

// cancel stops a pending task outright.
func (t *deliveryTask) cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != taskPending {
		return false
	}
	t.stopLocked()
	return true
}

func (t *deliveryTask) stopLocked() {
	t.state = taskCancelled
	if t.timer != nil && t.timer.Stop() {
		// The timer func will never run; release its slot here.
		t.d.wg.Done()
	}
	close(t.done)
}

func (t *deliveryTask) fire() {
	defer t.d.wg.Done()

	t.mu.Lock()
	if t.state != taskPending {
		t.mu.Unlock()
		return
	}
	t.state = taskFiring
	members := make([]storage.Reminder, 0, len(t.members))
	for _, r := range t.members {
		members = append(members, r)
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(t.d.baseCtx, t.d.cfg.SendTimeout)
	err := t.deliver(ctx, members)
	t.cleanup(ctx, members)
	cancel()

	t.d.evict(t, members)

	t.mu.Lock()
	t.state = taskDone
	close(t.done)
	t.mu.Unlock()

	ev := BatchEvent{BatchID: t.id, Keys: keysOf(members), ChannelID: t.channel, EndTime: t.endTime}
	if err != nil {
		ev.Error = err.Error()
		t.d.log.Warn("delivery failed", logx.String("batch", t.id), logx.Any("keys", ev.Keys), logx.Err(err))
		t.d.publish(eventbus.ReminderFailed, ev.Keys[0], ev)
		return
	}
	t.d.publish(eventbus.ReminderFired, ev.Keys[0], ev)
}

// deliver re-reads the rows, resolves preferences and hands the composed
// text to the sink. Members whose row vanished or moved to a new end time
// are skipped.
func (t *deliveryTask) deliver(ctx context.Context, members []storage.Reminder) error {
	d := t.d
	live := make([]storage.Reminder, 0, len(members))
	for _, m := range members {
		row, err := d.store.GetReminder(ctx, m.TaskKey)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			d.log.Warn("fire re-read failed; using promoted row", logx.String("key", m.TaskKey), logx.Err(err))
			row = m
		}
		if !row.EndTime.Equal(m.EndTime) {
			continue
		}
		live = append(live, row)
	}
	if len(live) == 0 {
		return nil
	}
	sortForMessage(live)

	var mentionees []int64
	switch t.kind {
	case storage.KindGroup:
		g, err := d.store.GetGroup(ctx, t.recipient)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			d.log.Warn("group lookup failed; sending without mentions", logx.Int64("group", t.recipient), logx.Err(err))
		case !g.AlertEnabled:
			d.log.Debug("group alerts disabled; skipping", logx.Int64("group", t.recipient))
			return nil
		default:
			for _, id := range g.MemberIDs {
				p := d.preferences(ctx, id)
				if p.RemindersEnabled && !p.MentionsSuppressed {
					mentionees = append(mentionees, id)
				}
			}
		}
	default:
		p := d.preferences(ctx, t.recipient)
		if !p.RemindersEnabled {
			d.log.Debug("reminders disabled by recipient", logx.Int64("recipient", t.recipient))
			return nil
		}
		if !p.MentionsSuppressed {
			mentionees = []int64{t.recipient}
		}
	}

	return d.sink.Deliver(ctx, Delivery{
		Key:        deliveryKey(live),
		ChannelID:  t.channel,
		Text:       compose(live),
		Mentionees: mentionees,
	})
}

// cleanup deletes the fired rows. Rows rescheduled since promotion keep
// their new end time and survive.
func (t *deliveryTask) cleanup(ctx context.Context, members []storage.Reminder) {
	for _, m := range members {
		if _, err := t.d.store.DeleteFired(ctx, m.TaskKey, m.EndTime); err != nil {
			t.d.log.Error("delete fired reminder failed", logx.String("key", m.TaskKey), logx.Err(err))
		}
	}
}

// sortForMessage orders rows by activity, then custom sequence. Custom
// reminders go last.
func sortForMessage(rs []storage.Reminder) {
	rank := func(r storage.Reminder) int {
		if r.IsCustom() {
			return int(cooldown.Raid) + 1
		}
		a, err := cooldown.ParseActivity(r.Activity)
		if err != nil {
			return int(cooldown.Raid) + 2
		}
		return int(a)
	}
	sort.SliceStable(rs, func(i, j int) bool {
		ri, rj := rank(rs[i]), rank(rs[j])
		if ri != rj {
			return ri < rj
		}
		if rs[i].CustomSeq != rs[j].CustomSeq {
			return rs[i].CustomSeq < rs[j].CustomSeq
		}
		return rs[i].TaskKey < rs[j].TaskKey
	})
}

// compose renders the message body for HTML parse mode. Messages are user
// or config text, so every line is escaped.
func compose(rs []storage.Reminder) string {
	lines := make([]tgui.H, 0, len(rs))
	for _, r := range rs {
		if msg := strings.TrimSpace(r.Message); msg != "" {
			lines = append(lines, tgui.Esc(msg))
		}
	}
	return tgui.JoinH("\n", lines...).String()
}

func deliveryKey(rs []storage.Reminder) string {
	keys := keysOf(rs)
	sort.Strings(keys)
	return fmt.Sprintf("%s@%d", strings.Join(keys, ","), rs[0].EndTime.UnixMilli())
}

func keysOf(rs []storage.Reminder) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.TaskKey
	}
	return out
}
