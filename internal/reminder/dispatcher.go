package reminder

import (
	"context"
	"sync"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

type request struct {
	seq uint64
	key string
	r   storage.Reminder // zero for cancel requests
}

// registry maps live task keys (and coalescing batches) to their delivery task.
type registry struct {
	mu      sync.Mutex
	byKey   map[string]*deliveryTask
	byBatch map[batchKey]*deliveryTask
}

// Dispatcher turns promoted reminders into delivery timers.
//
// Schedule and Cancel only queue requests; Tick applies them, cancellations
// first. A cancel discards schedule requests for the same key that were
// queued before it, so a stale promotion cannot resurrect an edited reminder.
type Dispatcher struct {
	cfg   Config
	store Store
	prefs Preferences
	sink  Sink
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	imu       sync.Mutex
	seq       uint64
	cancels   []request
	schedules []request

	reg registry

	// tickMu serializes Tick and Close.
	tickMu sync.Mutex
	closed bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

func newDispatcher(cfg Config, store Store, prefs Preferences, sink Sink, log logx.Logger, bus eventbus.Bus, now func() time.Time) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:        cfg,
		store:      store,
		prefs:      prefs,
		sink:       sink,
		log:        log,
		bus:        bus,
		now:        now,
		reg:        registry{byKey: map[string]*deliveryTask{}, byBatch: map[batchKey]*deliveryTask{}},
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Schedule queues a promoted reminder for the next tick.
func (d *Dispatcher) Schedule(r storage.Reminder) {
	d.imu.Lock()
	d.seq++
	d.schedules = append(d.schedules, request{seq: d.seq, key: r.TaskKey, r: r})
	d.imu.Unlock()
}

// Cancel queues a cancellation for key. Cancelling a key that already fired
// or was never scheduled is a no-op.
func (d *Dispatcher) Cancel(key string) {
	if key == "" {
		return
	}
	d.imu.Lock()
	d.seq++
	d.cancels = append(d.cancels, request{seq: d.seq, key: key})
	d.imu.Unlock()
}

// Live reports whether key belongs to a pending or firing delivery.
func (d *Dispatcher) Live(key string) bool {
	d.reg.mu.Lock()
	_, ok := d.reg.byKey[key]
	d.reg.mu.Unlock()
	return ok
}

// Len returns the number of live task keys.
func (d *Dispatcher) Len() int {
	d.reg.mu.Lock()
	n := len(d.reg.byKey)
	d.reg.mu.Unlock()
	return n
}

// Tick drains both intakes.
func (d *Dispatcher) Tick(context.Context) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()
	if d.closed {
		return
	}

	d.imu.Lock()
	cancels, schedules := d.cancels, d.schedules
	d.cancels, d.schedules = nil, nil
	d.imu.Unlock()

	cancelSeq := make(map[string]uint64, len(cancels))
	for _, c := range cancels {
		cancelSeq[c.key] = max(cancelSeq[c.key], c.seq)
		d.cancelLive(c.key)
	}

	// Last schedule request per key wins; earlier ones and those preceding a
	// cancel are dropped.
	latest := make(map[string]request, len(schedules))
	order := make([]string, 0, len(schedules))
	for _, s := range schedules {
		if cs, ok := cancelSeq[s.key]; ok && s.seq < cs {
			d.log.Debug("dropping schedule superseded by cancel", logx.String("key", s.key))
			continue
		}
		if _, seen := latest[s.key]; !seen {
			order = append(order, s.key)
		}
		latest[s.key] = s
	}

	now := d.now()
	var fresh []*deliveryTask
	batches := map[batchKey]*deliveryTask{}
	d.reg.mu.Lock()
	for _, key := range order {
		r := latest[key].r
		if prev, ok := d.reg.byKey[key]; ok {
			prev.remove(key)
			delete(d.reg.byKey, key)
			if d.reg.byBatch[prev.batch] == prev && prev.isCancelled() {
				delete(d.reg.byBatch, prev.batch)
			}
		}
		bk := batchKeyOf(r)
		if t, ok := batches[bk]; ok && t.add(r) {
			d.reg.byKey[key] = t
			continue
		}
		// Join a batch armed on an earlier tick if it has not fired yet.
		if t, ok := d.reg.byBatch[bk]; ok && t.add(r) {
			d.reg.byKey[key] = t
			continue
		}
		t := newDeliveryTask(d, r)
		batches[bk] = t
		d.reg.byBatch[bk] = t
		d.reg.byKey[key] = t
		fresh = append(fresh, t)
	}
	d.reg.mu.Unlock()

	for _, t := range fresh {
		t.start(now)
		d.publish(eventbus.ReminderScheduled, t.batchFirstKey(), BatchEvent{BatchID: t.id, ChannelID: t.channel, EndTime: t.endTime})
	}
}

func (d *Dispatcher) cancelLive(key string) {
	d.reg.mu.Lock()
	t, ok := d.reg.byKey[key]
	removed := false
	if ok && t.remove(key) {
		delete(d.reg.byKey, key)
		removed = true
		if d.reg.byBatch[t.batch] == t && t.isCancelled() {
			delete(d.reg.byBatch, t.batch)
		}
	}
	d.reg.mu.Unlock()
	if removed {
		d.log.Debug("reminder cancelled", logx.String("key", key), logx.String("batch", t.id))
		d.publish(eventbus.ReminderCancelled, key, BatchEvent{BatchID: t.id, Keys: []string{key}, ChannelID: t.channel, EndTime: t.endTime})
	}
}

// evict removes a fired task from the registry. Keys that were rescheduled
// onto another task in the meantime are left alone.
func (d *Dispatcher) evict(t *deliveryTask, members []storage.Reminder) {
	d.reg.mu.Lock()
	for _, m := range members {
		if d.reg.byKey[m.TaskKey] == t {
			delete(d.reg.byKey, m.TaskKey)
		}
	}
	if d.reg.byBatch[t.batch] == t {
		delete(d.reg.byBatch, t.batch)
	}
	d.reg.mu.Unlock()
}

// Close stops every pending timer and waits for in-flight fires until ctx
// expires, then aborts them. Pending rows stay promoted in the store and are
// picked up again by restart recovery.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.tickMu.Lock()
	if d.closed {
		d.tickMu.Unlock()
		return nil
	}
	d.closed = true
	d.tickMu.Unlock()

	d.reg.mu.Lock()
	for key, t := range d.reg.byKey {
		t.cancel()
		delete(d.reg.byKey, key)
	}
	clear(d.reg.byBatch)
	d.reg.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	defer d.baseCancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.baseCancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) preferences(ctx context.Context, userID int64) storage.Preferences {
	if d.prefs == nil {
		return storage.DefaultPreferences(userID)
	}
	p, err := d.prefs.GetPreferences(ctx, userID)
	if err != nil {
		d.log.Warn("preferences lookup failed; using defaults", logx.Int64("user", userID), logx.Err(err))
		return storage.DefaultPreferences(userID)
	}
	return p
}

func (d *Dispatcher) publish(typ, key string, data any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.now(), Key: key, Data: data})
}

func (t *deliveryTask) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == taskCancelled
}

func (t *deliveryTask) batchFirstKey() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	first := ""
	for k := range t.members {
		if first == "" || k < first {
			first = k
		}
	}
	return first
}
