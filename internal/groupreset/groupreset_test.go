package groupreset

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// Sunday 2025-03-09 18:30 UTC.
var slot = time.Date(2025, 3, 9, 18, 30, 0, 0, time.UTC)

type fakeSink struct {
	mu  sync.Mutex
	got []reminder.Delivery
}

func (s *fakeSink) Deliver(_ context.Context, d reminder.Delivery) error {
	s.mu.Lock()
	s.got = append(s.got, d)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) all() []reminder.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reminder.Delivery(nil), s.got...)
}

type fixture struct {
	r    *Resetter
	st   storage.Store
	sink *fakeSink
	now  time.Time
}

func (f *fixture) at(t time.Time) { f.now = t }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: slot.Add(10 * time.Second), sink: &fakeSink{}}
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "g.db")}, logx.Nop(), storage.WithClock(func() time.Time { return f.now }))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	eng := reminder.NewEngine(reminder.Config{}, st, st, f.sink, logx.Nop(), nil)
	t.Cleanup(func() {
		_ = eng.Stop(context.Background())
		_ = st.Close()
	})

	r, err := New(Config{
		Weekday:      time.Sunday,
		Hour:         18,
		Minute:       30,
		FollowupText: "weak raid",
		Praise:       []string{"well played"},
		Roast:        []string{"did you even try"},
	}, st, reminder.NewService(eng, st), f.sink, logx.Nop(), eventbus.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.now = func() time.Time { return f.now }
	r.pick = func(int) int { return 0 }
	f.r, f.st = r, st
	return f
}

func TestLastSlot(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cases := []struct {
		now  time.Time
		want time.Time
	}{
		{slot, slot},
		{slot.Add(-time.Second), slot.AddDate(0, 0, -7)},
		{time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC), slot},
		{slot.AddDate(0, 0, 7).Add(time.Minute), slot.AddDate(0, 0, 7)},
	}
	for _, tc := range cases {
		if got := f.r.LastSlot(tc.now); !got.Equal(tc.want) {
			t.Fatalf("LastSlot(%v) = %v, want %v", tc.now, got, tc.want)
		}
	}

	// The slot is wall-clock time in the configured zone.
	wib := time.FixedZone("WIB", 7*3600)
	r, err := New(Config{Weekday: time.Sunday, Hour: 18, Minute: 30, Location: wib}, f.st, nil, nil, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := time.Date(2025, 3, 9, 11, 30, 0, 0, time.UTC)
	if got := r.LastSlot(slot); !got.Equal(want) {
		t.Fatalf("LastSlot in WIB = %v, want %v", got.UTC(), want)
	}
}

func TestFirstBootInitialisesWatermark(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	if err := f.st.SaveGroup(ctx, storage.Group{GroupID: 1, CounterCurrent: 9, ChannelID: 100}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := f.r.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	wm, ok, err := f.st.GetWatermark(ctx, WatermarkName)
	if err != nil || !ok || !wm.Equal(f.now.Truncate(time.Millisecond)) {
		t.Fatalf("watermark = %v %v %v", wm, ok, err)
	}
	g, _ := f.st.GetGroup(ctx, 1)
	if g.CounterCurrent != 9 || len(f.sink.all()) != 0 {
		t.Fatalf("reset ran on first boot: %+v", g)
	}
}

func TestTickResetsOnceWithinSlotMinute(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(f.st.SaveGroup(ctx, storage.Group{GroupID: 1, Name: "Night <Owls>", CounterCurrent: 12, CounterThreshold: 50, AlertEnabled: true, ChannelID: 100, MemberIDs: []int64{5, 6, 7}}))
	must(f.st.SaveGroup(ctx, storage.Group{GroupID: 2, CounterCurrent: 3}))
	must(f.st.AppendRaid(ctx, storage.RaidRecord{GroupID: 1, MemberID: 5, Score: 100, At: slot.Add(-time.Hour)}))
	must(f.st.AppendRaid(ctx, storage.RaidRecord{GroupID: 1, MemberID: 6, Score: 2500, At: slot.Add(-2 * time.Hour)}))
	must(f.st.AppendRaid(ctx, storage.RaidRecord{GroupID: 1, MemberID: 7, Score: 10, At: slot.Add(-3 * time.Hour)}))
	// A stale group reminder for the channel-less group is removed.
	if _, _, err := f.st.UpsertGroup(ctx, storage.UpsertGroup{GroupID: 2, Duration: time.Hour, Message: "old"}); err != nil {
		t.Fatal(err)
	}
	// Last week's slot was processed.
	_, err := f.st.AdvanceWatermark(ctx, WatermarkName, time.Time{}, slot.AddDate(0, 0, -7))
	must(err)

	must(f.r.Tick(ctx))

	g1, _ := f.st.GetGroup(ctx, 1)
	g2, _ := f.st.GetGroup(ctx, 2)
	if g1.CounterCurrent != 0 || g2.CounterCurrent != 0 {
		t.Fatalf("counters = %d, %d", g1.CounterCurrent, g2.CounterCurrent)
	}
	rows, err := f.st.ActiveFor(ctx, storage.Filter{Kind: storage.KindGroup})
	must(err)
	if len(rows) != 1 || rows[0].RecipientID != 1 || rows[0].Message != "weak raid" || !rows[0].EndTime.Equal(f.now.Add(5*time.Second)) {
		t.Fatalf("group reminders = %+v", rows)
	}
	got := f.sink.all()
	if len(got) != 1 || got[0].ChannelID != 100 {
		t.Fatalf("reports = %+v", got)
	}
	for _, want := range []string{"Night &lt;Owls&gt;", "Raids: 3, total score 2,610", "Best: 2,500 by 6", "Worst: 10 by 7", "well played"} {
		if !strings.Contains(got[0].Text, want) {
			t.Fatalf("report %q missing %q", got[0].Text, want)
		}
	}
	if sum, _ := f.st.RaidSummary(ctx, 1, slot.AddDate(1, 0, 0)); sum.Raids != 0 {
		t.Fatalf("ledger not purged: %+v", sum)
	}

	// Second check in the same minute: nothing happens, new raids survive.
	must(f.st.AppendRaid(ctx, storage.RaidRecord{GroupID: 1, MemberID: 5, Score: 1, At: slot.Add(20 * time.Second)}))
	must(f.st.ResetGroupCounter(ctx, 1, 4))
	f.at(slot.Add(40 * time.Second))
	must(f.r.Tick(ctx))

	g1, _ = f.st.GetGroup(ctx, 1)
	if g1.CounterCurrent != 4 {
		t.Fatalf("counter reset twice: %d", g1.CounterCurrent)
	}
	if n := len(f.sink.all()); n != 1 {
		t.Fatalf("reports = %d, want 1", n)
	}
	if sum, _ := f.st.RaidSummary(ctx, 1, slot.AddDate(1, 0, 0)); sum.Raids != 1 {
		t.Fatalf("ledger purged twice: %+v", sum)
	}
	rows, _ = f.st.ActiveFor(ctx, storage.Filter{Kind: storage.KindGroup})
	if len(rows) != 1 {
		t.Fatalf("group reminders = %d, want 1", len(rows))
	}
}

func TestLateCheckCatchesUp(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		late  time.Duration
		reset bool
	}{
		{"skipped minute", 3 * time.Minute, true},
		{"within catch up", 5 * time.Hour, true},
		{"beyond catch up", 7 * time.Hour, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			_ = f.st.SaveGroup(ctx, storage.Group{GroupID: 1, CounterCurrent: 8})
			_, _ = f.st.AdvanceWatermark(ctx, WatermarkName, time.Time{}, slot.AddDate(0, 0, -7))

			f.at(slot.Add(tc.late))
			if err := f.r.Tick(ctx); err != nil {
				t.Fatalf("Tick: %v", err)
			}
			g, _ := f.st.GetGroup(ctx, 1)
			if got := g.CounterCurrent == 0; got != tc.reset {
				t.Fatalf("reset = %v, want %v", got, tc.reset)
			}
			wm, _, _ := f.st.GetWatermark(ctx, WatermarkName)
			if !wm.Equal(slot) {
				t.Fatalf("watermark = %v, want %v", wm, slot)
			}
		})
	}
}

func TestChannelLessGroupSkipIsLogged(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	var buf bytes.Buffer
	f.r.log = logx.NewWriter(&buf, "debug")
	ctx := context.Background()
	if err := f.st.SaveGroup(ctx, storage.Group{GroupID: 3, Name: "drifters", CounterCurrent: 5}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.st.AdvanceWatermark(ctx, WatermarkName, time.Time{}, slot.AddDate(0, 0, -7)); err != nil {
		t.Fatal(err)
	}

	if err := f.r.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if g, _ := f.st.GetGroup(ctx, 3); g.CounterCurrent != 0 {
		t.Fatalf("counter = %d, want 0", g.CounterCurrent)
	}
	if rows, _ := f.st.ActiveFor(ctx, storage.Filter{Kind: storage.KindGroup}); len(rows) != 0 {
		t.Fatalf("follow-up created without a channel: %+v", rows)
	}
	out := buf.String()
	if !strings.Contains(out, "follow-up and report skipped") || !strings.Contains(out, `"group":3`) {
		t.Fatalf("skip not logged: %s", out)
	}
}
