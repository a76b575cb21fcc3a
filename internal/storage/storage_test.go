package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "remindbot/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openTest(t *testing.T) (*sqliteStore, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)}
	st, err := openSQLite(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop(), WithClock(clk.Now))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, clk
}

func TestEndTimeRoundsUpToHalfSecond(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		now  time.Time
		d    time.Duration
		want time.Time
	}{
		{base, time.Minute, base.Add(time.Minute)},
		{base.Add(200 * time.Millisecond), time.Minute, base.Add(time.Minute + 500*time.Millisecond)},
		{base.Add(500 * time.Millisecond), time.Minute, base.Add(time.Minute + 500*time.Millisecond)},
		{base.Add(501 * time.Millisecond), 0, base.Add(time.Second)},
		{base.Add(999 * time.Millisecond), 0, base.Add(time.Second)},
	}
	for _, tc := range cases {
		got := endTimeFrom(tc.now, tc.d)
		if !got.Equal(tc.want) {
			t.Fatalf("endTimeFrom(%v, %v) = %v, want %v", tc.now, tc.d, got, tc.want)
		}
		if late := got.Sub(tc.now.Add(tc.d)); late < 0 || late >= 500*time.Millisecond {
			t.Fatalf("endTimeFrom(%v, %v) is %v past now+d", tc.now, tc.d, late)
		}
	}
}

func TestUpsertIndividualReplacesAcrossChannels(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()

	first, replaced, err := st.UpsertIndividual(ctx, UpsertIndividual{RecipientID: 1, Activity: "hunt", Duration: time.Minute, ChannelID: 10, Message: "hunt ready"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if replaced != nil {
		t.Fatalf("unexpected replaced row %+v", replaced)
	}
	if first.TaskKey != "1-10-hunt" {
		t.Fatalf("task key = %q", first.TaskKey)
	}

	second, replaced, err := st.UpsertIndividual(ctx, UpsertIndividual{RecipientID: 1, Activity: "hunt", Duration: 2 * time.Minute, ChannelID: 20, Message: "hunt ready"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if replaced == nil || replaced.TaskKey != first.TaskKey {
		t.Fatalf("replaced = %+v, want %q", replaced, first.TaskKey)
	}

	rows, err := st.ActiveFor(ctx, Filter{RecipientID: 1})
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(rows) != 1 || rows[0].TaskKey != second.TaskKey {
		t.Fatalf("active = %+v", rows)
	}
	if _, err := st.GetReminder(ctx, first.TaskKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old row err = %v, want ErrNotFound", err)
	}
}

func TestInsertCustomAppends(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()

	a, err := st.InsertCustom(ctx, 7, 70, "stretch", time.Minute)
	if err != nil {
		t.Fatalf("custom: %v", err)
	}
	b, err := st.InsertCustom(ctx, 7, 70, "stretch", time.Minute)
	if err != nil {
		t.Fatalf("custom: %v", err)
	}
	if a.TaskKey != "7-custom-1" || b.TaskKey != "7-custom-2" {
		t.Fatalf("keys = %q, %q", a.TaskKey, b.TaskKey)
	}
	// Custom rows do not collide with the natural unique index.
	if _, _, err := st.UpsertIndividual(ctx, UpsertIndividual{RecipientID: 7, Activity: "hunt", Duration: time.Minute, ChannelID: 70}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rows, _ := st.ActiveFor(ctx, Filter{RecipientID: 7, Activity: ActivityCustom})
	if len(rows) != 2 {
		t.Fatalf("custom rows = %d, want 2", len(rows))
	}
}

func TestDueMarkAndStale(t *testing.T) {
	st, clk := openTest(t)
	ctx := context.Background()

	r, _, err := st.UpsertIndividual(ctx, UpsertIndividual{RecipientID: 1, Activity: "hunt", Duration: 30 * time.Second, ChannelID: 10})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	g, _, err := st.UpsertGroup(ctx, UpsertGroup{GroupID: 5, Duration: 10 * time.Second, ChannelID: 50, Message: "raid"})
	if err != nil {
		t.Fatalf("upsert group: %v", err)
	}

	due, _ := st.DueIndividual(ctx, clk.Now())
	if len(due) != 0 {
		t.Fatalf("nothing should be due yet, got %d", len(due))
	}
	due, _ = st.DueIndividual(ctx, clk.Now().Add(30*time.Second))
	if len(due) != 1 || due[0].TaskKey != r.TaskKey {
		t.Fatalf("due individual = %+v", due)
	}
	dueG, _ := st.DueGroup(ctx, clk.Now().Add(10*time.Second))
	if len(dueG) != 1 || dueG[0].TaskKey != g.TaskKey {
		t.Fatalf("due group = %+v", dueG)
	}

	claimed, err := st.MarkTriggered(ctx, r.TaskKey)
	if err != nil || !claimed {
		t.Fatalf("first claim = %v, %v", claimed, err)
	}
	claimed, err = st.MarkTriggered(ctx, r.TaskKey)
	if err != nil || claimed {
		t.Fatalf("second claim = %v, %v; want false", claimed, err)
	}

	clk.Advance(5 * time.Minute)
	stale, _ := st.StalePromoted(ctx, clk.Now().Add(-2*time.Minute))
	if len(stale) != 1 || stale[0].TaskKey != r.TaskKey {
		t.Fatalf("stale = %+v", stale)
	}

	n, err := st.ResetTriggered(ctx, r.EndTime)
	if err != nil || n != 1 {
		t.Fatalf("reset = %d, %v", n, err)
	}
	got, _ := st.GetReminder(ctx, r.TaskKey)
	if got.Triggered {
		t.Fatalf("reminder still triggered after reset")
	}
}

func TestDeleteFiredRespectsReschedule(t *testing.T) {
	st, clk := openTest(t)
	ctx := context.Background()

	r, _, _ := st.UpsertIndividual(ctx, UpsertIndividual{RecipientID: 1, Activity: "hunt", Duration: time.Minute, ChannelID: 10})
	clk.Advance(10 * time.Second)
	r2, _, _ := st.UpsertIndividual(ctx, UpsertIndividual{RecipientID: 1, Activity: "hunt", Duration: time.Minute, ChannelID: 10})

	deleted, err := st.DeleteFired(ctx, r.TaskKey, r.EndTime)
	if err != nil || deleted {
		t.Fatalf("stale delete = %v, %v; want false", deleted, err)
	}
	deleted, err = st.DeleteFired(ctx, r2.TaskKey, r2.EndTime)
	if err != nil || !deleted {
		t.Fatalf("delete = %v, %v; want true", deleted, err)
	}
	if _, err := st.DeleteReminder(ctx, r2.TaskKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete missing = %v, want ErrNotFound", err)
	}
}

func TestCooldownRoundTrip(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()

	if _, err := st.GetCooldown(ctx, "hunt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	c := Cooldown{Activity: "hunt", BaseSeconds: 60, DonorAffected: true, EventReductionSlash: 25}
	if err := st.UpsertCooldown(ctx, c); err != nil {
		t.Fatalf("upsert cooldown: %v", err)
	}
	got, err := st.GetCooldown(ctx, "hunt")
	if err != nil || got != c {
		t.Fatalf("got %+v, %v", got, err)
	}
	if err := st.UpsertCooldown(ctx, Cooldown{Activity: "x", EventReductionMention: 101}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestRaidLedger(t *testing.T) {
	st, clk := openTest(t)
	ctx := context.Background()

	for i, score := range []int64{40, 10, 90} {
		if err := st.AppendRaid(ctx, RaidRecord{GroupID: 3, MemberID: int64(i + 1), Score: score}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	_ = st.AppendRaid(ctx, RaidRecord{GroupID: 4, MemberID: 9, Score: 5})
	cutoff := clk.Now().Add(time.Second)

	sum, err := st.RaidSummary(ctx, 3, cutoff)
	if err != nil || sum.Raids != 3 || sum.Total != 140 {
		t.Fatalf("summary = %+v, %v", sum, err)
	}
	top, _ := st.TopRaids(ctx, 3, cutoff, 1)
	bottom, _ := st.BottomRaids(ctx, 3, cutoff, 1)
	if len(top) != 1 || top[0].Score != 90 || len(bottom) != 1 || bottom[0].Score != 10 {
		t.Fatalf("top=%+v bottom=%+v", top, bottom)
	}

	n, err := st.PurgeRaids(ctx, cutoff)
	if err != nil || n != 4 {
		t.Fatalf("purge = %d, %v", n, err)
	}
	sum, _ = st.RaidSummary(ctx, 3, cutoff)
	if sum.Raids != 0 {
		t.Fatalf("ledger not purged: %+v", sum)
	}
}

func TestGroups(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()

	g := Group{GroupID: 3, Name: "crew", CounterCurrent: 12, CounterThreshold: 20, AlertEnabled: true, ChannelID: 30, MemberIDs: []int64{9, 2, 2}}
	if err := st.SaveGroup(ctx, g); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := st.GetGroup(ctx, 3)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.MemberIDs) != 2 || got.MemberIDs[0] != 2 || got.MemberIDs[1] != 9 {
		t.Fatalf("members = %v", got.MemberIDs)
	}
	if err := st.ResetGroupCounter(ctx, 3, 0); err != nil {
		t.Fatalf("reset: %v", err)
	}
	all, _ := st.ListGroups(ctx)
	if len(all) != 1 || all[0].CounterCurrent != 0 {
		t.Fatalf("groups = %+v", all)
	}
	if err := st.ResetGroupCounter(ctx, 99, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	big := Group{GroupID: 4}
	for i := 0; i <= MaxGroupMembers; i++ {
		big.MemberIDs = append(big.MemberIDs, int64(i+1))
	}
	if err := st.SaveGroup(ctx, big); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestPreferencesDefault(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()

	p, err := st.GetPreferences(ctx, 5)
	if err != nil || p != DefaultPreferences(5) {
		t.Fatalf("default = %+v, %v", p, err)
	}
	want := Preferences{UserID: 5, RemindersEnabled: true, MentionsSuppressed: true, DonorTier: 2}
	if err := st.SavePreferences(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	if p, _ := st.GetPreferences(ctx, 5); p != want {
		t.Fatalf("got %+v", p)
	}
}

func TestAdvanceWatermarkCAS(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 2, 18, 0, 0, 0, time.UTC)
	t1 := t0.Add(7 * 24 * time.Hour)

	ok, err := st.AdvanceWatermark(ctx, "w", time.Time{}, t0)
	if err != nil || !ok {
		t.Fatalf("init = %v, %v", ok, err)
	}
	ok, _ = st.AdvanceWatermark(ctx, "w", time.Time{}, t1)
	if ok {
		t.Fatalf("second init should lose")
	}
	ok, _ = st.AdvanceWatermark(ctx, "w", t0, t1)
	if !ok {
		t.Fatalf("advance should win")
	}
	ok, _ = st.AdvanceWatermark(ctx, "w", t0, t1)
	if ok {
		t.Fatalf("stale advance should lose")
	}
	at, found, _ := st.GetWatermark(ctx, "w")
	if !found || !at.Equal(t1) {
		t.Fatalf("watermark = %v, %v", at, found)
	}
}

func TestDedup(t *testing.T) {
	st, clk := openTest(t)
	ctx := context.Background()
	until := clk.Now().Add(time.Minute)
	if err := st.PutDedup(ctx, "k", until); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := st.GetDedup(ctx, "k")
	if err != nil || !ok || got.UnixMilli() != until.UnixMilli() {
		t.Fatalf("get = %v, %v, %v", got, ok, err)
	}
}
