package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"remindbot/internal/eventbus"
	logx "remindbot/pkg/logx"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestRunImmediatelyAndHistory(t *testing.T) {
	s := New(Config{HistorySize: 4}, logx.Nop(), nil)
	var runs atomic.Int32
	if _, err := s.AddInterval("tick", time.Hour, 0, TaskOptions{RunImmediately: true}, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())

	waitFor(t, 3*time.Second, func() bool { return runs.Load() == 1 })
	snap := s.Snapshot()
	if !snap.Running || len(snap.Schedules) != 1 || snap.Schedules[0].Spread != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	waitFor(t, time.Second, func() bool { return len(s.Snapshot().History) == 1 })
}

func TestPanicIsIsolatedAndPublished(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(JobFailed, 4)
	defer unsub()

	s := New(Config{}, logx.Nop(), bus)
	_, _ = s.AddInterval("boom", time.Hour, 0, TaskOptions{RunImmediately: true}, func(ctx context.Context) error {
		panic("kaboom")
	})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case e := <-events:
		if e.Key != "boom" {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no failure event")
	}
	hist := s.Snapshot().History
	if len(hist) != 1 || hist[0].Error == "" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestAddReplacesByNameAndRemove(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	job := func(ctx context.Context) error { return nil }
	_, _ = s.AddInterval("a", time.Minute, 0, TaskOptions{}, job)
	_, _ = s.AddInterval("a", 2*time.Minute, 0, TaskOptions{}, job)
	if n := len(s.Snapshot().Schedules); n != 1 {
		t.Fatalf("schedules = %d, want 1", n)
	}
	if _, err := s.AddCron("bad", "not a spec", 0, TaskOptions{}, job); err == nil {
		t.Fatalf("expected parse error")
	}
	if !s.Remove("a") || s.Remove("a") {
		t.Fatalf("Remove should succeed once")
	}
}

func TestWeeklySpec(t *testing.T) {
	t.Parallel()
	spec := WeeklySpec(time.Sunday, 18, 30)
	if spec != "30 18 * * 0" {
		t.Fatalf("spec = %q", spec)
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	from := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC) // Monday
	next := sched.Next(from)
	want := time.Date(2025, 3, 9, 18, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestStartupSpreadBounded(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		sched, jitter := makeIntervalScheduleWithSpread(10*time.Second, now, "x")
		if jitter < 0 || jitter >= 10*time.Second {
			t.Fatalf("jitter out of range: %v", jitter)
		}
		if got := sched.Next(now); !got.Equal(now.Add(jitter)) {
			t.Fatalf("first run = %v, want %v", got, now.Add(jitter))
		}
	}
}

func TestApplyTimezoneWhileJobRuns(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	started := make(chan struct{}, 1)
	_, _ = s.AddInterval("slow", time.Hour, 0, TaskOptions{RunImmediately: true}, func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatalf("job did not start")
	}

	done := make(chan struct{})
	go func() {
		s.Apply(Config{Timezone: "Asia/Jakarta"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Apply blocked while a job was running")
	}

	snap := s.Snapshot()
	if !snap.Running || len(snap.Schedules) != 1 {
		t.Fatalf("snapshot after restart = %+v", snap)
	}
	if _, err := time.LoadLocation("Asia/Jakarta"); err == nil && snap.Timezone != "Asia/Jakarta" {
		t.Fatalf("timezone = %q", snap.Timezone)
	}
	if len(snap.History) == 0 {
		t.Fatalf("running job was not recorded before restart")
	}
}
