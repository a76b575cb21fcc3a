package notifier

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type sent struct {
	to       kit.ChatTarget
	text     string
	mentions []int64
	opt      *kit.SendOptions
}

type fakeAdapter struct {
	mu    sync.Mutex
	calls int
	fails int // first n calls fail
	err   error
	sent  []sent
}

func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, mentions []int64, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls <= a.fails {
		return kit.MessageRef{}, a.err
	}
	a.sent = append(a.sent, sent{to: to, text: text, mentions: mentions, opt: opt})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: a.calls}, nil
}

func (a *fakeAdapter) Close(context.Context) error { return nil }

func (a *fakeAdapter) stats() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls, len(a.sent)
}

func fastConfig() Config {
	return Config{RatePerSec: 1000, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond, DedupWindow: time.Minute}
}

func TestDeliverRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{fails: 2, err: errors.New("timeout")}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(EventSent, 1)
	defer unsub()

	s := New(fastConfig(), ad, logx.Nop(), bus, nil)
	err := s.Deliver(context.Background(), reminder.Delivery{Key: "k1", ChannelID: 10, Text: "hunt ready", Mentionees: []int64{1}})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	calls, n := ad.stats()
	if calls != 3 || n != 1 {
		t.Fatalf("calls=%d sent=%d", calls, n)
	}
	got := ad.sent[0]
	if got.to.ChatID != 10 || got.text != "hunt ready" || len(got.mentions) != 1 || got.opt == nil || got.opt.ParseMode != "HTML" {
		t.Fatalf("sent = %+v", got)
	}
	select {
	case e := <-events:
		if ev, ok := e.Data.(NotificationEvent); !ok || ev.Attempts != 3 {
			t.Fatalf("event = %+v", e)
		}
	default:
		t.Fatalf("no sent event")
	}
}

func TestDeliverStopsOnPermanentError(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{fails: 10, err: fmt.Errorf("chat not found: %w", kit.ErrPermanent)}
	s := New(fastConfig(), ad, logx.Nop(), nil, nil)

	err := s.Deliver(context.Background(), reminder.Delivery{Key: "k", ChannelID: 1, Text: "x"})
	if !errors.Is(err, reminder.ErrDelivery) || !errors.Is(err, kit.ErrPermanent) {
		t.Fatalf("err = %v", err)
	}
	if calls, _ := ad.stats(); calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDeliverGivesUpAfterRetryMax(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{fails: 100, err: errors.New("flaky")}
	cfg := fastConfig()
	cfg.RetryMax = 2
	s := New(cfg, ad, logx.Nop(), nil, nil)

	if err := s.Deliver(context.Background(), reminder.Delivery{Key: "k", ChannelID: 1, Text: "x"}); !errors.Is(err, reminder.ErrDelivery) {
		t.Fatalf("err = %v", err)
	}
	if calls, _ := ad.stats(); calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	// A failed key is not suppressed.
	ad.mu.Lock()
	ad.fails = 0
	ad.mu.Unlock()
	if err := s.Deliver(context.Background(), reminder.Delivery{Key: "k", ChannelID: 1, Text: "x"}); err != nil {
		t.Fatalf("second Deliver: %v", err)
	}
	if h := s.Snapshot(); len(h) != 2 || h[0].Error == "" || h[1].Error != "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestDedupSuppressesRepeatAcrossRestart(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "n.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	d := reminder.Delivery{Key: "1-10-hunt@1700000000", ChannelID: 10, Text: "hunt ready"}
	ad := &fakeAdapter{}
	first := New(fastConfig(), ad, logx.Nop(), nil, st)
	for i := 0; i < 2; i++ {
		if err := first.Deliver(context.Background(), d); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	}
	if _, n := ad.stats(); n != 1 {
		t.Fatalf("sent = %d, want 1", n)
	}

	// A new service over the same store remembers the window.
	second := New(fastConfig(), ad, logx.Nop(), nil, st)
	if err := second.Deliver(context.Background(), d); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if _, n := ad.stats(); n != 1 {
		t.Fatalf("sent after restart = %d, want 1", n)
	}

	// Empty keys are never deduplicated.
	d.Key = ""
	_ = second.Deliver(context.Background(), d)
	_ = second.Deliver(context.Background(), d)
	if _, n := ad.stats(); n != 3 {
		t.Fatalf("sent = %d, want 3", n)
	}
}

func TestDedupCapEvictsEarliest(t *testing.T) {
	t.Parallel()
	s := New(Config{DedupWindow: time.Minute, DedupMaxEntries: 2}, &fakeAdapter{}, logx.Nop(), nil, nil)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, k := range []string{"a", "b", "c"} {
		s.now = func() time.Time { return base.Add(time.Duration(i) * time.Second) }
		if !s.dedupAllow(context.Background(), k, time.Minute, 2) {
			t.Fatalf("%s suppressed", k)
		}
	}
	if _, ok := s.dedup["a"]; ok || len(s.dedup) != 2 {
		t.Fatalf("dedup = %v", s.dedup)
	}
}

func TestDeliverWithoutAdapter(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop(), nil, nil)
	if err := s.Deliver(context.Background(), reminder.Delivery{Text: "x"}); !errors.Is(err, ErrNoAdapter) {
		t.Fatalf("err = %v", err)
	}
}
