package logx

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	kit "remindbot/internal/transport"
)

type chatRecorder struct {
	mu   sync.Mutex
	sent []string
	to   []kit.ChatTarget
}

func (c *chatRecorder) SendText(_ context.Context, to kit.ChatTarget, text string, _ []int64, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	c.to = append(c.to, to)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (c *chatRecorder) Close(context.Context) error { return nil }

func (c *chatRecorder) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func TestAlertSinkLevelFilter(t *testing.T) {
	tests := []struct {
		name     string
		cfg      AlertConfig
		wantSent []string
	}{
		{
			name:     "default is error",
			cfg:      AlertConfig{Enabled: true, ChatID: 5, RatePerSec: 100},
			wantSent: []string{"ERROR [storage] disk full"},
		},
		{
			name:     "warn and above",
			cfg:      AlertConfig{Enabled: true, ChatID: 5, MinLevel: "warn", RatePerSec: 100},
			wantSent: []string{"WARN [storage] slow query", "ERROR [storage] disk full"},
		},
		{
			name: "disabled",
			cfg:  AlertConfig{Enabled: false, ChatID: 5, MinLevel: "debug"},
		},
		{
			name: "no chat",
			cfg:  AlertConfig{Enabled: true, MinLevel: "debug"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &chatRecorder{}
			sink := newAlertSink(rec)
			sink.configure(tt.cfg)
			defer sink.close()

			zl := zerolog.New(sink).With().Str("comp", "storage").Logger()
			zl.Debug().Msg("tick")
			zl.Info().Msg("opened")
			zl.Warn().Msg("slow query")
			zl.Error().Str("path", "/data").Msg("disk full")

			deadline := time.Now().Add(2 * time.Second)
			for len(rec.texts()) < len(tt.wantSent) && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
			time.Sleep(50 * time.Millisecond)
			got := rec.texts()
			if len(got) != len(tt.wantSent) {
				t.Fatalf("sent %q, want %d alerts", got, len(tt.wantSent))
			}
			for i, want := range tt.wantSent {
				if !strings.HasPrefix(got[i], want) {
					t.Fatalf("alert %d = %q, want prefix %q", i, got[i], want)
				}
			}
		})
	}
}

func TestAlertSinkRateLimited(t *testing.T) {
	rec := &chatRecorder{}
	sink := newAlertSink(rec)
	sink.configure(AlertConfig{Enabled: true, ChatID: 5, RatePerSec: 1})
	defer sink.close()

	zl := zerolog.New(sink)
	for i := 0; i < 5; i++ {
		zl.Error().Int("i", i).Msg("boom")
	}
	time.Sleep(200 * time.Millisecond)
	if got := rec.texts(); len(got) != 1 || !strings.Contains(got[0], "i: 0") {
		t.Fatalf("sent = %q, want only the first alert", got)
	}
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()
	got := formatAlert([]byte(`{"level":"error","comp":"notifier","time":"x","message":"send failed","chat":10,"err":"403"}` + "\n"))
	want := "ERROR [notifier] send failed\nchat: 10\nerr: 403"
	if got != want {
		t.Fatalf("formatAlert = %q, want %q", got, want)
	}
	if got := formatAlert([]byte("not json")); got != "not json" {
		t.Fatalf("raw fallback = %q", got)
	}
	long := formatAlert([]byte(strings.Repeat("x", alertMaxLen+100)))
	if len(long) != alertMaxLen || !strings.HasSuffix(long, "...") {
		t.Fatalf("clipped len = %d", len(long))
	}
}

func TestServiceForwardsOnlyAlertLevels(t *testing.T) {
	rec := &chatRecorder{}
	svc, log := New(Config{Level: "debug", Alerts: AlertConfig{Enabled: true, ChatID: 7, ThreadID: 3, RatePerSec: 10}}, rec)
	defer svc.Close()

	log = log.With(String("comp", "engine"))
	log.Info("started")
	log.Error("dispatch failed", Int("batch", 2))

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.texts()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	got := rec.texts()
	if len(got) != 1 || !strings.HasPrefix(got[0], "ERROR [engine] dispatch failed") || !strings.Contains(got[0], "batch: 2") {
		t.Fatalf("sent = %q", got)
	}
	if to := rec.to[0]; to.ChatID != 7 || to.ThreadID != 3 {
		t.Fatalf("target = %+v", to)
	}
}

func TestNewWriterLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn").With(String("comp", "test"))
	log.Info("hidden")
	log.Warn("shown", Err(nil), Int64("n", 3))
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"message":"shown"`) || !strings.Contains(out, `"n":3`) {
		t.Fatalf("output = %s", out)
	}
	if !strings.Contains(out, `"caller":"alert_test.go:`) {
		t.Fatalf("caller missing: %s", out)
	}
}
