package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "remindbot/internal/transport"
)

const (
	alertQueueSize   = 256
	alertSendTimeout = 10 * time.Second
	alertMaxLen      = 3500
	alertMaxValueLen = 600
)

type alert struct {
	to   kit.ChatTarget
	text string
}

// alertSink is a zerolog.LevelWriter that forwards records to a chat. It
// never blocks the caller: records are dropped when the rate limit is hit
// or the queue is full.
type alertSink struct {
	sender kit.Adapter
	queue  chan alert

	mu      sync.Mutex
	on      bool
	to      kit.ChatTarget
	min     zerolog.Level
	limiter *rate.Limiter

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func newAlertSink(sender kit.Adapter) *alertSink {
	ctx, cancel := context.WithCancel(context.Background())
	return &alertSink{sender: sender, queue: make(chan alert, alertQueueSize), ctx: ctx, cancel: cancel}
}

// configure swaps the alert settings. The sender goroutine starts the
// first time alerts are enabled.
func (a *alertSink) configure(cfg AlertConfig) {
	rps := max(1, cfg.RatePerSec)
	a.mu.Lock()
	a.on = cfg.Enabled
	a.to = kit.ChatTarget{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}
	a.min = parseLevel(cfg.MinLevel, zerolog.ErrorLevel)
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	a.mu.Unlock()

	if cfg.Enabled {
		a.startOnce.Do(func() {
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.run()
			}()
		})
	}
}

func (a *alertSink) Write(p []byte) (int, error) { return a.WriteLevel(zerolog.NoLevel, p) }

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	on, to, floor, lim := a.on, a.to, a.min, a.limiter
	a.mu.Unlock()

	if !on || to.ChatID == 0 || level < floor || level == zerolog.NoLevel || !lim.Allow() {
		return len(p), nil
	}
	text := formatAlert(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case a.queue <- alert{to: to, text: text}:
	default:
	}
	return len(p), nil
}

func (a *alertSink) run() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case it := <-a.queue:
			ctx, cancel := context.WithTimeout(a.ctx, alertSendTimeout)
			// Plain text: record values are not HTML.
			_, _ = a.sender.SendText(ctx, it.to, it.text, nil, &kit.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

func (a *alertSink) close() {
	a.stopOnce.Do(func() {
		a.cancel()
		a.wg.Wait()
	})
}

// formatAlert turns one JSON record into "LEVEL [comp] message" followed by
// one "key: value" line per remaining field, sorted by key.
func formatAlert(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var rec map[string]any
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return clip(raw, alertMaxLen)
	}

	var b strings.Builder
	if lvl, _ := rec["level"].(string); lvl != "" {
		b.WriteString(strings.ToUpper(lvl))
		b.WriteByte(' ')
	}
	if comp, _ := rec["comp"].(string); comp != "" {
		b.WriteString("[" + comp + "] ")
	}
	msg, _ := rec[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(rec))
	for k := range rec {
		switch k {
		case zerolog.TimestampFieldName, "level", "comp", zerolog.MessageFieldName:
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, clip(fmt.Sprint(rec[k]), alertMaxValueLen))
	}
	return clip(b.String(), alertMaxLen)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
