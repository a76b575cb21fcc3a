package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ReminderTimings is the resolved form of RemindersConfig.
type ReminderTimings struct {
	PromoteEvery  time.Duration
	Lookahead     time.Duration
	DispatchEvery time.Duration
	JanitorEvery  time.Duration
	StaleAfter    time.Duration
}

// Timings resolves duration strings, applying defaults for omitted fields.
func (r RemindersConfig) Timings() (ReminderTimings, error) {
	var (
		t   ReminderTimings
		err error
	)
	if t.PromoteEvery, err = ParseDurationOrDefault("reminders.promote_every", r.PromoteEvery, 10*time.Second); err != nil {
		return t, err
	}
	if t.Lookahead, err = ParseDurationOrDefault("reminders.lookahead", r.Lookahead, 15*time.Second); err != nil {
		return t, err
	}
	if t.DispatchEvery, err = ParseDurationOrDefault("reminders.dispatch_every", r.DispatchEvery, 500*time.Millisecond); err != nil {
		return t, err
	}
	if t.JanitorEvery, err = ParseDurationOrDefault("reminders.janitor_every", r.JanitorEvery, 2*time.Minute); err != nil {
		return t, err
	}
	if t.StaleAfter, err = ParseDurationOrDefault("reminders.stale_after", r.StaleAfter, 2*time.Minute); err != nil {
		return t, err
	}
	if t.PromoteEvery < time.Second {
		return t, errors.New("reminders.promote_every: must be >= 1s")
	}
	if t.JanitorEvery < time.Second {
		return t, errors.New("reminders.janitor_every: must be >= 1s")
	}
	return t, nil
}

// ParseWeekday accepts full or three-letter English weekday names.
func ParseWeekday(raw string) (time.Weekday, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", raw)
}

// ParseClock parses "HH:MM" (24h).
func ParseClock(raw string) (hour, minute int, err error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q (want HH:MM)", raw)
	}
	hour, err = strconv.Atoi(hs)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", raw)
	}
	minute, err = strconv.Atoi(ms)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", raw)
	}
	return hour, minute, nil
}

// LoadLocation resolves a timezone name; empty means UTC.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

// Validate checks everything that can be checked without opening resources.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if _, err := ParseDurationField("telegram.request_timeout", cfg.Telegram.RequestTimeout); err != nil {
		errs = append(errs, err)
	}
	if a := cfg.Logging.Alerts; a.Enabled && a.ChatID == 0 {
		errs = append(errs, errors.New("logging.alerts.chat_id: required when alerts are enabled"))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported driver %q", d))
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	if _, err := ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := LoadLocation(cfg.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}

	if _, err := cfg.Reminders.Timings(); err != nil {
		errs = append(errs, err)
	}

	if n := cfg.Notifier; n != nil {
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.send_timeout":    n.SendTimeout,
			"notifier.dedup_window":    n.DedupWindow,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				errs = append(errs, err)
			}
		}
		if n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
			errs = append(errs, errors.New("notifier: numeric fields must be >= 0"))
		}
	}

	seen := make(map[string]struct{}, len(cfg.Cooldowns))
	for i, c := range cfg.Cooldowns {
		path := fmt.Sprintf("cooldowns[%d]", i)
		name := strings.TrimSpace(c.Activity)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.activity: required", path))
			continue
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("%s.activity: duplicate %q", path, name))
		}
		seen[name] = struct{}{}
		if c.BaseSeconds <= 0 {
			errs = append(errs, fmt.Errorf("%s.base_seconds: must be > 0", path))
		}
		if c.EventReductionSlash < 0 || c.EventReductionSlash > 100 ||
			c.EventReductionMention < 0 || c.EventReductionMention > 100 {
			errs = append(errs, fmt.Errorf("%s: event reductions must be within 0..100", path))
		}
	}

	if gr := cfg.GroupReset; gr != nil && gr.Enabled {
		if _, err := ParseWeekday(gr.Weekday); err != nil {
			errs = append(errs, fmt.Errorf("group_reset.weekday: %w", err))
		}
		if _, _, err := ParseClock(gr.At); err != nil {
			errs = append(errs, fmt.Errorf("group_reset.at: %w", err))
		}
		if _, err := LoadLocation(gr.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("group_reset.timezone: %w", err))
		}
		for path, raw := range map[string]string{
			"group_reset.check_every":    gr.CheckEvery,
			"group_reset.catch_up":       gr.CatchUp,
			"group_reset.followup_after": gr.FollowupAfter,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}
