package app

import (
	"fmt"
	"strings"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/groupreset"
	"remindbot/internal/notifier"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	"remindbot/internal/task/scheduler"
	logx "remindbot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "sqlite3" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = "./remindbot.db"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			ChatID:     cfg.Logging.Alerts.ChatID,
			ThreadID:   cfg.Logging.Alerts.ThreadID,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.ParseDurationOrDefault("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	history := cfg.Scheduler.HistorySize
	if history <= 0 {
		history = 200
	}
	return scheduler.Config{
		DefaultTimeout: timeout,
		HistorySize:    history,
		Timezone:       cfg.Scheduler.Timezone,
	}, nil
}

// mapNotifierConfig falls back to three retries and a ten minute dedup
// window when the section is omitted.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc == nil {
		return notifier.Config{RetryMax: 3, DedupWindow: 10 * time.Minute}, nil
	}
	out := notifier.Config{
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		DedupMaxEntries: nc.DedupMaxEntries,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", nc.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationField("notifier.send_timeout", nc.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, 10*time.Minute); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

// mapReminderConfig resolves the engine timings. A fire must outlast the
// notifier's whole retry budget, so SendTimeout is derived from it.
// Zero notifier fields take the notifier's own defaults.
func mapReminderConfig(cfg *config.Config, nc notifier.Config) (reminder.Config, error) {
	t, err := cfg.Reminders.Timings()
	if err != nil {
		return reminder.Config{}, err
	}
	send, wait := nc.SendTimeout, nc.RetryMaxDelay
	if send <= 0 {
		send = 10 * time.Second
	}
	if wait <= 0 {
		wait = 10 * time.Second
	}
	retries := time.Duration(max(nc.RetryMax, 0))
	return reminder.Config{
		PromoteEvery:  t.PromoteEvery,
		Lookahead:     t.Lookahead,
		DispatchEvery: t.DispatchEvery,
		JanitorEvery:  t.JanitorEvery,
		StaleAfter:    t.StaleAfter,
		SendTimeout:   send*(retries+1) + wait*retries,
	}, nil
}

func mapCooldowns(cfg *config.Config) []storage.Cooldown {
	out := make([]storage.Cooldown, 0, len(cfg.Cooldowns))
	for _, c := range cfg.Cooldowns {
		out = append(out, storage.Cooldown{
			Activity:              strings.TrimSpace(c.Activity),
			BaseSeconds:           c.BaseSeconds,
			DonorAffected:         c.DonorAffected,
			EventReductionSlash:   c.EventReductionSlash,
			EventReductionMention: c.EventReductionMention,
		})
	}
	return out
}

// mapGroupResetConfig reports false when the weekly reset is disabled.
func mapGroupResetConfig(cfg *config.Config) (groupreset.Config, bool, error) {
	gr := cfg.GroupReset
	if gr == nil || !gr.Enabled {
		return groupreset.Config{}, false, nil
	}
	wd, err := config.ParseWeekday(gr.Weekday)
	if err != nil {
		return groupreset.Config{}, false, fmt.Errorf("group_reset.weekday: %w", err)
	}
	h, m, err := config.ParseClock(gr.At)
	if err != nil {
		return groupreset.Config{}, false, fmt.Errorf("group_reset.at: %w", err)
	}
	loc, err := config.LoadLocation(gr.Timezone)
	if err != nil {
		return groupreset.Config{}, false, fmt.Errorf("group_reset.timezone: %w", err)
	}
	out := groupreset.Config{
		Weekday:      wd,
		Hour:         h,
		Minute:       m,
		Location:     loc,
		FollowupText: gr.FollowupText,
		Praise:       gr.Praise,
		Roast:        gr.Roast,
	}
	if out.CheckEvery, err = config.ParseDurationField("group_reset.check_every", gr.CheckEvery); err != nil {
		return groupreset.Config{}, false, err
	}
	if out.CatchUp, err = config.ParseDurationField("group_reset.catch_up", gr.CatchUp); err != nil {
		return groupreset.Config{}, false, err
	}
	if out.FollowupAfter, err = config.ParseDurationField("group_reset.followup_after", gr.FollowupAfter); err != nil {
		return groupreset.Config{}, false, err
	}
	return out, true, nil
}
