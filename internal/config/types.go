package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	// Scheduler controls the cron-backed periodic job runner.
	Scheduler SchedulerConfig `json:"scheduler"`

	Reminders  RemindersConfig   `json:"reminders"`
	Notifier   *NotifierConfig   `json:"notifier,omitempty"`
	Cooldowns  []CooldownConfig  `json:"cooldowns,omitempty"`
	GroupReset *GroupResetConfig `json:"group_reset,omitempty"`
}

// NotifierConfig controls the outbound delivery pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier uses its defaults.
type NotifierConfig struct {
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./remindbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type TelegramConfig struct {
	Token string `json:"token"`
	// RequestTimeout is a Go duration string (e.g. "10s", "2m").
	RequestTimeout string `json:"request_timeout"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards high-severity log records to an operator chat.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the periodic job runner.
type SchedulerConfig struct {
	// DefaultTimeout bounds a single job run. "0s" disables it.
	DefaultTimeout string `json:"default_timeout"`
	HistorySize    int    `json:"history_size"`

	// Trigger timezone.
	Timezone string `json:"timezone,omitempty"`
}

// RemindersConfig controls the promote/dispatch/janitor loops.
//
// Defaults (when fields are omitted/zero):
//   - promote_every: "10s"
//   - lookahead: "15s"
//   - dispatch_every: "500ms"
//   - janitor_every: "2m"
//   - stale_after: "2m"
type RemindersConfig struct {
	PromoteEvery  string `json:"promote_every"`
	Lookahead     string `json:"lookahead"`
	DispatchEvery string `json:"dispatch_every"`
	JanitorEvery  string `json:"janitor_every"`
	StaleAfter    string `json:"stale_after"`
}

// CooldownConfig seeds one row of the cooldown table.
type CooldownConfig struct {
	Activity              string  `json:"activity"`
	BaseSeconds           int64   `json:"base_seconds"`
	DonorAffected         bool    `json:"donor_affected"`
	EventReductionSlash   float64 `json:"event_reduction_slash"`
	EventReductionMention float64 `json:"event_reduction_mention"`
}

// GroupResetConfig describes the weekly group reset slot.
//
// Example:
//
//	group_reset:
//	  weekday: sunday
//	  at: "18:00"
//	  timezone: UTC
type GroupResetConfig struct {
	Enabled       bool     `json:"enabled"`
	Weekday       string   `json:"weekday"`
	At            string   `json:"at"`
	Timezone      string   `json:"timezone,omitempty"`
	CheckEvery    string   `json:"check_every,omitempty"`
	CatchUp       string   `json:"catch_up,omitempty"`
	FollowupAfter string   `json:"followup_after,omitempty"`
	FollowupText  string   `json:"followup_text,omitempty"`
	Praise        []string `json:"praise,omitempty"`
	Roast         []string `json:"roast,omitempty"`
}
