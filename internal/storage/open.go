package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "remindbot/pkg/logx"
)

// Store is the persistence API used by the reminder engine and group reset.
type Store interface {
	// Reminders
	UpsertIndividual(ctx context.Context, in UpsertIndividual) (Reminder, *Reminder, error)
	UpsertGroup(ctx context.Context, in UpsertGroup) (Reminder, *Reminder, error)
	InsertCustom(ctx context.Context, recipientID, channelID int64, message string, d time.Duration) (Reminder, error)
	GetReminder(ctx context.Context, key string) (Reminder, error)
	DueIndividual(ctx context.Context, horizon time.Time) ([]Reminder, error)
	DueGroup(ctx context.Context, horizon time.Time) ([]Reminder, error)
	StalePromoted(ctx context.Context, olderThan time.Time) ([]Reminder, error)
	ActiveFor(ctx context.Context, f Filter) ([]Reminder, error)
	MarkTriggered(ctx context.Context, key string) (bool, error)
	ResetTriggered(ctx context.Context, since time.Time) (int64, error)
	DeleteReminder(ctx context.Context, key string) (Reminder, error)
	DeleteFired(ctx context.Context, key string, endTime time.Time) (bool, error)
	DeleteGroupReminder(ctx context.Context, groupID int64) (*Reminder, error)

	// Cooldowns
	UpsertCooldown(ctx context.Context, c Cooldown) error
	GetCooldown(ctx context.Context, activity string) (Cooldown, error)

	// Raid ledger
	AppendRaid(ctx context.Context, r RaidRecord) error
	RaidSummary(ctx context.Context, groupID int64, before time.Time) (RaidSummary, error)
	TopRaids(ctx context.Context, groupID int64, before time.Time, n int) ([]RaidRecord, error)
	BottomRaids(ctx context.Context, groupID int64, before time.Time, n int) ([]RaidRecord, error)
	PurgeRaids(ctx context.Context, before time.Time) (int64, error)

	// Groups
	SaveGroup(ctx context.Context, g Group) error
	GetGroup(ctx context.Context, groupID int64) (Group, error)
	ListGroups(ctx context.Context) ([]Group, error)
	ResetGroupCounter(ctx context.Context, groupID, baseline int64) error

	// Preferences
	GetPreferences(ctx context.Context, userID int64) (Preferences, error)
	SavePreferences(ctx context.Context, p Preferences) error

	// Watermarks
	GetWatermark(ctx context.Context, name string) (time.Time, bool, error)
	AdvanceWatermark(ctx context.Context, name string, from, to time.Time) (bool, error)

	// Notifier dedup state
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Option tweaks a store at open time.
type Option func(*sqliteStore)

// WithClock overrides the wall clock used to compute end times.
func WithClock(now func() time.Time) Option {
	return func(s *sqliteStore) {
		if now != nil {
			s.now = now
		}
	}
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger, opts ...Option) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log, opts...)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
