package reminder

import (
	"context"
	"errors"
	"time"

	"remindbot/internal/storage"
)

// ErrDelivery wraps every failure reported by a Sink.
var ErrDelivery = errors.New("delivery failed")

// Delivery is one composed message.
//
// Key identifies the firing (same reminders, same end time) so a sink can
// suppress a duplicate after restart recovery re-promotes delivered rows.
type Delivery struct {
	Key        string
	ChannelID  int64
	Text       string
	Mentionees []int64
}

// Sink sends composed messages to a channel.
type Sink interface {
	Deliver(ctx context.Context, d Delivery) error
}

// Preferences resolves recipient-owned settings at fire time.
type Preferences interface {
	GetPreferences(ctx context.Context, userID int64) (storage.Preferences, error)
}

// Store is the persistence subset used by the engine.
type Store interface {
	UpsertIndividual(ctx context.Context, in storage.UpsertIndividual) (storage.Reminder, *storage.Reminder, error)
	UpsertGroup(ctx context.Context, in storage.UpsertGroup) (storage.Reminder, *storage.Reminder, error)
	InsertCustom(ctx context.Context, recipientID, channelID int64, message string, d time.Duration) (storage.Reminder, error)
	GetReminder(ctx context.Context, key string) (storage.Reminder, error)
	DueIndividual(ctx context.Context, horizon time.Time) ([]storage.Reminder, error)
	DueGroup(ctx context.Context, horizon time.Time) ([]storage.Reminder, error)
	StalePromoted(ctx context.Context, olderThan time.Time) ([]storage.Reminder, error)
	ActiveFor(ctx context.Context, f storage.Filter) ([]storage.Reminder, error)
	MarkTriggered(ctx context.Context, key string) (bool, error)
	ResetTriggered(ctx context.Context, since time.Time) (int64, error)
	DeleteReminder(ctx context.Context, key string) (storage.Reminder, error)
	DeleteFired(ctx context.Context, key string, endTime time.Time) (bool, error)
	DeleteGroupReminder(ctx context.Context, groupID int64) (*storage.Reminder, error)
	GetGroup(ctx context.Context, groupID int64) (storage.Group, error)
	GetCooldown(ctx context.Context, activity string) (storage.Cooldown, error)
}

// Config holds the engine intervals. Zero intervals fall back to defaults; a
// zero Lookahead promotes only reminders that are already due.
type Config struct {
	PromoteEvery  time.Duration
	Lookahead     time.Duration
	DispatchEvery time.Duration
	JanitorEvery  time.Duration
	StaleAfter    time.Duration
	// SendTimeout bounds one fire (re-read, compose, sink call, row cleanup).
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PromoteEvery <= 0 {
		c.PromoteEvery = 10 * time.Second
	}
	if c.Lookahead < 0 {
		c.Lookahead = 0
	}
	if c.DispatchEvery <= 0 {
		c.DispatchEvery = 500 * time.Millisecond
	}
	if c.JanitorEvery <= 0 {
		c.JanitorEvery = 2 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = time.Minute
	}
	return c
}

// BatchEvent is the Data of reminder.fired / reminder.failed / reminder.cancelled events.
type BatchEvent struct {
	BatchID   string    `json:"batch_id"`
	Keys      []string  `json:"keys"`
	ChannelID int64     `json:"channel_id"`
	EndTime   time.Time `json:"end_time"`
	Error     string    `json:"error,omitempty"`
}
