package storage

import (
	"time"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Kind distinguishes reminders addressed to a user from those addressed to a group.
type Kind string

const (
	KindIndividual Kind = "individual"
	KindGroup      Kind = "group"
)

// Activity names used for rows that are not tied to a cooldown activity.
const (
	ActivityCustom = "custom"
	ActivityGroup  = "group"
)

// MaxGroupMembers bounds Group.MemberIDs.
const MaxGroupMembers = 50

// Reminder is one pending notification.
type Reminder struct {
	TaskKey     string
	Kind        Kind
	RecipientID int64
	ChannelID   int64
	Activity    string
	Message     string
	EndTime     time.Time // UTC, whole seconds
	Triggered   bool
	CustomSeq   int64 // 0 for non-custom reminders
	CreatedAt   time.Time
}

func (r Reminder) IsCustom() bool { return r.CustomSeq > 0 }

// UpsertIndividual describes a cooldown reminder for one user.
type UpsertIndividual struct {
	RecipientID int64
	Activity    string
	Duration    time.Duration
	ChannelID   int64
	Message     string
}

// UpsertGroup describes the single group reminder of a group.
type UpsertGroup struct {
	GroupID   int64
	Duration  time.Duration
	ChannelID int64
	Message   string
}

// Filter selects active reminders. Zero fields match everything.
type Filter struct {
	Kind        Kind
	RecipientID int64
	Activity    string
}

// Cooldown is the configured recovery period of one activity.
type Cooldown struct {
	Activity              string
	BaseSeconds           int64
	DonorAffected         bool
	EventReductionSlash   float64 // percent, 0..100
	EventReductionMention float64 // percent, 0..100
}

// RaidRecord is one append-only ledger entry.
type RaidRecord struct {
	GroupID  int64
	MemberID int64
	Score    int64
	At       time.Time
}

// RaidSummary aggregates a group's ledger.
type RaidSummary struct {
	Raids int64
	Total int64
}

type Group struct {
	GroupID          int64
	Name             string
	CounterCurrent   int64
	CounterThreshold int64
	AlertEnabled     bool
	ChannelID        int64
	MemberIDs        []int64 // sorted ascending
}

// Preferences are recipient-owned settings read at delivery time.
type Preferences struct {
	UserID             int64
	RemindersEnabled   bool
	MentionsSuppressed bool
	DonorTier          int
}

// DefaultPreferences is what a user without a stored row gets.
func DefaultPreferences(userID int64) Preferences {
	return Preferences{UserID: userID, RemindersEnabled: true}
}
