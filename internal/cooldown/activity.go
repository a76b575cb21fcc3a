package cooldown

import (
	"fmt"
	"strings"

	"remindbot/internal/storage"
)

// Activity is one cooldown-bearing action.
type Activity int

const (
	ActivityUnknown Activity = iota
	Hunt
	Adventure
	Training
	Work
	Farm
	Lootbox
	Quest
	Duel
	Arena
	Dungeon
	Horse
	Daily
	Weekly
	Vote
	Custom
	Raid
)

// activityInfo is the static accessor row of one activity.
type activityInfo struct {
	name     string
	kind     storage.Kind
	coalesce bool // may share a message with other reminders due at the same instant
}

var activities = [...]activityInfo{
	ActivityUnknown: {name: "unknown"},
	Hunt:            {name: "hunt", kind: storage.KindIndividual, coalesce: true},
	Adventure:       {name: "adventure", kind: storage.KindIndividual, coalesce: true},
	Training:        {name: "training", kind: storage.KindIndividual, coalesce: true},
	Work:            {name: "work", kind: storage.KindIndividual, coalesce: true},
	Farm:            {name: "farm", kind: storage.KindIndividual, coalesce: true},
	Lootbox:         {name: "lootbox", kind: storage.KindIndividual, coalesce: true},
	Quest:           {name: "quest", kind: storage.KindIndividual, coalesce: true},
	Duel:            {name: "duel", kind: storage.KindIndividual, coalesce: true},
	Arena:           {name: "arena", kind: storage.KindIndividual, coalesce: true},
	Dungeon:         {name: "dungeon", kind: storage.KindIndividual, coalesce: true},
	Horse:           {name: "horse", kind: storage.KindIndividual, coalesce: true},
	Daily:           {name: "daily", kind: storage.KindIndividual, coalesce: true},
	Weekly:          {name: "weekly", kind: storage.KindIndividual, coalesce: true},
	Vote:            {name: "vote", kind: storage.KindIndividual, coalesce: true},
	Custom:          {name: storage.ActivityCustom, kind: storage.KindIndividual, coalesce: true},
	Raid:            {name: storage.ActivityGroup, kind: storage.KindGroup},
}

var byName = func() map[string]Activity {
	m := make(map[string]Activity, len(activities))
	for a, info := range activities {
		if Activity(a) != ActivityUnknown {
			m[info.name] = Activity(a)
		}
	}
	return m
}()

// ParseActivity resolves an activity name (case-insensitive).
func ParseActivity(name string) (Activity, error) {
	if a, ok := byName[strings.ToLower(strings.TrimSpace(name))]; ok {
		return a, nil
	}
	return ActivityUnknown, fmt.Errorf("unknown activity %q", name)
}

func (a Activity) info() activityInfo {
	if a < 0 || int(a) >= len(activities) {
		return activities[ActivityUnknown]
	}
	return activities[a]
}

func (a Activity) String() string { return a.info().name }

// Kind is the reminder kind this activity produces.
func (a Activity) Kind() storage.Kind { return a.info().kind }

// Coalesces reports whether reminders of this activity may be merged with
// others that fire at the same instant for the same recipient and channel.
func (a Activity) Coalesces() bool { return a.info().coalesce }

// HasCooldown reports whether the activity is timed by the cooldown table.
func (a Activity) HasCooldown() bool {
	return a != ActivityUnknown && a != Custom && a != Raid
}

// All returns every known activity in declaration order.
func All() []Activity {
	out := make([]Activity, 0, len(activities)-1)
	for a := range activities {
		if Activity(a) != ActivityUnknown {
			out = append(out, Activity(a))
		}
	}
	return out
}
