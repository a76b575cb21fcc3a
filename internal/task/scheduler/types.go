package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"remindbot/internal/eventbus"
	logx "remindbot/pkg/logx"
)

// Config controls the periodic job runner.
type Config struct {
	// DefaultTimeout bounds a job run when the job sets no timeout. 0 disables it.
	DefaultTimeout time.Duration
	HistorySize    int
	Timezone       string // IANA TZ, e.g. "Asia/Jakarta"
}

type OverlapPolicy int

const (
	// OverlapSkipIfRunning drops a trigger while the previous run is still going.
	OverlapSkipIfRunning OverlapPolicy = iota
	OverlapAllow
)

// TaskOptions tunes one schedule.
type TaskOptions struct {
	Overlap OverlapPolicy
	// RunImmediately fires an interval job right after Start instead of after
	// a randomized startup spread.
	RunImmediately bool
}

type scheduleDef struct {
	id            string
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           func(ctx context.Context) error
	entryID       cron.EntryID
	startupSpread time.Duration
	opt           TaskOptions
}

// Service triggers named jobs on cron or interval schedules and runs them with
// a timeout, panic recovery and overlap protection.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// runCtx is canceled by Stop so in-flight jobs observe shutdown.
	runCtx    context.Context
	runCancel context.CancelFunc

	// Failure log throttling: key is schedule name.
	failMu       sync.Mutex
	lastFailWarn map[string]time.Time

	histMu  sync.Mutex
	history []HistoryItem
}

type ScheduleInfo struct {
	ID      string
	Name    string
	Spec    string
	Timeout time.Duration
	Spread  time.Duration
	Next    time.Time
	Prev    time.Time
}

// HistoryItem records one finished job run.
type HistoryItem struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

type Snapshot struct {
	Running        bool
	Timezone       string
	DefaultTimeout time.Duration
	Schedules      []ScheduleInfo
	History        []HistoryItem
}
