package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc/panics"

	"remindbot/internal/eventbus"
	logx "remindbot/pkg/logx"
)

const (
	failWarnThrottle = 5 * time.Second
	// JobFailed is published on the bus when a job returns an error or panics.
	JobFailed = "task.failed"
)

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg: cfg,
		log: log,
		bus: bus,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:       cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		lastFailWarn: map[string]time.Time{},
	}
}

// Apply swaps the config. A timezone change rebuilds the cron once the
// running jobs of the old one have returned.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	old := s.c
	s.mu.Unlock()

	if old == nil || oldTZ == strings.TrimSpace(cfg.Timezone) {
		return
	}
	s.restart(old)
}

// Start starts cron triggering for every registered schedule.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		if err := s.addCronLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop stops triggering, cancels in-flight jobs and waits for them to return
// or for ctx to expire. Definitions are kept so Start can resume them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.runCancel
	s.mu.Unlock()

	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for running jobs")
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// restart must be called without s.mu: jobs still running on old take it
// in run and record.
func (s *Service) restart(old *cron.Cron) {
	<-old.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != old {
		// Stopped or restarted by someone else while we waited.
		return
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		_ = s.addCronLocked(&s.defs[i])
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// run executes one trigger of d with timeout and panic isolation.
func (s *Service) run(d scheduleDef) {
	s.mu.Lock()
	parent := s.runCtx
	timeout := d.timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	s.mu.Unlock()
	if parent == nil || parent.Err() != nil {
		return
	}

	ctx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}

	started := time.Now()
	var err error
	if rec := panics.Try(func() { err = d.job(ctx) }); rec != nil {
		err = rec.AsError()
		s.log.Error("job panicked", logx.String("schedule", d.name), logx.Any("panic", rec.Value), logx.Stack(string(rec.Stack)))
	}
	took := time.Since(started)
	if errors.Is(err, context.Canceled) && parent.Err() != nil {
		err = nil
	}
	s.record(HistoryItem{Name: d.name, Started: started, Duration: took, Error: errString(err)})
	if err != nil {
		s.reportRunError(d.name, err)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: JobFailed, Key: d.name, Data: err.Error()})
		}
		return
	}
	if timeout > 0 && took > timeout/2 {
		s.log.Debug("job ran close to its timeout", logx.String("schedule", d.name), logx.Duration("took", took), logx.Duration("timeout", timeout))
	}
}

func (s *Service) record(it HistoryItem) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	s.histMu.Lock()
	s.history = append(s.history, it)
	if over := len(s.history) - limit; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
	s.histMu.Unlock()
}

// reportRunError logs failures at most once per throttle window per schedule,
// since periodic jobs tend to fail in bursts.
func (s *Service) reportRunError(name string, err error) {
	now := time.Now()
	s.failMu.Lock()
	last := s.lastFailWarn[name]
	if !last.IsZero() && now.Sub(last) < failWarnThrottle {
		s.failMu.Unlock()
		return
	}
	s.lastFailWarn[name] = now
	s.failMu.Unlock()

	s.log.Warn("scheduled job failed", logx.String("schedule", name), logx.Err(err))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
