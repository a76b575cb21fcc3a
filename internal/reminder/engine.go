package reminder

import (
	"context"
	"errors"
	"sync"
	"time"

	"remindbot/internal/eventbus"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/task/scheduler"
	logx "remindbot/pkg/logx"
)

// Schedule names registered on the scheduler.
const (
	PromoteJob  = "reminder.promote"
	JanitorJob  = "reminder.janitor"
	dispatchJob = "reminder.dispatch"
)

// Scheduler runs the promoter and janitor periodically.
type Scheduler interface {
	AddInterval(name string, every, timeout time.Duration, opt scheduler.TaskOptions, job func(ctx context.Context) error) (string, error)
	Remove(name string) bool
}

type Option func(*Engine)

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine owns the promoter, dispatcher and janitor of one process.
type Engine struct {
	cfg   Config
	store Store
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	disp *Dispatcher
	prom *Promoter
	jan  *Janitor

	mu    sync.Mutex
	sched Scheduler
	sup   *rtsup.Supervisor
}

func NewEngine(cfg Config, store Store, prefs Preferences, sink Sink, log logx.Logger, bus eventbus.Bus, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{cfg: cfg.withDefaults(), store: store, log: log, bus: bus, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	e.disp = newDispatcher(e.cfg, store, prefs, sink, log.With(logx.String("comp", "dispatcher")), bus, e.now)
	e.prom = &Promoter{store: store, disp: e.disp, lookahead: e.cfg.Lookahead, log: log.With(logx.String("comp", "promoter")), bus: bus, now: e.now}
	e.jan = &Janitor{store: store, disp: e.disp, staleAfter: e.cfg.StaleAfter, log: log.With(logx.String("comp", "janitor")), bus: bus, now: e.now}
	return e
}

func (e *Engine) Dispatcher() *Dispatcher { return e.disp }
func (e *Engine) Promoter() *Promoter     { return e.prom }
func (e *Engine) Janitor() *Janitor       { return e.jan }

// Recover returns recently claimed reminders to the untriggered state so the
// promoter schedules them again. Claims older than the stale window are left
// for the janitor. Call before Start.
func (e *Engine) Recover(ctx context.Context) (int64, error) {
	n, err := e.store.ResetTriggered(ctx, e.now().Add(-e.cfg.StaleAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.log.Info("recovered promoted reminders", logx.Int64("count", n))
	}
	return n, nil
}

// Start registers the periodic jobs and starts the dispatch loop.
func (e *Engine) Start(ctx context.Context, sched Scheduler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sup != nil {
		return nil
	}
	if sched == nil {
		return errors.New("reminder engine: scheduler required")
	}

	if _, err := sched.AddInterval(PromoteJob, e.cfg.PromoteEvery, e.cfg.PromoteEvery, scheduler.TaskOptions{RunImmediately: true}, e.prom.Tick); err != nil {
		return err
	}
	janitor := func(ctx context.Context) error {
		_, err := e.jan.Tick(ctx)
		return err
	}
	if _, err := sched.AddInterval(JanitorJob, e.cfg.JanitorEvery, e.cfg.JanitorEvery, scheduler.TaskOptions{}, janitor); err != nil {
		sched.Remove(PromoteJob)
		return err
	}

	e.sched = sched
	e.sup = rtsup.New(ctx, rtsup.WithLogger(e.log.With(logx.String("comp", "reminder"))), rtsup.WithCancelOnError(false))
	e.sup.Every(dispatchJob, e.cfg.DispatchEvery, e.disp.Tick)
	e.log.Info("reminder engine started",
		logx.Duration("promote_every", e.cfg.PromoteEvery),
		logx.Duration("dispatch_every", e.cfg.DispatchEvery),
		logx.Duration("janitor_every", e.cfg.JanitorEvery),
	)
	return nil
}

// Stop unregisters the jobs, stops the dispatch loop and closes the
// dispatcher, waiting for in-flight deliveries until ctx expires. A stopped
// engine cannot be started again.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	sched, sup := e.sched, e.sup
	e.sched, e.sup = nil, nil
	e.mu.Unlock()

	var errs []error
	if sched != nil {
		sched.Remove(PromoteJob)
		sched.Remove(JanitorJob)
	}
	if sup != nil {
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	if err := e.disp.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
