package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/cooldown"
	"remindbot/internal/eventbus"
	"remindbot/internal/groupreset"
	"remindbot/internal/notifier"
	"remindbot/internal/reminder"
	"remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	"remindbot/internal/task/scheduler"
	kit "remindbot/internal/transport"
	telegram "remindbot/internal/transport/telegram/adapter"
	logx "remindbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter

	sched     *scheduler.Service
	notif     *notifier.Service
	engine    *reminder.Engine
	reminders *reminder.Service
	reset     *groupreset.Resetter // nil when the weekly reset is disabled
}

type Option func(*App)

// WithAdapter replaces the Telegram adapter built from config.
func WithAdapter(ad kit.Adapter) Option {
	return func(a *App) { a.adapter = ad }
}

func NewApp(cfgPath string, opts ...Option) (_ *App, err error) {
	a := &App{cfgPath: cfgPath}
	for _, o := range opts {
		o(a)
	}

	a.cfgm = config.NewManager(cfgPath)
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}

	if a.adapter == nil {
		bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
		timeout, err := config.ParseDurationOrDefault("telegram.request_timeout", cfg.Telegram.RequestTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, RequestTimeout: timeout}, bootLog)
		if err != nil {
			return nil, err
		}
		a.adapter = ad
	}

	a.logs, a.log = logx.New(mapLogConfig(cfg), a.adapter)
	defer func() {
		if err != nil {
			_ = a.logs.Close()
		}
	}()
	a.bus = eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(sc, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = a.store.Close()
		}
	}()
	a.log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	if err = seedCooldowns(context.Background(), a.store, cfg); err != nil {
		return nil, err
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(schedCfg, a.log.With(logx.String("comp", "scheduler")), a.bus)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.notif = notifier.New(ncfg, a.adapter, a.log.With(logx.String("comp", "notifier")), a.bus, a.store)

	rcfg, err := mapReminderConfig(cfg, ncfg)
	if err != nil {
		return nil, err
	}
	a.engine = reminder.NewEngine(rcfg, a.store, a.store, a.notif, a.log.With(logx.String("comp", "engine")), a.bus)
	a.reminders = reminder.NewService(a.engine, a.store)

	gcfg, enabled, err := mapGroupResetConfig(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		a.reset, err = groupreset.New(gcfg, a.store, a.reminders, a.notif, a.log.With(logx.String("comp", "groupreset")), a.bus)
		if err != nil {
			return nil, err
		}
	}

	a.log = a.log.With(logx.String("comp", "app"))
	return a, nil
}

func seedCooldowns(ctx context.Context, st storage.Store, cfg *config.Config) error {
	defs := mapCooldowns(cfg)
	if len(defs) == 0 {
		return nil
	}
	if err := cooldown.Seed(ctx, st, defs); err != nil {
		return fmt.Errorf("seed cooldowns: %w", err)
	}
	return nil
}

// Reminders is the producer API for reminders.
func (a *App) Reminders() *reminder.Service { return a.reminders }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error reported by a supervised goroutine.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		var errs []error
		if _, err := mapSchedulerConfig(cfg); err != nil {
			errs = append(errs, err)
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			errs = append(errs, err)
		}
		if _, _, err := mapGroupResetConfig(cfg); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	// Claims left by a previous process go back to the promoter before it
	// runs for the first time.
	if _, err := a.engine.Recover(ctx); err != nil {
		return fmt.Errorf("recover reminders: %w", err)
	}
	if err := a.engine.Start(a.sup.Context(), a.sched); err != nil {
		return err
	}
	if a.reset != nil {
		if err := a.reset.Register(a.sched); err != nil {
			return err
		}
	}
	a.sched.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe("", 256)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Debug only: the dispatcher publishes on every batch.
				a.log.Debug("event", logx.String("type", e.Type), logx.String("key", e.Key), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgPath), logx.Bool("group_reset", a.reset != nil))
	return nil
}

// restartOnly lists config sections that are read once at startup.
var restartOnly = map[string]bool{
	"telegram":    true,
	"storage":     true,
	"reminders":   true,
	"group_reset": true,
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if restartOnly[s] {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}

	if nc, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(nc)
	}

	// Durations are computed from the stored table on every cooldown start,
	// so new values apply immediately.
	if err := seedCooldowns(ctx, a.store, newCfg); err != nil {
		a.log.Warn("cooldown table not updated", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step runs one shutdown step with an upper bound so a stuck component
	// cannot stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// The scheduler goes first so no promoter or reset run starts while the
	// engine drains its in-flight deliveries through the notifier.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("reminders", 5*time.Second, a.engine.Stop)
	step("adapter", 2*time.Second, a.adapter.Close)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
