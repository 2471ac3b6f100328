// Package app wires configuration, storage, the posting worker and the
// operator surfaces into one process and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"replybot/internal/admin"
	"replybot/internal/breaker"
	"replybot/internal/config"
	"replybot/internal/eventbus"
	"replybot/internal/metrics"
	"replybot/internal/notifier"
	"replybot/internal/publisher"
	"replybot/internal/ratelimit"
	rtsup "replybot/internal/runtime/supervisor"
	"replybot/internal/storage"
	"replybot/internal/task/scheduler"
	"replybot/internal/timing"
	kit "replybot/internal/transport"
	telegram "replybot/internal/transport/telegram/adapter"
	"replybot/internal/worker"
	logx "replybot/pkg/logx"
	"replybot/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	// adapter is nil when no bot token is configured.
	adapter *telegram.Adapter

	sched      *scheduler.Service
	notif      *notifier.Service
	calc       *timing.Calculator
	limiter    *ratelimit.Limiter
	breakers   *breaker.Registry
	pubBreaker *breaker.Breaker
	worker     *worker.Worker
	metrics    *metrics.Metrics
	admin      *admin.Server
	sd         *systemd.Notifier
	cmds       *Commands

	updates chan kit.Update

	rtMu sync.RWMutex
	rt   *config.Runtime

	now func() time.Time
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, rt, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var ad *telegram.Adapter
	if rt.Telegram.Token != "" {
		ad, err = telegram.New(telegram.Config{
			Token:       rt.Telegram.Token,
			PollTimeout: rt.Telegram.PollTimeout,
			LogTarget:   rt.Telegram.GroupLog,
		}, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
	}
	// A typed nil adapter must not leak into the interfaces below.
	var sender kit.Sender
	var chatLog logx.ChatSender
	if ad != nil {
		sender = ad
		chatLog = ad
	}

	logSvc, log := logx.New(rt.Logging, chatLog)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		metrics: metrics.New(),
		adapter: ad,
		sd:      systemd.New(log.With(logx.String("comp", "systemd"))),
		updates: make(chan kit.Update, 256),
		rt:      rt,
		now:     time.Now,
	}

	store, err := storage.Open(rt.Storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	a.store = store
	log.Info("storage ready", logx.String("driver", storageDriver(rt.Storage.Driver)))

	if err := a.build(rt, cfg, sender); err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func storageDriver(d string) string {
	if d == "" {
		return "sqlite"
	}
	return d
}

func (a *App) build(rt *config.Runtime, cfg *config.Config, sender kit.Sender) error {
	log := a.log
	a.notif = notifier.New(rt.Notifier, sender, log.With(logx.String("comp", "notifier")), a.bus, a.store)
	a.calc = timing.New(rt.Timing)

	a.limiter = ratelimit.New(rt.RateLimit, ratelimit.WithWarning(a.onRateWarning))

	a.breakers = breaker.NewRegistry()
	a.pubBreaker = breaker.New(config.PublisherBreaker, rt.Breakers[config.PublisherBreaker],
		breaker.OnStateChange(a.onBreakerTransition))
	a.breakers.Add(a.pubBreaker)

	pub, err := publisher.New(rt.Publisher, sender, log.With(logx.String("comp", "publisher")))
	if err != nil {
		return err
	}
	pub = publisher.WithTimeout(pub, rt.Publisher.Timeout)

	a.worker, err = worker.New(rt.Worker, worker.Deps{
		Queue:       a.store,
		DeadLetters: a.store,
		Publisher:   pub,
		Limiter:     a.limiter,
		Breaker:     a.pubBreaker,
		Notifier:    a.notif,
		Bus:         a.bus,
		Log:         log.With(logx.String("comp", "worker")),
		Now:         a.now,
	})
	if err != nil {
		return err
	}

	a.sched = scheduler.New(scheduler.Config{Timezone: cfg.Timezone}, log.With(logx.String("comp", "scheduler")))

	a.admin = admin.New(rt.Admin, admin.Deps{
		Queue:     a.store,
		Worker:    a.worker,
		Breakers:  a.breakers,
		Scheduler: a.calc,
		Audit:     a.store,
		Metrics:   a.metrics.Handler(),
		Bus:       a.bus,
		Location:  a.location,
		Tasks:     a.taskSnapshot,
		Now:       a.now,
	}, log.With(logx.String("comp", "admin")))

	a.cmds = NewCommands(log.With(logx.String("comp", "commands")), sender, rt.Telegram.Owners)
	a.cmds.Register(a.operatorCommands())
	return nil
}

// Runtime returns the config currently applied.
func (a *App) Runtime() *config.Runtime {
	a.rtMu.RLock()
	defer a.rtMu.RUnlock()
	return a.rt
}

func (a *App) location() *time.Location {
	if rt := a.Runtime(); rt != nil && rt.Location != nil {
		return rt.Location
	}
	return time.Local
}

func (a *App) taskSnapshot() map[string][]rtsup.TaskStatus {
	out := map[string][]rtsup.TaskStatus{}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	if a.adapter != nil {
		if s := a.adapter.Supervisor(); s != nil {
			out["telegram"] = s.Snapshot()
		}
	}
	if s := a.admin.Supervisor(); s != nil {
		out["admin"] = s.Snapshot()
	}
	return out
}

func (a *App) onRateWarning(w ratelimit.Warning) {
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeRateWarning, Data: eventbus.RateEvent{
		Window: string(w.Window), Used: w.Used, Limit: w.Limit,
	}})
	a.notif.Warning(context.Background(), "rate_limit",
		fmt.Sprintf("%s rate limit at %d/%d", w.Window, w.Used, w.Limit),
		map[string]any{"window": string(w.Window), "used": w.Used, "limit": w.Limit})
}

func (a *App) onBreakerTransition(tr breaker.Transition) {
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeBreakerState, Time: tr.At, Data: eventbus.BreakerEvent{
		Name: tr.Name, From: string(tr.From), To: string(tr.To), Failures: tr.Failures,
	}})
	details := map[string]any{"breaker": tr.Name, "from": string(tr.From), "failures": tr.Failures}
	if tr.Cause != nil {
		details["cause"] = tr.Cause.Error()
	}
	ctx := context.Background()
	switch {
	case tr.To == breaker.StateOpen:
		a.notif.Critical(ctx, "circuit_open", "Circuit breaker "+tr.Name+" opened, publishing paused", details)
	case tr.To == breaker.StateClosed && tr.From != breaker.StateClosed:
		a.notif.Info(ctx, "circuit_closed", "Circuit breaker "+tr.Name+" recovered", details)
	default:
		a.log.Info("breaker state change",
			logx.String("breaker", tr.Name),
			logx.String("from", string(tr.From)),
			logx.String("to", string(tr.To)),
		)
	}
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()
	rt := a.Runtime()

	a.sup.Go("metrics.events", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.startEventLog()

	// The notifier outlives the app context so the shutdown alert can drain.
	a.notif.Start(context.WithoutCancel(c))

	if a.adapter != nil {
		if err := a.adapter.Start(c, a.updates); err != nil {
			return err
		}
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.cmds.DispatchLoop(c, a.updates)
		})
		a.sup.Go("commands.menu", func(c context.Context) error {
			mctx, cancel := context.WithTimeout(c, 15*time.Second)
			defer cancel()
			a.cmds.UpdateMenu(mctx)
			return nil
		})
	}

	rep, err := a.worker.Recover(c)
	if err != nil {
		a.log.Error("startup recovery failed", logx.Err(err))
		a.notif.Error(c, "recovery_failed", "startup recovery failed", map[string]any{"error": err.Error()})
	} else if rep.Recovered > 0 {
		a.log.Info("recovered failed items", logx.Int("count", rep.Recovered))
	}

	if err := a.registerJobs(rt); err != nil {
		return err
	}
	a.sched.Start(c)
	if err := a.refreshBacklog(c); err != nil {
		a.log.Warn("backlog gauge refresh failed", logx.Err(err))
	}

	a.sup.GoRestart("worker", a.worker.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	a.admin.Reconfigure(c, rt.Admin)

	a.startReloadLoop()
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })

	a.sup.Go("systemd.watchdog", a.sd.Watchdog)

	a.notif.Startup(c, map[string]any{
		"dlq_pending":   rep.DeadLetters.Pending,
		"dlq_exhausted": rep.DeadLetters.Exhausted,
		"recovered":     rep.Recovered,
		"publisher":     publisherKind(rt.Publisher.Kind),
	})
	a.sd.Ready()
	a.sd.Status("running")
	a.log.Info("app started")
	return nil
}

func publisherKind(k string) string {
	if k == "" {
		return "dryrun"
	}
	return k
}

func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

func (a *App) startReloadLoop() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: only the newest config matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
}

// applyConfig pushes a validated config into every live component.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	rt, err := config.Resolve(next)
	if err != nil {
		a.log.Warn("reloaded config no longer resolves; keeping previous", logx.Err(err))
		return
	}
	change := config.SummarizeConfigChange(prev, next)
	if change.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.sd.Reloading()
	defer a.sd.Ready()

	wasOn := a.notifierActive()
	a.rtMu.Lock()
	a.rt = rt
	a.rtMu.Unlock()

	if a.adapter != nil {
		a.adapter.SetLogTarget(rt.Telegram.GroupLog)
	}
	a.logs.Apply(rt.Logging)
	a.cmds.SetOwners(rt.Telegram.Owners)

	a.notif.Apply(rt.Notifier)
	switch on := a.notifierActive(); {
	case wasOn && !on:
		sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(sctx)
		cancel()
	case !wasOn && on:
		a.notif.Start(context.WithoutCancel(ctx))
	}

	a.calc.Apply(rt.Timing)
	a.limiter.Apply(rt.RateLimit)
	a.pubBreaker.Apply(rt.Breakers[config.PublisherBreaker])
	a.worker.Apply(rt.Worker)
	a.sched.Apply(scheduler.Config{Timezone: next.Timezone})
	if err := a.registerJobs(rt); err != nil {
		a.log.Warn("job reschedule failed", logx.Err(err))
	}
	a.admin.Reconfigure(ctx, rt.Admin)
	a.worker.Wake()

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: change.Sections})
	if len(change.Restart) > 0 {
		a.log.Warn("config sections changed that need a restart",
			logx.String("sections", strings.Join(change.Restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) notifierActive() bool {
	rt := a.Runtime()
	return rt != nil && rt.Notifier.Enabled && a.adapter != nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.notif.Shutdown(ctx, string(reason))

	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.step(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error {
		if a.adapter == nil {
			return nil
		}
		return a.adapter.Stop(c)
	})
	// Worker, reload loop and dispatcher exit on cancel; wait before closing storage.
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// step runs one shutdown step bounded by max and the caller's deadline. A
// step that ignores its context is abandoned and logged when it finishes.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, no time left", logx.String("name", name))
		return context.DeadlineExceeded
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
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
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		} else if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Bool("ok", err == nil),
				logx.Duration("took", time.Since(start)),
			)
		}()
		return stepCtx.Err()
	}
}
