// Package app wires the bot together: config, logging, storage, the
// recipient store, the broadcast pipeline, the scheduler, the command
// router and the payment webhook.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"tierbot/internal/audience"
	"tierbot/internal/broadcast"
	"tierbot/internal/config"
	"tierbot/internal/dispatch"
	"tierbot/internal/eventbus"
	"tierbot/internal/payment"
	"tierbot/internal/recipient"
	rtsup "tierbot/internal/runtime/supervisor"
	"tierbot/internal/storage"
	"tierbot/internal/task/engine"
	"tierbot/internal/task/scheduler"
	kit "tierbot/internal/transport"
	telegram "tierbot/internal/transport/telegram/adapter"
	"tierbot/internal/transport/telegram/router"
	logx "tierbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	sups *router.SupervisorRegistry

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	repo storage.Store

	adapter kit.Adapter

	recipients *recipient.Store
	resolver   *audience.Resolver
	dispatcher *dispatch.Dispatcher
	engine     *engine.Service
	sched      *scheduler.Service
	orch       *broadcast.Orchestrator
	payment    *payment.Server
	cmdm       *router.CommandManager

	// autoApprove is the set of chats whose join requests are approved.
	autoApprove atomic.Pointer[map[int64]struct{}]

	updates chan kit.Update
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Parse()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}
	cfgm.Commit(cfg)

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	reqTimeout, err := config.ParseDurationOrDefault("telegram.request_timeout", cfg.Telegram.RequestTimeout, 15*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    pollTimeout,
		RequestTimeout: reqTimeout,
		APIURL:         cfg.Telegram.APIURL,
	}, logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogConfig(cfg), ad)
	return assemble(cfgm, cfg, ad, logs, log)
}

// assemble builds the component graph around an adapter. logs may be nil.
func assemble(cfgm *config.ConfigManager, cfg *config.Config, ad kit.Adapter, logs *logx.Service, log logx.Logger) (*App, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	repo, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	audCfg, dispCfg, orchCfg, err := broadcastConfigs(cfg)
	if err != nil {
		return nil, err
	}

	recipients := recipient.NewStore(repo, log.With(logx.String("comp", "recipients")))
	resolver := audience.NewResolver(recipients, ad, audCfg, log.With(logx.String("comp", "audience")))
	disp := dispatch.New(ad, dispCfg, log.With(logx.String("comp", "dispatch")))
	eng := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)
	sched := scheduler.New(schedCfg, eng, repo, log.With(logx.String("comp", "scheduler")), bus)
	orch := broadcast.New(broadcast.Deps{
		Store:      recipients,
		Resolver:   resolver,
		Dispatcher: disp,
		Scheduler:  sched,
		Audit:      repo,
		Bus:        bus,
		Logger:     log.With(logx.String("comp", "broadcast")),
	}, orchCfg)
	sched.SetRunner(orch.Run)

	sups := router.NewSupervisorRegistry()
	a := &App{
		cfgm:       cfgm,
		sups:       sups,
		log:        log.With(logx.String("comp", "app")),
		logs:       logs,
		bus:        bus,
		repo:       repo,
		adapter:    ad,
		recipients: recipients,
		resolver:   resolver,
		dispatcher: disp,
		engine:     eng,
		sched:      sched,
		orch:       orch,
		updates:    make(chan kit.Update, 256),
	}
	a.setAutoApprove(cfg.Join.AutoApproveChatIDs)

	if pc, ok, err := mapPaymentConfig(cfg); err != nil {
		return nil, err
	} else if ok {
		a.payment = payment.New(pc, recipients, ad, repo, bus, log.With(logx.String("comp", "payment")))
	}

	a.cmdm = router.NewCommandManager(log.With(logx.String("comp", "commands")), ad, router.Options{
		Owners:      cfg.Telegram.OwnerUserIDs,
		Supervisors: sups,
	})
	return a, nil
}

// Done is closed when the app supervisor stops (fatal error or Stop).
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
	a.sups.Set("app", a.sup)
	a.cmdm.SetParent(a.sup)

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(validateConfig)
	}

	lctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := a.recipients.Load(lctx)
	cancel()
	if err != nil {
		return fmt.Errorf("load recipients: %w", err)
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if sp, ok := a.adapter.(interface{ Supervisor() *rtsup.Supervisor }); ok {
		a.sups.Set("telegram.adapter", sp.Supervisor())
	}

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}

	if a.payment != nil {
		a.sup.Go("payment.http", a.payment.Start)
	}

	a.cmdm.SetRegistry(a.commands())
	a.cmdm.OnJoinRequest(a.handleJoinRequest)
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("app started",
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("payment_webhook", a.payment != nil),
		logx.Int("owners", len(a.ownerIDs())),
	)
	return nil
}

func (a *App) ownerIDs() []int64 {
	if a.cfgm == nil || a.cfgm.Get() == nil {
		return nil
	}
	return a.cfgm.Get().Telegram.OwnerUserIDs
}

func (a *App) setAutoApprove(ids []int64) {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	a.autoApprove.Store(&set)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	if reason == "" {
		reason = StopUnknown
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
			return
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("payment", 3*time.Second, func(c context.Context) error {
		if a.payment == nil {
			return nil
		}
		return a.payment.Stop(c)
	})
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(context.Context) error { return a.repo.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// reloadLoop applies committed configs. Listeners and storage are bound at
// startup; changes there are logged as needing a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest config matters.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			sections, fields := config.SummarizeConfigChange(last, cfg)
			last = cfg
			a.apply(ctx, cfg)
			if rr := config.RestartRequired(sections); len(rr) > 0 {
				a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(rr, ",")))
			}
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
		}
	}
}

func (a *App) apply(ctx context.Context, cfg *config.Config) {
	if a.logs != nil {
		a.logs.Apply(mapLogConfig(cfg))
	}
	a.cmdm.SetOwners(cfg.Telegram.OwnerUserIDs)
	a.setAutoApprove(cfg.Join.AutoApproveChatIDs)

	if ac, dc, oc, err := broadcastConfigs(cfg); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.resolver.SetConfig(ac)
		a.dispatcher.Apply(dc)
		a.orch.Apply(oc)
	}

	if ec, err := mapTaskEngineConfig(cfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ec)
	}

	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		return
	}
	was := a.sched.Enabled()
	a.sched.Apply(sc)
	switch {
	case was && !sc.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !was && sc.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}
}
