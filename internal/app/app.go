// Package app assembles the agent: config manager, logging, storage, the
// poll loop and the ops server, plus the hot-reload fan-out that keeps them
// in sync with the config file.
package app

import (
	"context"
	"fmt"
	"strings"

	"potwatch/internal/channel"
	"potwatch/internal/config"
	"potwatch/internal/dispatch"
	"potwatch/internal/eventbus"
	"potwatch/internal/game"
	"potwatch/internal/gate"
	"potwatch/internal/metrics"
	"potwatch/internal/ops"
	"potwatch/internal/render"
	"potwatch/internal/storage"
	"potwatch/internal/trigger"
	"potwatch/internal/watch"
	logx "potwatch/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service

	store  storage.Store
	client *game.Client
	gate   *gate.Gate
	disp   *dispatch.Dispatcher
	rend   *render.Renderer
	loop   *watch.Loop
	opssrv *ops.Server
	bus    eventbus.Bus
	mset   *metrics.Set
}

func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Logging service mapping
	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	store, err := openStoreFn(cfg.Storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store == nil {
		log.Warn("storage disabled, dedup and quota will not survive a restart")
		store = storage.NewMemory()
	}
	// The store holds file handles (or a db connection) from here on; don't
	// leak it when a later constructor fails.
	built := false
	defer func() {
		if !built {
			_ = store.Close()
		}
	}()

	client, err := game.NewClient(cfg.Game, log.With(logx.String("comp", "game")))
	if err != nil {
		return nil, err
	}

	params, err := trigger.ParamsFrom(cfg.Watch)
	if err != nil {
		return nil, err
	}

	gcfg, err := gate.ConfigFrom(cfg.Notify)
	if err != nil {
		return nil, err
	}
	g, err := gate.New(ctx, gcfg, store, log.With(logx.String("comp", "gate")))
	if err != nil {
		return nil, err
	}

	dcfg, err := dispatch.ConfigFrom(cfg.Notify)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dcfg, log.With(logx.String("comp", "dispatch")))

	rend, err := render.New(cfg.Templates)
	if err != nil {
		return nil, err
	}

	targets, err := buildTargets(cfg.Channels, log)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		log.Warn("no enabled channels configured, triggers will be evaluated but go nowhere")
	}

	wcfg, err := watch.ConfigFrom(cfg.Watch, cfg.DryRun)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	mset := metrics.New()

	loop, err := watch.New(ctx, wcfg, trigger.NewEvaluator(params), targets, watch.Deps{
		Log:    log.With(logx.String("comp", "watch")),
		Bus:    bus,
		Mset:   mset,
		Client: client,
		Gate:   g,
		Disp:   disp,
		Rend:   rend,
		Store:  store,
	})
	if err != nil {
		return nil, err
	}

	opssrv := ops.NewServer(log.With(logx.String("comp", "ops")), store, mset, loop.Health)

	built = true
	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		client:  client,
		gate:    g,
		disp:    disp,
		rend:    rend,
		loop:    loop,
		opssrv:  opssrv,
		bus:     bus,
		mset:    mset,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := trigger.ParamsFrom(cfg.Watch); err != nil {
			return err
		}
		if cfg.Templates != nil {
			if _, err := render.New(cfg.Templates); err != nil {
				return err
			}
		}
		return nil
	})

	a.opssrv.Start(a.cfgm.Get().Ops)

	a.sup.Go0("watch.loop", func(c context.Context) {
		a.loop.Run(c)
	})
	a.sup.Go0("ops.events", func(c context.Context) {
		a.opssrv.ConsumeEvents(c, a.bus)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// hot reload config fan-out
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
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				if len(sections) > 0 {
					a.log.Info("config change summary",
						append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}
				lastApplied = newCfg
				a.applyConfig(newCfg, sections)
			}
		}
	})

	a.log.Info("agent started", logx.String("config", a.cfgPath))
	return nil
}

// applyConfig pushes a validated config into the running services. Sections
// whose apply can fail were already validated by the reload validator, so a
// failure here is logged and the old value kept, never fatal.
func (a *App) applyConfig(cfg *config.Config, sections []string) {
	changed := make(map[string]bool, len(sections))
	for _, s := range sections {
		changed[s] = true
	}

	if changed["logging"] {
		a.logs.Apply(logx.Config{
			Level:   cfg.Logging.Level,
			Console: cfg.Logging.Console,
			File: logx.FileConfig{
				Enabled: cfg.Logging.File.Enabled,
				Path:    cfg.Logging.File.Path,
			},
		})
	}

	if changed["game"] {
		if err := a.client.Apply(cfg.Game); err != nil {
			a.log.Error("game config apply failed", logx.Err(err))
		}
	}

	if changed["notify"] {
		if gcfg, err := gate.ConfigFrom(cfg.Notify); err != nil {
			a.log.Error("gate config apply failed", logx.Err(err))
		} else {
			a.gate.Apply(gcfg)
		}
		if dcfg, err := dispatch.ConfigFrom(cfg.Notify); err != nil {
			a.log.Error("dispatch config apply failed", logx.Err(err))
		} else {
			a.disp.Apply(dcfg)
		}
	}

	if changed["templates"] {
		if err := a.rend.Apply(cfg.Templates); err != nil {
			a.log.Error("template apply failed", logx.Err(err))
		}
	}

	if changed["watch"] || changed["channels"] || changed["dry_run"] {
		wcfg, err := watch.ConfigFrom(cfg.Watch, cfg.DryRun)
		if err != nil {
			a.log.Error("watch config apply failed", logx.Err(err))
			return
		}
		var eval *trigger.Evaluator
		if changed["watch"] {
			params, err := trigger.ParamsFrom(cfg.Watch)
			if err != nil {
				a.log.Error("trigger params apply failed", logx.Err(err))
				return
			}
			eval = trigger.NewEvaluator(params)
		}
		var targets []watch.Target
		if changed["channels"] {
			targets, err = buildTargets(cfg.Channels, a.log)
			if err != nil {
				a.log.Error("channel rebuild failed, keeping previous set", logx.Err(err))
				targets = nil
			}
		}
		a.loop.Apply(wcfg, eval, targets)
	}

	if changed["ops"] {
		a.opssrv.Start(cfg.Ops)
	}

	if changed["storage"] {
		// The store is wired into the gate and the loop; swapping it live
		// would tear both down mid-cycle. Takes effect on restart.
		a.log.Warn("storage config changed, restart required to apply")
	}
}

func (a *App) Stop(ctx context.Context) error {
	var firstErr error
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.opssrv.Stop(ctx)
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.log.Info("agent stopped")
	_ = a.logs.Close()
	return firstErr
}

// openStoreFn is a seam for tests.
var openStoreFn = openStore

func openStore(cfg config.StorageConfig, log logx.Logger) (storage.Store, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	return storage.Open(storage.Config{
		Driver:      cfg.Driver,
		Path:        cfg.Path,
		BusyTimeout: busy,
	}, log)
}

func buildTargets(chans []config.ChannelConfig, log logx.Logger) ([]watch.Target, error) {
	var targets []watch.Target
	seen := make(map[string]bool, len(chans))
	for _, cc := range chans {
		if !cc.Enabled {
			continue
		}
		if seen[cc.Name] {
			return nil, fmt.Errorf("channels: duplicate name %q", cc.Name)
		}
		seen[cc.Name] = true
		ch, err := channel.New(cc, log.With(logx.String("comp", "channel"), logx.String("channel", cc.Name)))
		if err != nil {
			return nil, fmt.Errorf("channel %q: %w", cc.Name, err)
		}
		targets = append(targets, watch.Target{Ch: ch, Operator: cc.Operator})
	}
	return targets, nil
}
