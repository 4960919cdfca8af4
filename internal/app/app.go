package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"taskgrid/internal/cluster"
	"taskgrid/internal/config"
	"taskgrid/internal/eventbus"
	"taskgrid/internal/observability/pprof"
	"taskgrid/internal/runtime/supervisor"
	"taskgrid/internal/scheduler"
	"taskgrid/internal/scheduling"
	"taskgrid/internal/storage"
	"taskgrid/pkg/logx"
)

// App wires the scheduler node in dependency order: config, logging, event
// bus, membership, store, registry, worker pool, engine, replicator, and the
// cluster task-state publisher.
type App struct {
	cfgPath string
	cfgm    *config.ConfigManager

	logs *logx.Service
	log  logx.Logger

	bus        eventbus.Bus
	membership cluster.Membership
	store      *storage.SQLiteStore
	registry   *scheduling.Registry
	pool       *scheduler.WorkerPool
	engine     *scheduler.Engine
	repl       *scheduler.ClusterReplicator
	states     *scheduler.ClusteredTaskStateStore
	prof       *pprof.Service

	sup *supervisor.Supervisor
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

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

	fail := func(err error) (*App, error) {
		_ = logSvc.Close()
		return nil, err
	}

	var members []string
	if cfg.Cluster != nil {
		members = cfg.Cluster.Members
	}
	membership, err := cluster.NewStatic(cfg.Node.ID, members)
	if err != nil {
		return fail(err)
	}

	bus := eventbus.New()

	busyTimeout, err := config.Duration("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return fail(err)
	}
	store, err := storage.OpenSQLite(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, membership.ID(), bus, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fail(fmt.Errorf("open store: %w", err))
	}

	registry := scheduling.NewRegistry(log.With(logx.String("comp", "registry")))
	pool := scheduler.NewWorkerPool(cfg.EffectivePoolSize(), log.With(logx.String("comp", "pool")))

	pollInterval, err := config.Duration("scheduler.poll_interval", cfg.Scheduler.PollInterval, config.DefaultPollInterval)
	if err != nil {
		_ = store.Close()
		return fail(err)
	}
	shutdownTimeout, err := config.Duration("scheduler.shutdown_timeout", cfg.Scheduler.ShutdownTimeout, config.DefaultShutdownTimeout)
	if err != nil {
		_ = store.Close()
		return fail(err)
	}

	loc := time.Local
	if tz := cfg.Scheduler.Timezone; tz != "" {
		if l, lerr := time.LoadLocation(tz); lerr == nil {
			loc = l
		}
	}

	engine := scheduler.NewEngine(store, registry, membership, pool, scheduler.Options{
		Active:             cfg.SchedulerActive(),
		PollInterval:       pollInterval,
		ShutdownTimeout:    shutdownTimeout,
		RecoverInterrupted: cfg.RecoverInterrupted(),
		Location:           loc,
	}, log)

	repl := scheduler.NewClusterReplicator(bus, engine, membership, log)
	states := scheduler.NewClusteredTaskStateStore(store, engine, membership.ID(), 10*time.Second, log)
	prof := pprof.New(pprofConfig(cfg), log)

	// Identity and storage are fixed for the process lifetime; reject
	// reloads that try to change them.
	cfgm.SetValidator(func(ctx context.Context, c *config.Config) error {
		if c.Node.ID != cfg.Node.ID {
			return fmt.Errorf("node.id cannot change at runtime")
		}
		if c.Storage.Path != cfg.Storage.Path {
			return fmt.Errorf("storage.path cannot change at runtime")
		}
		return nil
	})

	return &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		logs:       logSvc,
		log:        log,
		bus:        bus,
		membership: membership,
		store:      store,
		registry:   registry,
		pool:       pool,
		engine:     engine,
		repl:       repl,
		states:     states,
		prof:       prof,
	}, nil
}

func pprofConfig(cfg *config.Config) pprof.Config {
	return pprof.Config{
		Enabled: cfg.Pprof.Enabled,
		Addr:    cfg.Pprof.Addr,
		Token:   cfg.Pprof.Token,
	}
}

// Registry exposes the task-type registry so callers can register types
// before Start.
func (a *App) Registry() *scheduling.Registry { return a.registry }

// Engine exposes the scheduling engine for operational surfaces.
func (a *App) Engine() *scheduler.Engine { return a.engine }

func (a *App) Start(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	if err := a.repl.Start(ctx); err != nil {
		_ = a.engine.Stop(ctx)
		return err
	}
	if err := a.states.Start(ctx); err != nil {
		_ = a.repl.Stop(ctx)
		_ = a.engine.Stop(ctx)
		return err
	}

	a.sup = supervisor.NewSupervisor(context.Background(), supervisor.WithLogger(a.log))
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithStopOnCleanExit(true))
	a.sup.Go0("config.apply", a.applyConfigUpdates)

	a.prof.Start(context.Background())

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("node started",
		logx.String("node", a.membership.ID()),
		logx.Bool("clustered", a.membership.IsClustered()))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.sup != nil {
		_ = a.sup.Stop(ctx)
		a.sup = nil
	}
	a.prof.Stop(ctx)
	_ = a.states.Stop(ctx)
	_ = a.repl.Stop(ctx)
	err := a.engine.Stop(ctx)
	if cerr := a.store.Close(); err == nil {
		err = cerr
	}
	a.log.Info("node stopped", logx.String("node", a.membership.ID()))
	_ = a.logs.Close()
	return err
}

// applyConfigUpdates reacts to hot reloads: log settings apply immediately,
// and the engine is paused or resumed per the active flag. Everything else
// (pool size, storage, node identity) requires a restart.
func (a *App) applyConfigUpdates(ctx context.Context) {
	updates := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(updates)

	prev := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok || cfg == nil {
				return
			}
			changed, attrs := config.SummarizeConfigChange(prev, cfg)
			if len(changed) > 0 {
				a.log.Info("config reloaded", append(attrs, logx.Any("sections", changed))...)
			}

			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})

			if cfg.SchedulerActive() {
				a.engine.Resume()
			} else {
				a.engine.Pause()
			}
			a.prof.Reconfigure(ctx, pprofConfig(cfg))
			prev = cfg
		}
	}
}
