// Package app wires the daemon together: config, logging, backend bridge,
// domain stores, the polling scheduler, the control socket, persistence and
// advisories.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"distmon/internal/bridge"
	"distmon/internal/config"
	"distmon/internal/control"
	"distmon/internal/eventbus"
	"distmon/internal/history"
	"distmon/internal/notify"
	"distmon/internal/obs"
	"distmon/internal/poll"
	"distmon/internal/preflight"
	"distmon/internal/storage"
	"distmon/internal/store"
	logx "distmon/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	client    *bridge.Client
	distros   *store.DistroStore
	resources *store.ResourceStore
	health    *store.HealthStore
	mounts    *store.MountStore
	pre       *preflight.Service
	sched     *poll.Scheduler
	ctl       *control.Server
	debug     *obs.Server

	st        storage.Store
	recorder  *history.Recorder
	retention *history.Retention
	notif     *notify.Service

	cancel context.CancelFunc
	group  *errgroup.Group
}

// gate adapts the preflight service and distro store to the scheduler's
// capability interface.
type gate struct {
	pre     *preflight.Service
	distros *store.DistroStore
}

func (g gate) Ready() bool            { return g.pre.Ready() }
func (g gate) ActionInProgress() bool { return g.distros.ActionInProgress() != "" }
func (g gate) AnyRunning() bool       { return g.distros.AnyRunning() }

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logs.Logger().With(logx.String("comp", "config")))

	bus := eventbus.New()

	bcfg, err := mapBridgeConfig(cfg)
	if err != nil {
		return nil, err
	}
	client := bridge.NewClient(bcfg, logs.Logger())

	distros := store.NewDistroStore(client, bus, logs.Logger())
	resources := store.NewResourceStore(client, logs.Logger())
	health := store.NewHealthStore(client, logs.Logger())
	mounts := store.NewMountStore(client, bus, distros, logs.Logger())

	pcfg, err := mapPreflightConfig(cfg)
	if err != nil {
		return nil, err
	}
	pre := preflight.New(pcfg, client, bus, logs.Logger())

	pollCfgs, err := mapPollConfigs(cfg)
	if err != nil {
		return nil, err
	}
	sched := poll.New(pollCfgs, gate{pre: pre, distros: distros}, poll.Sources{
		FetchDistros:   func(ctx context.Context) error { return distros.Fetch(ctx, true) },
		FetchResources: func(ctx context.Context) error { return resources.Fetch(ctx, true) },
		FetchHealth:    func(ctx context.Context) error { return health.Fetch(ctx, true) },
		ClearStats:     resources.ClearStats,
	}, bus, logs.Logger())

	ctl := control.NewServer(config.ExpandPath(cfg.Control.Socket), control.Deps{
		Scheduler: sched,
		Distros:   distros,
		Resources: resources,
		Health:    health,
		Mounts:    mounts,
		Preflight: pre,
	}, logs.Logger())

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logs,
		bus:       bus,
		client:    client,
		distros:   distros,
		resources: resources,
		health:    health,
		mounts:    mounts,
		pre:       pre,
		sched:     sched,
		ctl:       ctl,
		debug:     obs.NewServer(logs.Logger()),
	}

	// Optional history persistence.
	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(scfg, logs.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a.st = st
	if st != nil {
		log.Info("history persistence enabled", logx.String("driver", scfg.Driver))
	}
	a.recorder = history.NewRecorder(st, bus, logs.Logger())
	rcfg, err := mapRetentionConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.retention = history.NewRetention(rcfg, st, logs.Logger())

	// Optional advisory channel.
	a.notif = buildNotifier(cfg, bus, logs.Logger(), log)

	return a, nil
}

func buildNotifier(cfg *config.Config, bus eventbus.Bus, log, appLog logx.Logger) *notify.Service {
	ncfg, tcfg := mapNotifyConfig(cfg)
	if !ncfg.Enabled {
		return notify.New(ncfg, nil, bus, log)
	}
	sender, err := notify.NewTelegram(tcfg)
	if err != nil {
		appLog.Warn("telegram advisories disabled", logx.Err(err))
		ncfg.Enabled = false
		return notify.New(ncfg, nil, bus, log)
	}
	return notify.New(ncfg, sender, bus, log)
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	a.group = g

	// Reject hot reloads whose derived configs fail to map, before commit.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapBridgeConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPollConfigs(cfg); err != nil {
			return err
		}
		if _, err := mapPreflightConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapRetentionConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.ctl.Start(gctx); err != nil {
		cancel()
		return err
	}

	cfg := a.cfgm.Get()
	a.debug.Apply(gctx, mapDebugConfig(cfg))

	if err := a.retention.Start(); err != nil {
		cancel()
		return fmt.Errorf("retention: %w", err)
	}

	g.Go(func() error { a.pre.Run(gctx); return nil })
	g.Go(func() error { return a.recorder.Run(gctx) })
	g.Go(func() error { return a.notif.Run(gctx) })
	g.Go(func() error { return a.cfgm.Watch(gctx) })
	g.Go(func() error { a.reloadLoop(gctx); return nil })

	a.sched.Start(gctx)

	// Under systemd these are no-ops outside a unit; sd_notify only talks
	// when NOTIFY_SOCKET is set.
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	} else if ok {
		a.startWatchdog(gctx)
	}

	a.log.Info("daemon started")
	return nil
}

func (a *App) startWatchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	tick := interval / 2
	a.group.Go(func() error {
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
	a.log.Debug("systemd watchdog armed", logx.Duration("interval", tick))
}

// reloadLoop applies config changes that can take effect live. Socket paths
// and the storage driver need a restart; everything else hot-applies.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.applyConfig(ctx, cfg)
		}
	}
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(mapLogConfig(cfg))

	pollCfgs, err := mapPollConfigs(cfg)
	if err != nil {
		a.log.Warn("invalid polling config; keeping previous", logx.Err(err))
	} else {
		for tp, c := range pollCfgs {
			a.sched.UpdateInterval(tp, c.Default)
			a.sched.SetEnabled(tp, c.Enabled)
		}
	}

	a.debug.Apply(ctx, mapDebugConfig(cfg))

	ncfg, _ := mapNotifyConfig(cfg)
	if a.notif != nil {
		a.notif.Apply(ncfg)
	}

	a.log.Info("config reloaded")
}

// Done is closed when the app's run context is cancelled.
func (a *App) Done() <-chan struct{} {
	if a.group == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	done := make(chan struct{})
	go func() {
		_ = a.group.Wait()
		close(done)
	}()
	return done
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sched.Stop()
	a.ctl.Stop()
	a.retention.Stop(ctx)
	a.debug.Stop(ctx)

	if a.cancel != nil {
		a.cancel()
	}
	if a.group != nil {
		done := make(chan struct{})
		go func() {
			_ = a.group.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			a.log.Warn("background loops did not drain in time")
		}
	}

	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	_ = a.client.Close()

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
