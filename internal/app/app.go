package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"cronbridge/internal/api"
	"cronbridge/internal/cluster"
	"cronbridge/internal/config"
	"cronbridge/internal/eventbus"
	"cronbridge/internal/launcher"
	"cronbridge/internal/metrics"
	"cronbridge/internal/schedule"
	"cronbridge/internal/storage"
	"cronbridge/internal/task/engine"
	"cronbridge/internal/task/scheduler"
	logx "cronbridge/pkg/logx"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// App owns every long-lived component of the serve process.
type App struct {
	cfgm *config.ConfigManager
	logs *logx.Service
	log  logx.Logger

	bus      eventbus.Bus
	store    storage.Store
	engine   *engine.Service
	sched    *scheduler.Service
	locker   *cluster.RedisLocker
	launch   launcher.Client
	bridge   *schedule.Bridge
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	api      *api.Server

	stopOnce sync.Once
	stopErr  error
}

// New loads the config at path and builds the components. Nothing fires
// until Start.
func New(ctx context.Context, path string) (*App, error) {
	cfgm := config.NewConfigManager(path)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(ctx, cfgm, cfg)
}

func build(ctx context.Context, cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	logs, log := logx.New(mapLoggingConfig(cfg))
	a := &App{cfgm: cfgm, logs: logs, log: log, bus: eventbus.New()}
	if err := a.wire(ctx, cfg); err != nil {
		_ = a.closeResources()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, cfg *config.Config) error {
	log := a.log
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	launchCfg, err := mapLauncherConfig(cfg)
	if err != nil {
		return err
	}
	lockCfg, lockOn, err := mapClusterConfig(cfg)
	if err != nil {
		return err
	}
	apiCfg, apiOn, err := mapAPIConfig(cfg)
	if err != nil {
		return err
	}

	a.store, err = storage.Open(ctx, storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.launch, err = launcher.Open(ctx, launchCfg, log.With(logx.String("comp", "launcher")))
	if err != nil {
		return fmt.Errorf("open launcher: %w", err)
	}

	var opts []scheduler.Option
	if lockOn {
		a.locker, err = cluster.Open(ctx, lockCfg, log.With(logx.String("comp", "cluster")))
		if err != nil {
			return err
		}
		opts = append(opts, scheduler.WithLocker(a.locker))
	}

	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), a.bus)
	a.sched = scheduler.New(schedCfg, a.store, a.engine, log.With(logx.String("comp", "scheduler")), a.bus, opts...)
	a.sched.RegisterHandler(schedule.KindTaskLaunch, schedule.NewExecutionJob(a.launch, log.With(logx.String("comp", "execution"))))
	a.bridge = schedule.NewBridge(a.sched, mapBridgeOptions(cfg), log.With(logx.String("comp", "bridge")))

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.MustNew(a.registry, a.stats)

	if apiOn {
		a.api = api.New(apiCfg, a.bridge, a.sched, a.registry, log.With(logx.String("comp", "api")))
	}

	a.cfgm.SetLogger(log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		if _, err := mapSchedulerConfig(c); err != nil {
			return err
		}
		_, err := mapTaskEngineConfig(c)
		return err
	})
	return nil
}

// Bridge exposes the schedule API.
func (a *App) Bridge() *schedule.Bridge { return a.bridge }

// Handler returns the API router, or nil when the API is disabled.
func (a *App) Handler() http.Handler {
	if a.api == nil {
		return nil
	}
	return a.api.Handler()
}

func (a *App) stats() metrics.Stats {
	es := a.engine.Snapshot()
	return metrics.Stats{
		Schedules: len(a.sched.Snapshot().Schedules),
		InFlight:  es.InFlight,
		QueueLen:  es.QueueLen,
	}
}

// Start starts the engine and restores persisted triggers.
func (a *App) Start(ctx context.Context) error {
	if a.engine.Enabled() {
		a.engine.Start(ctx)
	}
	if err := a.sched.Start(ctx); err != nil {
		return err
	}
	a.log.Info("app started")
	return nil
}

// Run starts the app and serves until ctx is done or a component fails,
// then stops everything.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return multierror.Append(err, a.stopWithTimeout(StopFatalError)).ErrorOrNil()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.metrics.Run(gctx, a.bus) })
	g.Go(func() error { return a.cfgm.Watch(gctx) })
	g.Go(func() error { a.reloadLoop(gctx); return nil })
	if a.api != nil {
		g.Go(func() error { return a.api.Run(gctx) })
	}
	if a.log.Enabled(logx.LevelDebug) {
		g.Go(func() error { a.logEvents(gctx); return nil })
	}

	runErr := g.Wait()
	reason := StopSignal
	if runErr != nil {
		reason = StopFatalError
		a.log.Error("component failed", logx.Err(runErr))
	}
	if stopErr := a.stopWithTimeout(reason); stopErr != nil {
		return multierror.Append(runErr, stopErr)
	}
	return runErr
}

func (a *App) stopWithTimeout(reason StopReason) error {
	_, d := shutdownPolicy(a.cfgm.Get())
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return a.Stop(ctx, reason)
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// reloadLoop applies hot-reloadable sections and reports the rest.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Keep only the newest config of a burst.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	changed, attrs := config.SummarizeConfigChange(prev, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(changed); len(restart) > 0 {
		a.log.Warn("config change needs restart to take effect", logx.Strings("sections", restart))
	}
	if !reflect.DeepEqual(mapBridgeOptions(prev), mapBridgeOptions(next)) {
		a.log.Warn("config change needs restart to take effect",
			logx.Strings("sections", []string{"scheduler.platform", "scheduler.cron_keys", "scheduler.atomic_replace"}))
	}

	a.logs.Apply(mapLoggingConfig(next))

	if engCfg, err := mapTaskEngineConfig(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, engCfg)
	}

	if schedCfg, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		wasRunning := a.sched.Running()
		a.sched.Apply(schedCfg)
		switch {
		case wasRunning && !schedCfg.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !wasRunning && schedCfg.Enabled:
			a.log.Info("scheduler enabled via config")
			if err := a.sched.Start(ctx); err != nil {
				a.log.Error("scheduler start failed", logx.Err(err))
			}
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order: triggers, then the worker
// pool, then the connections fires use. Errors from every step are returned
// together. Only the first call has an effect.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.stopOnce.Do(func() {
		a.log.Info("stopping", logx.String("reason", string(reason)))
		wait, _ := shutdownPolicy(a.cfgm.Get())

		var errs *multierror.Error
		errs = multierror.Append(errs, a.step(ctx, "scheduler", func(c context.Context) error {
			a.sched.Stop(c)
			return nil
		}))
		errs = multierror.Append(errs, a.step(ctx, "taskengine", func(c context.Context) error {
			if wait {
				a.engine.Stop(c)
			} else {
				a.engine.StopNow(c)
			}
			return nil
		}))
		errs = multierror.Append(errs, a.step(ctx, "resources", func(context.Context) error {
			return a.closeResources()
		}))
		a.stopErr = errs.ErrorOrNil()

		if a.stopErr != nil {
			a.log.Warn("stopped with errors", logx.Err(a.stopErr))
		} else {
			a.log.Info("stopped")
		}
		_ = a.logs.Close()
	})
	return a.stopErr
}

// closeResources releases connections opened by wire.
func (a *App) closeResources() error {
	var errs *multierror.Error
	if a.launch != nil {
		if err := a.launch.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("launcher: %w", err))
		}
	}
	if a.locker != nil {
		if err := a.locker.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("cluster lock: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && !errors.Is(err, storage.ErrClosed) {
			errs = multierror.Append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	return errs.ErrorOrNil()
}

// step runs one shutdown step. A step that ignores ctx is logged and left
// behind so it cannot stall the rest of the stop.
func (a *App) step(ctx context.Context, name string, fn func(context.Context) error) error {
	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		return err
	case <-ctx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Err(ctx.Err()), logx.Duration("elapsed", time.Since(start)))
		go func() {
			<-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)))
		}()
		return fmt.Errorf("stop %s: %w", name, ctx.Err())
	}
}
