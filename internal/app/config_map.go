package app

import (
	"fmt"
	"strings"
	"time"

	"cronbridge/internal/api"
	"cronbridge/internal/cluster"
	"cronbridge/internal/config"
	"cronbridge/internal/launcher"
	"cronbridge/internal/schedule"
	"cronbridge/internal/storage"
	"cronbridge/internal/task/engine"
	"cronbridge/internal/task/scheduler"
	logx "cronbridge/pkg/logx"
)

const (
	defaultInstanceName    = "cronbridge-scheduler"
	defaultShutdownTimeout = 30 * time.Second
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	fireTimeout, err := config.ParseDurationField("scheduler.fire_timeout", sc.FireTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	syncInterval, err := config.ParseDurationField("scheduler.sync_interval", sc.SyncInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	name := strings.TrimSpace(sc.InstanceName)
	if name == "" {
		name = defaultInstanceName
	}
	return scheduler.Config{
		Enabled:      sc.Enabled,
		Timezone:     sc.Timezone,
		InstanceName: name,
		FireTimeout:  fireTimeout,
		SyncInterval: syncInterval,
	}, nil
}

func mapBridgeOptions(cfg *config.Config) schedule.Options {
	return schedule.Options{
		Platform:      cfg.Scheduler.Platform,
		CronKeys:      cfg.Scheduler.CronKeys,
		AtomicReplace: cfg.Scheduler.AtomicReplace,
	}
}

// shutdownPolicy returns whether queued fires are drained on stop, and the
// upper bound for the whole stop sequence.
func shutdownPolicy(cfg *config.Config) (bool, time.Duration) {
	wait := true
	if cfg.Scheduler.WaitForJobsOnShutdown != nil {
		wait = *cfg.Scheduler.WaitForJobsOnShutdown
	}
	d, err := config.ParseDurationOrDefault("scheduler.shutdown_timeout", cfg.Scheduler.ShutdownTimeout, defaultShutdownTimeout)
	if err != nil {
		d = defaultShutdownTimeout
	}
	return wait, d
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	enabled := cfg.Scheduler.Enabled
	workers := 0
	queueSize := 0
	historySize := 0
	retryMax := 0
	var defTimeoutStr, maxQueueDelayStr string

	if te := cfg.TaskEngine; te != nil {
		if te.Enabled != nil {
			enabled = *te.Enabled
		}
		workers = te.Workers
		queueSize = te.QueueSize
		historySize = te.HistorySize
		retryMax = te.RetryMax
		defTimeoutStr = te.DefaultTimeout
		maxQueueDelayStr = te.MaxQueueDelay

		// Triggers would fire into a stopped pool.
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
	}

	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if historySize <= 0 {
		historySize = 200
	}
	if retryMax == 0 {
		retryMax = 3
	}

	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", defTimeoutStr)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", maxQueueDelayStr)
	if err != nil {
		return engine.Config{}, err
	}

	return engine.Config{
		Enabled:        enabled,
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    historySize,
		RetryMax:       retryMax,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{Driver: "memory", AutoMigrate: true}, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "memory"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	connectTimeout, err := config.ParseDurationField("storage.connect_timeout", sc.ConnectTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	autoMigrate := true
	if sc.AutoMigrate != nil {
		autoMigrate = *sc.AutoMigrate
	}
	return storage.Config{
		Driver:         driver,
		Path:           strings.TrimSpace(sc.Path),
		DSN:            strings.TrimSpace(sc.DSN),
		TablePrefix:    sc.TablePrefix,
		AutoMigrate:    autoMigrate,
		BusyTimeout:    busy,
		ConnectRetries: sc.ConnectRetries,
		ConnectTimeout: connectTimeout,
		HistoryLimit:   sc.HistoryLimit,
	}, nil
}

// mapClusterConfig reports false when the lock is not enabled.
func mapClusterConfig(cfg *config.Config) (cluster.Config, bool, error) {
	cl := cfg.ClusterLock
	if cl == nil || !cl.Enabled {
		return cluster.Config{}, false, nil
	}
	ttl, err := config.ParseDurationField("cluster_lock.ttl", cl.TTL)
	if err != nil {
		return cluster.Config{}, false, err
	}
	return cluster.Config{
		Enabled:   true,
		Addr:      strings.TrimSpace(cl.Addr),
		Username:  cl.Username,
		Password:  cl.Password,
		DB:        cl.DB,
		KeyPrefix: cl.KeyPrefix,
		TTL:       ttl,
	}, true, nil
}

func mapLauncherConfig(cfg *config.Config) (launcher.Config, error) {
	lc := cfg.Launcher
	if lc == nil {
		return launcher.Config{Driver: "log"}, nil
	}
	out := launcher.Config{Driver: strings.ToLower(strings.TrimSpace(lc.Driver))}
	if h := lc.HTTP; h != nil {
		timeout, err := config.ParseDurationField("launcher.http.timeout", h.Timeout)
		if err != nil {
			return launcher.Config{}, err
		}
		waitMin, err := config.ParseDurationField("launcher.http.retry_wait_min", h.RetryWaitMin)
		if err != nil {
			return launcher.Config{}, err
		}
		waitMax, err := config.ParseDurationField("launcher.http.retry_wait_max", h.RetryWaitMax)
		if err != nil {
			return launcher.Config{}, err
		}
		out.HTTP = launcher.HTTPConfig{
			BaseURL:      strings.TrimRight(strings.TrimSpace(h.BaseURL), "/"),
			Token:        h.Token,
			Timeout:      timeout,
			RetryMax:     h.RetryMax,
			RetryWaitMin: waitMin,
			RetryWaitMax: waitMax,
			RatePerSec:   h.RatePerSec,
		}
	}
	if n := lc.NATS; n != nil {
		timeout, err := config.ParseDurationField("launcher.nats.timeout", n.Timeout)
		if err != nil {
			return launcher.Config{}, err
		}
		out.NATS = launcher.NATSConfig{
			URL:     strings.TrimSpace(n.URL),
			Subject: strings.TrimSpace(n.Subject),
			Timeout: timeout,
		}
	}
	return out, nil
}

// mapAPIConfig reports false when the API is not enabled.
func mapAPIConfig(cfg *config.Config) (api.Config, bool, error) {
	ac := cfg.API
	if ac == nil || !ac.Enabled {
		return api.Config{}, false, nil
	}
	rt, err := config.ParseDurationOrDefault("api.read_timeout", ac.ReadTimeout, 15*time.Second)
	if err != nil {
		return api.Config{}, false, err
	}
	wt, err := config.ParseDurationOrDefault("api.write_timeout", ac.WriteTimeout, 15*time.Second)
	if err != nil {
		return api.Config{}, false, err
	}
	return api.Config{
		Addr:         strings.TrimSpace(ac.Addr),
		Token:        ac.Token,
		ReadTimeout:  rt,
		WriteTimeout: wt,
		Pprof:        ac.Pprof,
	}, true, nil
}
