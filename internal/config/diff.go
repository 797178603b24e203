package config

import (
	"reflect"
	"sort"
	"strings"

	logx "cronbridge/pkg/logx"
)

// Sections that need a process restart to take effect.
var restartSections = map[string]bool{
	"storage":      true,
	"cluster_lock": true,
	"launcher":     true,
	"api":          true,
}

// SummarizeConfigChange returns the changed section names and safe fields
// for logging them. Secrets (DSN, passwords, tokens) are reported only as
// "set"/"unset".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Strings("scheduler.cron_keys", newCfg.Scheduler.CronKeys),
			logx.Bool("scheduler.atomic_replace", newCfg.Scheduler.AtomicReplace),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		te := TaskEngineConfig{}
		if newCfg.TaskEngine != nil {
			te = *newCfg.TaskEngine
		}
		attrs = append(attrs,
			logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
			logx.Int("task_engine.workers", te.Workers),
			logx.Int("task_engine.queue_size", te.QueueSize),
			logx.Int("task_engine.retry_max", te.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		st := StorageConfig{}
		if newCfg.Storage != nil {
			st = *newCfg.Storage
		}
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(st.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(st.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(st.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.ClusterLock, newCfg.ClusterLock) {
		changed = append(changed, "cluster_lock")
		enabled := newCfg.ClusterLock != nil && newCfg.ClusterLock.Enabled
		attrs = append(attrs, logx.Bool("cluster_lock.enabled", enabled))
	}

	if !reflect.DeepEqual(oldCfg.Launcher, newCfg.Launcher) {
		changed = append(changed, "launcher")
		driver := ""
		if newCfg.Launcher != nil {
			driver = newCfg.Launcher.Driver
		}
		attrs = append(attrs, logx.String("launcher.driver", driver))
	}

	if !reflect.DeepEqual(oldCfg.API, newCfg.API) {
		changed = append(changed, "api")
		a := APIConfig{}
		if newCfg.API != nil {
			a = *newCfg.API
		}
		attrs = append(attrs,
			logx.Bool("api.enabled", a.Enabled),
			logx.String("api.addr", a.Addr),
			logx.Bool("api.token_set", a.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters changed sections down to those not applied live.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}
