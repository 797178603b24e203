package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks values a decoder cannot: durations, enums and required
// fields of enabled sections. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "pretty", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format))
	}

	s := cfg.Scheduler
	dur("scheduler.shutdown_timeout", s.ShutdownTimeout)
	dur("scheduler.fire_timeout", s.FireTimeout)
	dur("scheduler.sync_interval", s.SyncInterval)
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	for i, k := range s.CronKeys {
		if strings.TrimSpace(k) == "" {
			errs = append(errs, fmt.Errorf("scheduler.cron_keys[%d]: empty key", i))
		}
	}

	if te := cfg.TaskEngine; te != nil {
		dur("task_engine.default_timeout", te.DefaultTimeout)
		dur("task_engine.max_queue_delay", te.MaxQueueDelay)
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
			errs = append(errs, errors.New("task_engine: workers, queue_size and history_size must be >= 0"))
		}
	}

	if st := cfg.Storage; st != nil {
		dur("storage.busy_timeout", st.BusyTimeout)
		dur("storage.connect_timeout", st.ConnectTimeout)
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "memory":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required when storage.driver=%s", st.Driver))
			}
		case "postgres", "postgresql", "pgx":
			if strings.TrimSpace(st.DSN) == "" {
				errs = append(errs, errors.New("storage.dsn is required when storage.driver=postgres"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
	}

	if cl := cfg.ClusterLock; cl != nil && cl.Enabled {
		dur("cluster_lock.ttl", cl.TTL)
		if strings.TrimSpace(cl.Addr) == "" {
			errs = append(errs, errors.New("cluster_lock.addr is required when enabled"))
		}
	}

	if l := cfg.Launcher; l != nil {
		switch strings.ToLower(strings.TrimSpace(l.Driver)) {
		case "", "log":
		case "http":
			if l.HTTP == nil || strings.TrimSpace(l.HTTP.BaseURL) == "" {
				errs = append(errs, errors.New("launcher.http.base_url is required when launcher.driver=http"))
			} else {
				dur("launcher.http.timeout", l.HTTP.Timeout)
				dur("launcher.http.retry_wait_min", l.HTTP.RetryWaitMin)
				dur("launcher.http.retry_wait_max", l.HTTP.RetryWaitMax)
			}
		case "nats":
			if l.NATS == nil || strings.TrimSpace(l.NATS.Subject) == "" {
				errs = append(errs, errors.New("launcher.nats.subject is required when launcher.driver=nats"))
			} else {
				dur("launcher.nats.timeout", l.NATS.Timeout)
			}
		default:
			errs = append(errs, fmt.Errorf("launcher.driver: unknown driver %q", l.Driver))
		}
	}

	if a := cfg.API; a != nil {
		dur("api.read_timeout", a.ReadTimeout)
		dur("api.write_timeout", a.WriteTimeout)
	}
	return multierror.Append(nil, errs...).ErrorOrNil()
}
