package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Optional sections are pointers so an omitted section can be told apart
// from one with zero values; omitted sections take the defaults listed on
// each type.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine executes fires. Enabled follows scheduler.enabled when unset.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Storage     *StorageConfig     `json:"storage,omitempty"`
	ClusterLock *ClusterLockConfig `json:"cluster_lock,omitempty"`
	Launcher    *LauncherConfig    `json:"launcher,omitempty"`
	API         *APIConfig         `json:"api,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // "pretty" (default) | "json"
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the trigger service and the schedule bridge.
//
// Defaults:
//   - instance_name: "cronbridge-scheduler"
//   - platform: "local"
//   - cron_keys: spring.cloud.scheduler.cron.expression,
//     scheduler.cron.expression, spring.cloud.deployer.cron.expression
//   - wait_for_jobs_on_shutdown: true
//   - shutdown_timeout: "30s"
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	InstanceName string `json:"instance_name,omitempty"`
	Platform     string `json:"platform,omitempty"`

	// CronKeys lists accepted cron property keys, highest priority first.
	CronKeys []string `json:"cron_keys,omitempty"`

	// AtomicReplace swaps an existing schedule in one store transaction.
	AtomicReplace bool `json:"atomic_replace,omitempty"`

	WaitForJobsOnShutdown *bool  `json:"wait_for_jobs_on_shutdown,omitempty"`
	ShutdownTimeout       string `json:"shutdown_timeout,omitempty"`

	FireTimeout  string `json:"fire_timeout,omitempty"`
	SyncInterval string `json:"sync_interval,omitempty"`
}

// TaskEngineConfig controls the worker pool.
//
// Defaults:
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3 (negative disables retries; failed launches are never retried)
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

// StorageConfig selects the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./cronbridge.db" }
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
	DSN    string `json:"dsn,omitempty"` // postgres; may contain a password (do not log)

	TablePrefix string `json:"table_prefix,omitempty"`
	AutoMigrate *bool  `json:"auto_migrate,omitempty"` // default true
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	ConnectRetries int    `json:"connect_retries,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
	HistoryLimit   int    `json:"history_limit,omitempty"`
}

// ClusterLockConfig enables the Redis fire lock for multi-replica setups.
type ClusterLockConfig struct {
	Enabled   bool   `json:"enabled"`
	Addr      string `json:"addr"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"` // do not log
	DB        int    `json:"db,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
	TTL       string `json:"ttl,omitempty"`
}

// LauncherConfig selects how fires start tasks: "log" (default), "http", "nats".
type LauncherConfig struct {
	Driver string              `json:"driver"`
	HTTP   *LauncherHTTPConfig `json:"http,omitempty"`
	NATS   *LauncherNATSConfig `json:"nats,omitempty"`
}

type LauncherHTTPConfig struct {
	BaseURL      string `json:"base_url"`
	Token        string `json:"token,omitempty"` // do not log
	Timeout      string `json:"timeout,omitempty"`
	RetryMax     int    `json:"retry_max,omitempty"`
	RetryWaitMin string `json:"retry_wait_min,omitempty"`
	RetryWaitMax string `json:"retry_wait_max,omitempty"`
	RatePerSec   int    `json:"rate_per_sec,omitempty"`
}

type LauncherNATSConfig struct {
	URL     string `json:"url"`
	Subject string `json:"subject"`
	Timeout string `json:"timeout,omitempty"`
}

// APIConfig controls the HTTP API.
//
// Security note: bind to localhost or set a token; the API can create and
// delete schedules.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default "127.0.0.1:8080"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`

	Pprof bool `json:"pprof,omitempty"`
}
