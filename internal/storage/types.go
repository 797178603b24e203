package storage

import (
	"context"
	"errors"
	"maps"
	"time"
)

var (
	ErrJobExists   = errors.New("job already exists")
	ErrJobNotFound = errors.New("job not found")
	ErrClosed      = errors.New("store closed")
)

// Config configures storage.
//
// Driver values: "memory" (default when empty), "file", "sqlite", "postgres".
type Config struct {
	Driver string
	// Path is the sqlite database file or the file-driver prefix.
	Path string
	// DSN is the postgres connection string.
	DSN string

	TablePrefix string
	AutoMigrate bool

	BusyTimeout time.Duration // sqlite only; 0 means default

	// ConnectRetries bounds startup connection attempts for network drivers.
	ConnectRetries int
	ConnectTimeout time.Duration

	// HistoryLimit is the number of execution records kept per job (0 = 50).
	HistoryLimit int
}

const (
	defaultTablePrefix  = "cronbridge_"
	defaultHistoryLimit = 50
)

func (c Config) historyLimit() int {
	if c.HistoryLimit <= 0 {
		return defaultHistoryLimit
	}
	return c.HistoryLimit
}

// JobRecord is a persisted job detail. Data is opaque to the store.
type JobRecord struct {
	Key                string            `json:"key"`
	Kind               string            `json:"kind"`
	Description        string            `json:"description,omitempty"`
	Data               map[string]string `json:"data"`
	DisallowConcurrent bool              `json:"disallow_concurrent"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

func (j JobRecord) clone() JobRecord {
	j.Data = maps.Clone(j.Data)
	if j.Data == nil {
		j.Data = map[string]string{}
	}
	return j
}

// TriggerRecord is a persisted trigger bound to one job.
type TriggerRecord struct {
	Key        string    `json:"key"`
	JobKey     string    `json:"job_key"`
	Kind       string    `json:"kind"`
	Expression string    `json:"expression"`
	CreatedAt  time.Time `json:"created_at"`
}

// ExecutionRecord is one completed (or dropped) fire of a job.
type ExecutionRecord struct {
	JobKey   string        `json:"job_key"`
	FireID   string        `json:"fire_id"`
	Instance string        `json:"instance,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Result   string        `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Store is the persistence API of the trigger engine.
//
// PutJob and ReplaceJob write a job and all its triggers as one unit.
type Store interface {
	JobExists(ctx context.Context, key string) (bool, error)
	GetJob(ctx context.Context, key string) (JobRecord, bool, error)
	GetTriggers(ctx context.Context, jobKey string) ([]TriggerRecord, error)
	JobKeys(ctx context.Context) ([]string, error)

	// PutJob fails with ErrJobExists if key is taken.
	PutJob(ctx context.Context, job JobRecord, triggers []TriggerRecord) error
	// ReplaceJob deletes any existing job with the same key and inserts the
	// new one in a single transaction.
	ReplaceJob(ctx context.Context, job JobRecord, triggers []TriggerRecord) error
	// DeleteJob removes the job and its triggers, reporting whether it existed.
	DeleteJob(ctx context.Context, key string) (bool, error)

	AppendExecution(ctx context.Context, rec ExecutionRecord) error
	// ListExecutions returns the newest records first.
	ListExecutions(ctx context.Context, jobKey string, limit int) ([]ExecutionRecord, error)

	Close() error
}

func stamp(job JobRecord, triggers []TriggerRecord, now time.Time) (JobRecord, []TriggerRecord) {
	job = job.clone()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	out := make([]TriggerRecord, len(triggers))
	for i, t := range triggers {
		if t.JobKey == "" {
			t.JobKey = job.Key
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		out[i] = t
	}
	return job, out
}

func validateJob(job JobRecord, triggers []TriggerRecord) error {
	if job.Key == "" {
		return errors.New("job key is required")
	}
	for _, t := range triggers {
		if t.Key == "" {
			return errors.New("trigger key is required")
		}
		if t.JobKey != "" && t.JobKey != job.Key {
			return errors.New("trigger " + t.Key + " belongs to job " + t.JobKey + ", not " + job.Key)
		}
	}
	return nil
}
