package scheduler

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"cronbridge/internal/eventbus"
	rtsup "cronbridge/internal/runtime/supervisor"
	"cronbridge/internal/storage"
	"cronbridge/internal/task/engine"
	logx "cronbridge/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"

	// InstanceName is recorded on every execution record.
	InstanceName string

	// FireTimeout bounds one handler call (0 = engine default).
	FireTimeout time.Duration

	// SyncInterval reloads triggers from the store so replicas pick up
	// schedules created elsewhere. 0 disables.
	SyncInterval time.Duration
}

type TriggerKind string

const TriggerCron TriggerKind = "cron"

// JobDetail is a job as the scheduler sees it.
type JobDetail struct {
	Key         string
	Kind        string
	Description string
	Data        map[string]string

	// DisallowConcurrent forbids overlapping fires of the same key.
	DisallowConcurrent bool
}

// Trigger binds a schedule expression to a job.
type Trigger struct {
	Key        string
	JobKey     string
	Kind       TriggerKind
	Expression string
}

// JobContext is handed to a Handler for one fire.
type JobContext struct {
	FireID   string
	Instance string
	Job      JobDetail
	Trigger  Trigger
	FiredAt  time.Time

	// Scheduled is the tick this fire belongs to. Replicas firing the same
	// tick agree on it.
	Scheduled time.Time

	mu      sync.Mutex
	result  string
	skipped bool
}

// SetResult records a short outcome stored on the execution record.
func (c *JobContext) SetResult(v string) {
	c.mu.Lock()
	c.result = v
	c.mu.Unlock()
}

func (c *JobContext) Result() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

func (c *JobContext) markSkipped() {
	c.mu.Lock()
	c.skipped = true
	c.mu.Unlock()
}

func (c *JobContext) wasSkipped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.skipped
}

// Handler executes fires for one job kind.
type Handler interface {
	Execute(ctx context.Context, jc *JobContext) error
}

type HandlerFunc func(ctx context.Context, jc *JobContext) error

func (f HandlerFunc) Execute(ctx context.Context, jc *JobContext) error { return f(ctx, jc) }

// Locker coordinates replicas that share one job store.
type Locker interface {
	// Claim takes key until its lease expires. Only the first caller gets
	// true; claims are never released early.
	Claim(ctx context.Context, key string) (bool, error)
	// TryLock serializes fires of one job key across processes.
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

// Event types published on the bus.
const (
	EventScheduled = "schedule.added"
	EventRemoved   = "schedule.removed"
	EventFired     = "fire.completed"
	EventFailed    = "fire.failed"
	EventSkipped   = "fire.skipped"
)

// FireEvent is the payload of fire.* events.
type FireEvent struct {
	JobKey   string        `json:"job_key"`
	FireID   string        `json:"fire_id"`
	Duration time.Duration `json:"duration"`
	Reason   string        `json:"reason,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type entry struct {
	trigger Trigger
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	store  storage.Store
	engine *engine.Service
	locker Locker

	parser   cron.Parser
	c        *cron.Cron
	entries  map[string]*entry // by trigger key
	handlers map[string]Handler

	sup *rtsup.Supervisor

	// gen counts local job changes; touched maps a job key to the gen of its
	// last change so Sync leaves jobs changed after its store read alone.
	gen     uint64
	touched map[string]uint64

	// Enqueue error throttling: key is job key.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type Option func(*Service)

// WithLocker makes each tick launch on one replica only and enables
// cross-process exclusion for DisallowConcurrent jobs.
func WithLocker(l Locker) Option { return func(s *Service) { s.locker = l } }

type ScheduleInfo struct {
	JobKey     string
	TriggerKey string
	Kind       TriggerKind
	Expression string
	Next       time.Time
	Prev       time.Time
}

type Snapshot struct {
	Enabled  bool
	Running  bool
	Timezone string
	Instance string

	Workers          int
	InFlight         int
	QueueLen         int
	QueueCap         int
	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64
	DefaultTimeout   time.Duration
	RetryMax         int
	RetryBase        time.Duration
	RetryMaxDelay    time.Duration

	Schedules []ScheduleInfo
	History   []engine.HistoryItem
}

func toRecord(j JobDetail) storage.JobRecord {
	return storage.JobRecord{
		Key:                j.Key,
		Kind:               j.Kind,
		Description:        j.Description,
		Data:               maps.Clone(j.Data),
		DisallowConcurrent: j.DisallowConcurrent,
	}
}

func fromRecord(r storage.JobRecord) JobDetail {
	return JobDetail{
		Key:                r.Key,
		Kind:               r.Kind,
		Description:        r.Description,
		Data:               r.Data,
		DisallowConcurrent: r.DisallowConcurrent,
	}
}

func triggerFromRecord(r storage.TriggerRecord) Trigger {
	return Trigger{Key: r.Key, JobKey: r.JobKey, Kind: TriggerKind(r.Kind), Expression: r.Expression}
}
