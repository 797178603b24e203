package schedule

import (
	"context"

	"cronbridge/internal/task/scheduler"
)

const (
	// KindTaskLaunch is the job kind handled by ExecutionJob.
	KindTaskLaunch = "task-launch"
	// DataKey holds the metadata blob in the job data.
	DataKey = "properties"

	// PlatformKey marks the platform in listed properties.
	PlatformKey     = "platform"
	DefaultPlatform = "local"
)

// Request asks for one named schedule.
type Request struct {
	Name       string            `json:"scheduleName"`
	TaskName   string            `json:"taskDefinitionName"`
	Properties map[string]string `json:"properties"`
	Arguments  []string          `json:"commandlineArguments"`
}

// Info is a listed schedule. Properties carry the cron expression under the
// canonical key and the platform marker, overlaid by deployment properties.
type Info struct {
	ScheduleName       string            `json:"scheduleName"`
	TaskDefinitionName string            `json:"taskDefinitionName"`
	Properties         map[string]string `json:"properties"`
}

// TriggerEngine is the part of the trigger scheduler the bridge drives.
type TriggerEngine interface {
	CheckExists(ctx context.Context, key string) (bool, error)
	DeleteJob(ctx context.Context, key string) (bool, error)
	ScheduleJob(ctx context.Context, job scheduler.JobDetail, trigger scheduler.Trigger) error
	ReplaceJob(ctx context.Context, job scheduler.JobDetail, trigger scheduler.Trigger) error
	JobKeys(ctx context.Context) ([]string, error)
	JobDetail(ctx context.Context, key string) (scheduler.JobDetail, bool, error)
	TriggersOfJob(ctx context.Context, key string) ([]scheduler.Trigger, error)
}

// Launcher starts a task and returns its execution id.
type Launcher interface {
	Launch(ctx context.Context, taskName string, props map[string]string, args []string) (int64, error)
}

// Options configures a Bridge.
type Options struct {
	// Platform is reported under PlatformKey (default "local").
	Platform string
	// CronKeys overrides DefaultCronKeys; the first key is canonical.
	CronKeys []string
	// AtomicReplace swaps an existing job in one store transaction instead of
	// deleting it before the new one is built.
	AtomicReplace bool
}
