package schedule

import (
	"context"
	"strconv"

	"cronbridge/internal/task/engine"
	"cronbridge/internal/task/scheduler"
	logx "cronbridge/pkg/logx"
)

// ExecutionJob launches the task described by a job's metadata blob.
// Jobs created by Bridge are exclusive, so the trigger scheduler never runs
// two fires of one schedule at the same time.
type ExecutionJob struct {
	launcher Launcher
	log      logx.Logger
}

// NewExecutionJob returns the handler for KindTaskLaunch jobs.
func NewExecutionJob(l Launcher, log logx.Logger) *ExecutionJob {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ExecutionJob{launcher: l, log: log}
}

// Execute implements scheduler.Handler.
func (j *ExecutionJob) Execute(ctx context.Context, jc *scheduler.JobContext) error {
	name := jc.Job.Key
	blob, ok := jc.Job.Data[DataKey]
	if !ok {
		err := &JobExecutionError{Name: name, Err: &DecodeError{Reason: "job data has no " + DataKey}}
		return engine.NoRetry(err)
	}
	md, err := DecodeMetadata(blob)
	if err != nil {
		j.log.Error("fire aborted: bad metadata", logx.String("schedule", name), logx.Err(err))
		return engine.NoRetry(&JobExecutionError{Name: name, Err: err})
	}

	// One launch per fire: a failed launch is reported, never refired.
	id, err := j.launcher.Launch(ctx, md.TaskName, md.Properties, md.Arguments)
	if err != nil {
		return engine.NoRetry(&JobExecutionError{Name: name, Err: err})
	}
	jc.SetResult("execution " + strconv.FormatInt(id, 10))
	j.log.Info("task launched",
		logx.String("schedule", name),
		logx.String("task", md.TaskName),
		logx.Int64("execution", id),
		logx.String("fire", jc.FireID),
	)
	return nil
}
