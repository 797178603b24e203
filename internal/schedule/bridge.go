package schedule

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"cronbridge/internal/task/scheduler"
	logx "cronbridge/pkg/logx"
)

// Bridge registers, removes and lists schedules on a TriggerEngine.
// Calls on the same name are not serialized; the last writer wins.
type Bridge struct {
	engine   TriggerEngine
	resolver CronResolver
	platform string
	atomic   bool
	log      logx.Logger
}

// NewBridge returns a Bridge that stores schedules through engine.
func NewBridge(engine TriggerEngine, opts Options, log logx.Logger) *Bridge {
	if log.IsZero() {
		log = logx.Nop()
	}
	platform := strings.TrimSpace(opts.Platform)
	if platform == "" {
		platform = DefaultPlatform
	}
	return &Bridge{
		engine:   engine,
		resolver: NewCronResolver(opts.CronKeys...),
		platform: platform,
		atomic:   opts.AtomicReplace,
		log:      log,
	}
}

// Resolver exposes the cron key policy in use.
func (b *Bridge) Resolver() CronResolver { return b.resolver }

// Schedule creates the schedule, replacing any job with the same name.
//
// Without AtomicReplace an existing job is deleted before the request is
// resolved, so a failed call can leave the name unscheduled. Callers see the
// error and may retry.
func (b *Bridge) Schedule(ctx context.Context, req Request) error {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return &SchedulingFailure{Op: "schedule", Name: req.Name, Err: fmt.Errorf("%w: schedule name required", ErrInvalidRequest)}
	}
	if strings.TrimSpace(req.TaskName) == "" {
		return &SchedulingFailure{Op: "schedule", Name: name, Err: fmt.Errorf("%w: task definition name required", ErrInvalidRequest)}
	}
	fail := func(err error) error { return &SchedulingFailure{Op: "schedule", Name: name, Err: err} }

	if b.log.Enabled(logx.LevelDebug) {
		b.logExisting(ctx)
	}

	if !b.atomic {
		exists, err := b.engine.CheckExists(ctx, name)
		if err != nil {
			return fail(err)
		}
		if exists {
			if _, err := b.engine.DeleteJob(ctx, name); err != nil {
				return fail(err)
			}
			b.log.Debug("existing schedule removed", logx.String("schedule", name))
		}
	}

	cron, props, err := b.resolver.Resolve(req.Properties)
	if err != nil {
		return fail(err)
	}
	args := append([]string{}, req.Arguments...)
	blob, err := EncodeMetadata(Metadata{TaskName: req.TaskName, Properties: props, Arguments: args, Cron: cron})
	if err != nil {
		return fail(err)
	}

	job := scheduler.JobDetail{
		Key:                name,
		Kind:               KindTaskLaunch,
		Description:        "launch " + req.TaskName,
		Data:               map[string]string{DataKey: blob},
		DisallowConcurrent: true,
	}
	trigger := scheduler.Trigger{Key: name, JobKey: name, Kind: scheduler.TriggerCron, Expression: cron}

	if b.atomic {
		err = b.engine.ReplaceJob(ctx, job, trigger)
	} else {
		err = b.engine.ScheduleJob(ctx, job, trigger)
	}
	if err != nil {
		return fail(err)
	}
	b.log.Info("schedule registered", logx.String("schedule", name), logx.String("task", req.TaskName), logx.String("cron", cron))
	return nil
}

// Unschedule deletes the named schedule. A missing name is not an error.
func (b *Bridge) Unschedule(ctx context.Context, name string) error {
	ok, err := b.engine.DeleteJob(ctx, name)
	if err != nil {
		return &SchedulingFailure{Op: "unschedule", Name: name, Err: err}
	}
	if !ok {
		b.log.Warn("unschedule: no such schedule", logx.String("schedule", name))
		return nil
	}
	b.log.Info("schedule removed", logx.String("schedule", name))
	return nil
}

// List returns every valid schedule in no particular order.
func (b *Bridge) List(ctx context.Context) []Info {
	return b.list(ctx, func(string) bool { return true })
}

// ListByTask returns schedules whose task definition name equals taskName.
func (b *Bridge) ListByTask(ctx context.Context, taskName string) []Info {
	return b.list(ctx, func(n string) bool { return n == taskName })
}

// list never fails: a record that cannot be read is logged and left out.
func (b *Bridge) list(ctx context.Context, match func(taskName string) bool) []Info {
	keys, err := b.engine.JobKeys(ctx)
	if err != nil {
		b.log.Warn("list: job enumeration failed", logx.Err(err))
		return []Info{}
	}
	out := make([]Info, 0, len(keys))
	for _, key := range keys {
		info, ok := b.load(ctx, key)
		if !ok || !match(info.TaskDefinitionName) {
			continue
		}
		out = append(out, info)
	}
	return out
}

func (b *Bridge) load(ctx context.Context, key string) (Info, bool) {
	job, ok, err := b.engine.JobDetail(ctx, key)
	if err != nil {
		b.log.Warn("list: job lookup failed", logx.String("schedule", key), logx.Err(err))
		return Info{}, false
	}
	if !ok {
		return Info{}, false
	}
	blob, ok := job.Data[DataKey]
	if !ok {
		return Info{}, false
	}
	triggers, err := b.engine.TriggersOfJob(ctx, key)
	if err != nil {
		b.log.Warn("list: trigger lookup failed", logx.String("schedule", key), logx.Err(err))
		return Info{}, false
	}
	if len(triggers) == 0 {
		return Info{}, false
	}
	cron, isCron := scheduler.CronExpression(triggers[0])
	if !isCron {
		return Info{}, false
	}
	md, err := DecodeMetadata(blob)
	if err != nil {
		b.log.Warn("list: skipping unreadable schedule", logx.String("schedule", key), logx.Err(err))
		return Info{}, false
	}

	props := map[string]string{
		b.resolver.CanonicalKey(): cron,
		PlatformKey:               b.platform,
	}
	maps.Copy(props, md.Properties)
	return Info{ScheduleName: key, TaskDefinitionName: md.TaskName, Properties: props}, true
}

func (b *Bridge) logExisting(ctx context.Context) {
	keys, err := b.engine.JobKeys(ctx)
	if err != nil {
		return
	}
	for _, k := range keys {
		trs, err := b.engine.TriggersOfJob(ctx, k)
		if err != nil {
			continue
		}
		exprs := make([]string, 0, len(trs))
		for _, t := range trs {
			exprs = append(exprs, string(t.Kind)+":"+t.Expression)
		}
		b.log.Debug("existing job", logx.String("job", k), logx.Strings("triggers", exprs))
	}
}
