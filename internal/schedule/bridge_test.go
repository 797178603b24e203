package schedule

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cronbridge/internal/storage"
	"cronbridge/internal/task/scheduler"
)

func request(name, task, cron string, args ...string) Request {
	return Request{
		Name:       name,
		TaskName:   task,
		Properties: map[string]string{CronKeyPrimary: cron},
		Arguments:  args,
	}
}

func names(infos []Info) []string {
	out := make([]string, 0, len(infos))
	for _, i := range infos {
		out = append(out, i.ScheduleName)
	}
	sort.Strings(out)
	return out
}

func TestBridgeEndToEnd(t *testing.T) {
	t.Parallel()
	l := &recordingLauncher{id: 17}
	h := newHarness(t, Options{CronKeys: testCronKeys}, l)
	ctx := context.Background()

	err := h.bridge.Schedule(ctx, Request{
		Name:       "daily-report",
		TaskName:   "report",
		Properties: map[string]string{"scheduler.cron.expression.primary": "0 0 * * * ?"},
		Arguments:  []string{"--verbose"},
	})
	require.NoError(t, err)

	require.Equal(t, []Info{{
		ScheduleName:       "daily-report",
		TaskDefinitionName: "report",
		Properties: map[string]string{
			"scheduler.cron.expression.primary": "0 0 * * * ?",
			"platform":                          "local",
		},
	}}, h.bridge.List(ctx))

	job, ok, err := h.sched.JobDetail(ctx, "daily-report")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, job.DisallowConcurrent)
	require.Equal(t, KindTaskLaunch, job.Kind)

	jc := &scheduler.JobContext{FireID: "fire-1", Job: job}
	require.NoError(t, NewExecutionJob(l, h.bridge.log).Execute(ctx, jc))
	require.Equal(t, []launchCall{{Task: "report", Props: map[string]string{}, Args: []string{"--verbose"}}}, l.Calls())
	require.Equal(t, "execution 17", jc.Result())
}

func TestBridgeReplaceIsNotMerge(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()

	first := request("nightly", "etl", "0 0 2 * * ?", "--full")
	first.Properties["etl.source"] = "a"
	require.NoError(t, h.bridge.Schedule(ctx, first))

	second := request("nightly", "etl-v2", "0 30 3 * * ?")
	second.Properties["etl.sink"] = "b"
	require.NoError(t, h.bridge.Schedule(ctx, second))

	infos := h.bridge.List(ctx)
	require.Len(t, infos, 1)
	require.Equal(t, "etl-v2", infos[0].TaskDefinitionName)
	require.Equal(t, map[string]string{
		CronKeyPrimary: "0 30 3 * * ?",
		PlatformKey:    DefaultPlatform,
		"etl.sink":     "b",
	}, infos[0].Properties)

	job, _, err := h.sched.JobDetail(ctx, "nightly")
	require.NoError(t, err)
	md, err := DecodeMetadata(job.Data[DataKey])
	require.NoError(t, err)
	require.Empty(t, md.Arguments)
}

func TestBridgeUnscheduleIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()

	require.NoError(t, h.bridge.Schedule(ctx, request("once", "t", "@daily")))
	require.NoError(t, h.bridge.Unschedule(ctx, "once"))
	require.NoError(t, h.bridge.Unschedule(ctx, "once"))
	require.NoError(t, h.bridge.Unschedule(ctx, "never-existed"))

	ok, err := h.sched.CheckExists(ctx, "once")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, h.bridge.List(ctx))
}

func TestBridgeListFilter(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()

	require.NoError(t, h.bridge.Schedule(ctx, request("a1", "taskA", "@hourly")))
	require.NoError(t, h.bridge.Schedule(ctx, request("a2", "taskA", "@daily")))
	require.NoError(t, h.bridge.Schedule(ctx, request("b1", "taskB", "@daily")))
	require.NoError(t, h.bridge.Schedule(ctx, request("a3", "TaskA", "@daily")))

	require.Equal(t, []string{"a1", "a2"}, names(h.bridge.ListByTask(ctx, "taskA")))
	require.Equal(t, []string{"b1"}, names(h.bridge.ListByTask(ctx, "taskB")))
	require.Empty(t, h.bridge.ListByTask(ctx, "taskC"))
	require.Equal(t, []string{"a1", "a2", "a3", "b1"}, names(h.bridge.List(ctx)))
}

func TestBridgeListSkipsBadRecords(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()

	for _, n := range []string{"ok1", "ok2", "ok3"} {
		require.NoError(t, h.bridge.Schedule(ctx, request(n, "report", "@daily")))
	}
	valid, err := EncodeMetadata(Metadata{TaskName: "report", Cron: "@daily"})
	require.NoError(t, err)

	put := func(key string, data map[string]string, triggers ...storage.TriggerRecord) {
		require.NoError(t, h.store.PutJob(ctx, storage.JobRecord{Key: key, Kind: KindTaskLaunch, Data: data}, triggers))
	}
	cronTrigger := func(key string) storage.TriggerRecord {
		return storage.TriggerRecord{Key: key, JobKey: key, Kind: string(scheduler.TriggerCron), Expression: "@daily"}
	}
	put("corrupt", map[string]string{DataKey: "{not json"}, cronTrigger("corrupt"))
	put("nameless", map[string]string{DataKey: `{"definition":{}}`}, cronTrigger("nameless"))
	put("no-blob", map[string]string{}, cronTrigger("no-blob"))
	put("no-trigger", map[string]string{DataKey: valid})
	put("interval", map[string]string{DataKey: valid},
		storage.TriggerRecord{Key: "interval", JobKey: "interval", Kind: "interval", Expression: "5m"})

	require.Equal(t, []string{"ok1", "ok2", "ok3"}, names(h.bridge.List(ctx)))
	require.Len(t, h.bridge.ListByTask(ctx, "report"), 3)
}

func TestBridgeDeploymentPropertiesOverride(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{Platform: "kubernetes"}, nil)
	ctx := context.Background()

	req := request("p", "t", "@daily")
	req.Properties[PlatformKey] = "custom"
	require.NoError(t, h.bridge.Schedule(ctx, req))

	infos := h.bridge.List(ctx)
	require.Len(t, infos, 1)
	require.Equal(t, "custom", infos[0].Properties[PlatformKey])
	require.Equal(t, "@daily", infos[0].Properties[CronKeyPrimary])
}

func TestBridgeScheduleFailures(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
	}{
		{name: "missing cron", req: Request{Name: "x", TaskName: "t", Properties: map[string]string{"other": "1"}}},
		{name: "empty name", req: request(" ", "t", "@daily")},
		{name: "empty task", req: request("x", "", "@daily")},
		{name: "bad cron", req: request("x", "t", "61 * * * *")},
	}
	for _, tt := range tests {
		err := h.bridge.Schedule(ctx, tt.req)
		var sf *SchedulingFailure
		require.True(t, errors.As(err, &sf), tt.name)
	}

	require.ErrorIs(t, h.bridge.Schedule(ctx, request("", "t", "@daily")), ErrInvalidRequest)
	require.ErrorIs(t, h.bridge.Schedule(ctx, request("x", "t", "61 * * * *")), scheduler.ErrInvalidTrigger)

	err := h.bridge.Schedule(ctx, Request{Name: "x", TaskName: "t"})
	var mc *MissingCronError
	require.True(t, errors.As(err, &mc))
	require.Contains(t, err.Error(), `"x"`)

	ok, err := h.sched.CheckExists(ctx, "x")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBridgeReplaceFailureModes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	broken := Request{Name: "r", TaskName: "t"}

	// Delete-then-recreate: the old job is gone once the replacement fails.
	h := newHarness(t, Options{}, nil)
	require.NoError(t, h.bridge.Schedule(ctx, request("r", "t", "@daily")))
	require.Error(t, h.bridge.Schedule(ctx, broken))
	ok, err := h.sched.CheckExists(ctx, "r")
	require.NoError(t, err)
	require.False(t, ok)

	// Atomic replace keeps the old job.
	h = newHarness(t, Options{AtomicReplace: true}, nil)
	require.NoError(t, h.bridge.Schedule(ctx, request("r", "t", "@daily")))
	require.Error(t, h.bridge.Schedule(ctx, broken))
	require.Equal(t, []string{"r"}, names(h.bridge.List(ctx)))

	require.NoError(t, h.bridge.Schedule(ctx, request("r", "t2", "@hourly")))
	infos := h.bridge.List(ctx)
	require.Len(t, infos, 1)
	require.Equal(t, "t2", infos[0].TaskDefinitionName)
}

type failingEngine struct {
	TriggerEngine
	err error
}

func (f failingEngine) ScheduleJob(context.Context, scheduler.JobDetail, scheduler.Trigger) error {
	return f.err
}

func (f failingEngine) DeleteJob(context.Context, string) (bool, error) { return false, f.err }

func (f failingEngine) JobKeys(context.Context) ([]string, error) { return nil, f.err }

func TestBridgeEngineErrorsSurface(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()
	cause := errors.New("store unavailable")
	b := NewBridge(failingEngine{TriggerEngine: h.sched, err: cause}, Options{}, h.bridge.log)

	err := b.Schedule(ctx, request("x", "t", "@daily"))
	var sf *SchedulingFailure
	require.True(t, errors.As(err, &sf))
	require.Equal(t, "x", sf.Name)
	require.ErrorIs(t, err, cause)

	err = b.Unschedule(ctx, "x")
	require.True(t, errors.As(err, &sf))
	require.Equal(t, "unschedule", sf.Op)
	require.ErrorIs(t, err, cause)

	require.Empty(t, b.List(ctx))
}

func TestBridgeFiresNeverOverlap(t *testing.T) {
	t.Parallel()
	l := &recordingLauncher{id: 1, delay: 1200 * time.Millisecond}
	h := newHarness(t, Options{}, l)
	ctx := context.Background()

	require.NoError(t, h.bridge.Schedule(ctx, request("busy", "t", "* * * * * ?")))
	require.Eventually(t, func() bool { return len(l.Calls()) >= 2 }, 6*time.Second, 50*time.Millisecond)
	require.NoError(t, h.bridge.Unschedule(ctx, "busy"))
	require.Equal(t, int32(1), atomic.LoadInt32(&l.peak))
}

func TestBridgeFailedFireLaunchesOnce(t *testing.T) {
	t.Parallel()
	l := &recordingLauncher{err: errors.New("task service down")}
	h := newHarness(t, Options{}, l)
	ctx := context.Background()

	require.NoError(t, h.bridge.Schedule(ctx, request("flaky", "t", "* * * * * ?")))
	var execs []storage.ExecutionRecord
	require.Eventually(t, func() bool {
		execs, _ = h.sched.Executions(ctx, "flaky", 10)
		return len(execs) > 0
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, h.bridge.Unschedule(ctx, "flaky"))

	for _, rec := range execs {
		require.Equal(t, 1, rec.Attempts)
		require.Contains(t, rec.Error, "task service down")
	}
	require.Eventually(t, func() bool {
		execs, _ = h.sched.Executions(ctx, "flaky", 10)
		return len(execs) == len(l.Calls())
	}, 3*time.Second, 20*time.Millisecond)
}
