package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cronbridge/internal/storage"
	"cronbridge/internal/task/engine"
	"cronbridge/internal/task/scheduler"
	logx "cronbridge/pkg/logx"
)

// Key names used by callers in the end-to-end scenario.
var testCronKeys = []string{
	"scheduler.cron.expression.primary",
	"scheduler.cron.expression.short",
	"scheduler.cron.expression.legacy",
}

type launchCall struct {
	Task  string
	Props map[string]string
	Args  []string
}

type recordingLauncher struct {
	mu    sync.Mutex
	calls []launchCall

	id    int64
	err   error
	delay time.Duration

	running int32
	peak    int32
}

func (l *recordingLauncher) Launch(ctx context.Context, task string, props map[string]string, args []string) (int64, error) {
	n := atomic.AddInt32(&l.running, 1)
	defer atomic.AddInt32(&l.running, -1)
	for {
		p := atomic.LoadInt32(&l.peak)
		if n <= p || atomic.CompareAndSwapInt32(&l.peak, p, n) {
			break
		}
	}

	l.mu.Lock()
	l.calls = append(l.calls, launchCall{Task: task, Props: props, Args: args})
	l.mu.Unlock()

	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return l.id, l.err
}

func (l *recordingLauncher) Calls() []launchCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]launchCall(nil), l.calls...)
}

type harness struct {
	bridge *Bridge
	sched  *scheduler.Service
	store  storage.Store
}

func newHarness(t *testing.T, opts Options, l Launcher) *harness {
	t.Helper()
	store := storage.NewMemory(storage.Config{})
	eng := engine.New(engine.Config{Enabled: true, Workers: 4}, logx.Nop(), nil)
	eng.Start(context.Background())
	sched := scheduler.New(scheduler.Config{Enabled: true, InstanceName: "test"}, store, eng, logx.Nop(), nil)
	if l != nil {
		sched.RegisterHandler(KindTaskLaunch, NewExecutionJob(l, logx.Nop()))
	}
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		sched.Stop(ctx)
		eng.StopNow(ctx)
	})
	return &harness{bridge: NewBridge(sched, opts, logx.Nop()), sched: sched, store: store}
}
