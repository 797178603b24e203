package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cronbridge/internal/eventbus"
	"cronbridge/internal/storage"
	"cronbridge/internal/task/engine"
	logx "cronbridge/pkg/logx"
)

const kindTest = "test"

type fixture struct {
	svc   *Service
	store storage.Store
	eng   *engine.Service
	bus   eventbus.Bus
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureOn(t, storage.NewMemory(storage.Config{}), opts...)
}

func newFixtureOn(t *testing.T, store storage.Store, opts ...Option) *fixture {
	t.Helper()
	bus := eventbus.New()
	eng := engine.New(engine.Config{Enabled: true, Workers: 4, RetryMax: -1}, logx.Nop(), bus)
	eng.Start(context.Background())
	svc := New(Config{Enabled: true, InstanceName: "test-1"}, store, eng, logx.Nop(), bus, opts...)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
		eng.Stop(ctx)
	})
	return &fixture{svc: svc, store: store, eng: eng, bus: bus}
}

func cronJob(key string) (JobDetail, Trigger) {
	return JobDetail{Key: key, Kind: kindTest, Data: map[string]string{"properties": "{}"}, DisallowConcurrent: true},
		Trigger{Kind: TriggerCron, Expression: "0 0 * * * ?"}
}

func TestScheduleJobLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	j, tr := cronJob("nightly")
	require.NoError(t, f.svc.ScheduleJob(ctx, j, tr))
	require.ErrorIs(t, f.svc.ScheduleJob(ctx, j, tr), ErrJobExists)

	ok, err := f.svc.CheckExists(ctx, "nightly")
	require.NoError(t, err)
	require.True(t, ok)

	trs, err := f.svc.TriggersOfJob(ctx, "nightly")
	require.NoError(t, err)
	require.Len(t, trs, 1)
	expr, isCron := CronExpression(trs[0])
	require.True(t, isCron)
	require.Equal(t, "0 0 * * * ?", expr)

	snap := f.svc.Snapshot()
	require.Len(t, snap.Schedules, 1)
	require.False(t, snap.Schedules[0].Next.IsZero())

	tr.Expression = "*/10 * * * *"
	require.NoError(t, f.svc.ReplaceJob(ctx, j, tr))
	snap = f.svc.Snapshot()
	require.Len(t, snap.Schedules, 1)
	require.Equal(t, "*/10 * * * *", snap.Schedules[0].Expression)

	deleted, err := f.svc.DeleteJob(ctx, "nightly")
	require.NoError(t, err)
	require.True(t, deleted)
	require.Empty(t, f.svc.Snapshot().Schedules)

	deleted, err = f.svc.DeleteJob(ctx, "nightly")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestScheduleJobRejectsInvalidTrigger(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	j, tr := cronJob("bad")
	tr.Expression = "not a cron"
	require.Error(t, f.svc.ScheduleJob(ctx, j, tr))

	tr = Trigger{Kind: "calendar", Expression: "x"}
	require.Error(t, f.svc.ScheduleJob(ctx, j, tr))

	ok, err := f.svc.CheckExists(ctx, "bad")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStartRestoresPersistedTriggers(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory(storage.Config{})
	ctx := context.Background()
	for _, k := range []string{"a", "b"} {
		require.NoError(t, store.PutJob(ctx,
			storage.JobRecord{Key: k, Kind: kindTest},
			[]storage.TriggerRecord{{Key: k, JobKey: k, Kind: "cron", Expression: "@hourly"}}))
	}
	eng := engine.New(engine.Config{Enabled: true}, logx.Nop(), nil)
	svc := New(Config{Enabled: true}, store, eng, logx.Nop(), nil)
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop(ctx)

	require.Len(t, svc.Snapshot().Schedules, 2)

	// A job written by another replica shows up after a sync.
	require.NoError(t, store.PutJob(ctx,
		storage.JobRecord{Key: "c", Kind: kindTest},
		[]storage.TriggerRecord{{Key: "c", JobKey: "c", Kind: "cron", Expression: "0 */5 * * * ?"}}))
	_, err := store.DeleteJob(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, svc.Sync(ctx))

	snap := svc.Snapshot()
	require.Len(t, snap.Schedules, 2)
	require.Equal(t, "b", snap.Schedules[0].JobKey)
	require.Equal(t, "c", snap.Schedules[1].JobKey)
	require.Equal(t, "0 */5 * * * ?", snap.Schedules[1].Expression)
}

func TestFireRunsHandlerAndRecordsExecution(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	events, unsub := f.bus.Subscribe(16, "fire.")
	defer unsub()

	f.svc.RegisterHandler(kindTest, HandlerFunc(func(_ context.Context, jc *JobContext) error {
		jc.SetResult("execution=42")
		return nil
	}))
	j, tr := cronJob("report")
	require.NoError(t, f.svc.ScheduleJob(ctx, j, tr))

	trs, err := f.svc.TriggersOfJob(ctx, "report")
	require.NoError(t, err)
	f.svc.fire(trs[0], time.Now().Truncate(time.Second))

	ev := waitEvent(t, events)
	require.Equal(t, EventFired, ev.Type)

	execs, err := f.svc.Executions(ctx, "report", 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.Equal(t, "execution=42", execs[0].Result)
	require.Equal(t, "test-1", execs[0].Instance)
	require.Empty(t, execs[0].Error)
}

func TestFireFailureIsRecorded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	events, unsub := f.bus.Subscribe(16, "fire.")
	defer unsub()

	f.svc.RegisterHandler(kindTest, HandlerFunc(func(context.Context, *JobContext) error {
		return engine.NoRetry(errors.New("launch refused"))
	}))
	j, tr := cronJob("broken")
	require.NoError(t, f.svc.ScheduleJob(ctx, j, tr))
	trs, _ := f.svc.TriggersOfJob(ctx, "broken")
	f.svc.fire(trs[0], time.Now().Truncate(time.Second))

	ev := waitEvent(t, events)
	require.Equal(t, EventFailed, ev.Type)
	execs, err := f.svc.Executions(ctx, "broken", 1)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.Contains(t, execs[0].Error, "launch refused")
}

func TestDisallowConcurrentNeverOverlaps(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	var running, peak, calls int32
	release := make(chan struct{})
	f.svc.RegisterHandler(kindTest, HandlerFunc(func(context.Context, *JobContext) error {
		n := atomic.AddInt32(&running, 1)
		if n > atomic.LoadInt32(&peak) {
			atomic.StoreInt32(&peak, n)
		}
		atomic.AddInt32(&calls, 1)
		<-release
		atomic.AddInt32(&running, -1)
		return nil
	}))
	j, tr := cronJob("exclusive")
	require.NoError(t, f.svc.ScheduleJob(ctx, j, tr))
	trs, _ := f.svc.TriggersOfJob(ctx, "exclusive")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.svc.fire(trs[0], time.Now().Truncate(time.Second))
		}()
	}
	wg.Wait()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
	close(release)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&running) == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	require.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

type heldLocker struct{}

func (heldLocker) Claim(context.Context, string) (bool, error) { return true, nil }

func (heldLocker) TryLock(context.Context, string) (func(), bool, error) { return nil, false, nil }

func TestFireSkippedWhenLockHeldElsewhere(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithLocker(heldLocker{}))
	ctx := context.Background()

	events, unsub := f.bus.Subscribe(16, "fire.")
	defer unsub()

	var calls int32
	f.svc.RegisterHandler(kindTest, HandlerFunc(func(context.Context, *JobContext) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))
	j, tr := cronJob("replicated")
	require.NoError(t, f.svc.ScheduleJob(ctx, j, tr))
	trs, _ := f.svc.TriggersOfJob(ctx, "replicated")
	f.svc.fire(trs[0], time.Now().Truncate(time.Second))

	ev := waitEvent(t, events)
	require.Equal(t, EventSkipped, ev.Type)
	require.Zero(t, atomic.LoadInt32(&calls))
	execs, err := f.svc.Executions(ctx, "replicated", 10)
	require.NoError(t, err)
	require.Empty(t, execs)
}

func TestFireIgnoresDeletedJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	var calls int32
	f.svc.RegisterHandler(kindTest, HandlerFunc(func(context.Context, *JobContext) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))
	j, tr := cronJob("gone")
	require.NoError(t, f.svc.ScheduleJob(ctx, j, tr))
	trs, _ := f.svc.TriggersOfJob(ctx, "gone")
	_, err := f.svc.DeleteJob(ctx, "gone")
	require.NoError(t, err)

	f.svc.fire(trs[0], time.Now().Truncate(time.Second))
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, atomic.LoadInt32(&calls))
}

func TestApplyTimezoneRestartKeepsTriggers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	j, tr := cronJob("tz")
	require.NoError(t, f.svc.ScheduleJob(ctx, j, tr))
	f.svc.Apply(Config{Enabled: true, Timezone: "UTC"})

	snap := f.svc.Snapshot()
	require.Equal(t, "UTC", snap.Timezone)
	require.Len(t, snap.Schedules, 1)
}

// gatedStore holds every GetJob until open is called.
type gatedStore struct {
	storage.Store
	entered     chan struct{}
	release     chan struct{}
	enterOnce   sync.Once
	releaseOnce sync.Once
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		Store:   storage.NewMemory(storage.Config{}),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *gatedStore) GetJob(ctx context.Context, key string) (storage.JobRecord, bool, error) {
	s.enterOnce.Do(func() { close(s.entered) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return storage.JobRecord{}, false, ctx.Err()
	}
	return s.Store.GetJob(ctx, key)
}

func (s *gatedStore) open() { s.releaseOnce.Do(func() { close(s.release) }) }

func TestApplyTimezoneWhileFireInFlight(t *testing.T) {
	t.Parallel()
	store := newGatedStore()
	f := newFixtureOn(t, store)
	t.Cleanup(store.open)
	ctx := context.Background()

	var calls int32
	f.svc.RegisterHandler(kindTest, HandlerFunc(func(context.Context, *JobContext) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))
	j, tr := cronJob("every-second")
	tr.Expression = "* * * * * ?"
	require.NoError(t, f.svc.ScheduleJob(ctx, j, tr))

	select {
	case <-store.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("no fire started")
	}

	applied := make(chan struct{})
	go func() {
		f.svc.Apply(Config{Enabled: true, InstanceName: "test-1", Timezone: "Europe/Berlin"})
		close(applied)
	}()
	select {
	case <-applied:
	case <-time.After(2 * time.Second):
		t.Fatal("Apply blocked while a fire was looking up its job")
	}

	snap := f.svc.Snapshot()
	require.Equal(t, "Europe/Berlin", snap.Timezone)
	require.Len(t, snap.Schedules, 1)

	store.open()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) > 0 }, 3*time.Second, 10*time.Millisecond)
}

// memLocker mimics cluster.RedisLocker: SETNX with a lease, DEL on unlock.
type memLocker struct {
	mu   sync.Mutex
	ttl  time.Duration
	keys map[string]time.Time
}

func newMemLocker(ttl time.Duration) *memLocker {
	return &memLocker{ttl: ttl, keys: map[string]time.Time{}}
}

func (l *memLocker) setNX(key string) bool {
	now := time.Now()
	if exp, ok := l.keys[key]; ok && now.Before(exp) {
		return false
	}
	l.keys[key] = now.Add(l.ttl)
	return true
}

func (l *memLocker) Claim(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.setNX(key), nil
}

func (l *memLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.setNX(key) {
		return nil, false, nil
	}
	return func() {
		l.mu.Lock()
		delete(l.keys, key)
		l.mu.Unlock()
	}, true, nil
}

func TestReplicasLaunchEachTickOnce(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory(storage.Config{})
	locker := newMemLocker(time.Minute)
	a := newFixtureOn(t, store, WithLocker(locker))
	b := newFixtureOn(t, store, WithLocker(locker))
	ctx := context.Background()

	var mu sync.Mutex
	launches := map[int64]int{}
	h := HandlerFunc(func(_ context.Context, jc *JobContext) error {
		mu.Lock()
		launches[jc.Scheduled.Unix()]++
		mu.Unlock()
		return nil
	})
	a.svc.RegisterHandler(kindTest, h)
	b.svc.RegisterHandler(kindTest, h)

	j, tr := cronJob("shared")
	tr.Expression = "* * * * * ?"
	require.NoError(t, a.svc.ScheduleJob(ctx, j, tr))
	require.NoError(t, b.svc.Sync(ctx))
	require.Len(t, b.svc.Snapshot().Schedules, 1)

	time.Sleep(3500 * time.Millisecond)
	a.svc.Stop(ctx)
	b.svc.Stop(ctx)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(launches), 2)
	for tick, n := range launches {
		require.Equal(t, 1, n, "tick %s launched %d times", time.Unix(tick, 0), n)
	}
}

// hookedStore runs afterKeys once, right after the first JobKeys read.
type hookedStore struct {
	storage.Store
	once      sync.Once
	afterKeys func()
}

func (s *hookedStore) JobKeys(ctx context.Context) ([]string, error) {
	keys, err := s.Store.JobKeys(ctx)
	if s.afterKeys != nil {
		s.once.Do(s.afterKeys)
	}
	return keys, err
}

func TestSyncKeepsJobScheduledDuringStoreRead(t *testing.T) {
	t.Parallel()
	store := &hookedStore{Store: storage.NewMemory(storage.Config{})}
	f := newFixtureOn(t, store)
	ctx := context.Background()

	j, tr := cronJob("late")
	store.afterKeys = func() { require.NoError(t, f.svc.ScheduleJob(ctx, j, tr)) }
	require.NoError(t, f.svc.Sync(ctx))

	snap := f.svc.Snapshot()
	require.Len(t, snap.Schedules, 1)
	require.Equal(t, "late", snap.Schedules[0].JobKey)

	// The next sync reads the job from the store and keeps it.
	require.NoError(t, f.svc.Sync(ctx))
	require.Len(t, f.svc.Snapshot().Schedules, 1)
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return eventbus.Event{}
	}
}
