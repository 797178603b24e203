package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGoRecordsFirstError(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	s.Go("ok", func(context.Context) error { return nil })
	s.Go("bad", func(context.Context) error { return errors.New("boom") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.ErrorContains(t, err, "bad: boom")
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("panics", func(context.Context) error { panic("nope") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.ErrorContains(t, s.Wait(ctx), "panic: nope")
	require.Error(t, s.Context().Err())

	snap := s.Snapshot()
	require.Len(t, snap.Goroutines, 1)
	require.Equal(t, uint64(1), snap.Goroutines[0].Panics)
}

func TestGoRestartRestartsUntilClean(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	var runs int32
	s.GoRestart("flaky", func(context.Context) error {
		if atomic.AddInt32(&runs, 1) < 3 {
			return errors.New("again")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.ErrorContains(t, err, "flaky: again")
	require.Equal(t, int32(3), atomic.LoadInt32(&runs))
}

func TestStopCancelsContext(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	s.GoRestart("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
