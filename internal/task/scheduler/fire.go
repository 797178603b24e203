package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"cronbridge/internal/storage"
	"cronbridge/internal/task/engine"
	logx "cronbridge/pkg/logx"
)

const (
	enqueueWarnThrottle = 5 * time.Second
	fireLookupTimeout   = 10 * time.Second
)

// fire runs on the cron goroutine; it must only look up the job, claim the
// tick and enqueue.
func (s *Service) fire(t Trigger, scheduled time.Time) {
	if s.engine == nil {
		return
	}
	now := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), fireLookupTimeout)
	defer cancel()

	// Re-read the job so a fire never acts on a schedule that was replaced
	// or deleted after the entry was registered.
	rec, ok, err := s.store.GetJob(ctx, t.JobKey)
	if err != nil {
		s.reportEnqueueError(t.JobKey, err)
		return
	}
	if !ok {
		s.log.Debug("fire ignored: job gone", logx.String("job", t.JobKey))
		return
	}
	job := fromRecord(rec)

	h := s.handler(job.Kind)
	if h == nil {
		s.reportEnqueueError(t.JobKey, errors.New("no handler for job kind "+job.Kind))
		return
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	jc := &JobContext{
		FireID:    uuid.NewString(),
		Instance:  cfg.InstanceName,
		Job:       job,
		Trigger:   t,
		FiredAt:   now,
		Scheduled: scheduled,
	}

	// Every replica fires every tick; the first to claim it launches.
	if s.locker != nil {
		claimed, err := s.locker.Claim(ctx, tickKey(job.Key, scheduled))
		if err != nil {
			s.reportEnqueueError(job.Key, fmt.Errorf("claim tick: %w", err))
			return
		}
		if !claimed {
			s.log.Debug("fire skipped: tick claimed by another instance", logx.String("job", job.Key), logx.Time("tick", scheduled))
			s.publish(EventSkipped, FireEvent{JobKey: job.Key, FireID: jc.FireID, Reason: "claimed"})
			return
		}
	}

	opt := engine.TaskOptions{Overlap: engine.OverlapAllow}
	var state *engine.RunState
	if job.DisallowConcurrent {
		opt.Overlap = engine.OverlapSkipIfRunning
		state = s.engine.StateFor("job:" + job.Key)
	}

	err = s.engine.Enqueue(engine.Task{
		ID:      jc.FireID,
		Name:    job.Key,
		Timeout: cfg.FireTimeout,
		Opt:     opt,
		State:   state,
		Run: func(ctx context.Context) error {
			return s.execute(ctx, h, jc)
		},
		Done: func(item engine.HistoryItem) {
			s.complete(jc, item)
		},
	})
	if err != nil {
		if errors.Is(err, engine.ErrOverlapSkip) {
			s.publish(EventSkipped, FireEvent{JobKey: job.Key, FireID: jc.FireID, Reason: "running"})
		}
		s.reportEnqueueError(job.Key, err)
	}
}

func tickKey(jobKey string, scheduled time.Time) string {
	return "tick:" + jobKey + ":" + strconv.FormatInt(scheduled.Unix(), 10)
}

func (s *Service) execute(ctx context.Context, h Handler, jc *JobContext) error {
	if s.locker != nil && jc.Job.DisallowConcurrent {
		unlock, ok, err := s.locker.TryLock(ctx, jc.Job.Key)
		if err != nil {
			return err
		}
		if !ok {
			jc.markSkipped()
			return nil
		}
		defer unlock()
	}
	return h.Execute(ctx, jc)
}

func (s *Service) complete(jc *JobContext, item engine.HistoryItem) {
	if jc.wasSkipped() {
		s.log.Debug("fire skipped: held by another instance", logx.String("job", jc.Job.Key), logx.String("fire", jc.FireID))
		s.publish(EventSkipped, FireEvent{JobKey: jc.Job.Key, FireID: jc.FireID, Reason: "locked"})
		return
	}

	rec := storage.ExecutionRecord{
		JobKey:   jc.Job.Key,
		FireID:   jc.FireID,
		Instance: jc.Instance,
		Started:  item.Started,
		Duration: item.Duration,
		Attempts: item.Attempts,
		Result:   jc.Result(),
		Error:    item.Error,
	}
	ctx, cancel := context.WithTimeout(context.Background(), fireLookupTimeout)
	defer cancel()
	if err := s.store.AppendExecution(ctx, rec); err != nil {
		s.log.Warn("execution record not saved", logx.String("job", rec.JobKey), logx.String("fire", rec.FireID), logx.Err(err))
	}

	ev := FireEvent{JobKey: rec.JobKey, FireID: rec.FireID, Duration: rec.Duration, Error: rec.Error}
	if rec.Error != "" {
		s.publish(EventFailed, ev)
		return
	}
	s.publish(EventFired, ev)
}

func (s *Service) reportEnqueueError(key string, err error) {
	if err == nil {
		return
	}
	// Overlap skips are normal for jobs that outlast their period.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("fire skipped: previous run in flight", logx.String("job", key))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[key]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[key] = now
	s.enqMu.Unlock()

	s.log.Warn("fire not dispatched", logx.String("job", key), logx.Err(err))
}
