package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"cronbridge/internal/eventbus"
	"cronbridge/internal/storage"
	logx "cronbridge/pkg/logx"
)

var (
	// ErrJobExists is returned by ScheduleJob when the key is taken.
	ErrJobExists = storage.ErrJobExists
	// ErrInvalidTrigger wraps expression and job validation failures.
	ErrInvalidTrigger = errors.New("invalid trigger")
)

// CheckExists reports whether a job with key is stored.
func (s *Service) CheckExists(ctx context.Context, key string) (bool, error) {
	return s.store.JobExists(ctx, key)
}

// ScheduleJob stores job and trigger together and starts firing it.
// It fails with ErrJobExists if the key is taken.
func (s *Service) ScheduleJob(ctx context.Context, job JobDetail, trigger Trigger) error {
	trigger, err := s.prepare(job, trigger)
	if err != nil {
		return err
	}
	if err := s.store.PutJob(ctx, toRecord(job), []storage.TriggerRecord{toTriggerRecord(trigger)}); err != nil {
		return err
	}
	s.activate(job.Key, trigger)
	return nil
}

// ReplaceJob swaps any existing job with the same key for job and trigger in
// one store transaction.
func (s *Service) ReplaceJob(ctx context.Context, job JobDetail, trigger Trigger) error {
	trigger, err := s.prepare(job, trigger)
	if err != nil {
		return err
	}
	if err := s.store.ReplaceJob(ctx, toRecord(job), []storage.TriggerRecord{toTriggerRecord(trigger)}); err != nil {
		return err
	}
	s.activate(job.Key, trigger)
	return nil
}

// DeleteJob removes the job and its triggers. Fires already running are not
// interrupted.
func (s *Service) DeleteJob(ctx context.Context, key string) (bool, error) {
	ok, err := s.store.DeleteJob(ctx, key)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.touchLocked(key)
	for tk, e := range s.entries {
		if e.trigger.JobKey == key {
			s.unregisterLocked(tk)
		}
	}
	s.mu.Unlock()
	if ok {
		s.publish(EventRemoved, FireEvent{JobKey: key})
	}
	return ok, nil
}

// JobKeys lists every stored job key in store order.
func (s *Service) JobKeys(ctx context.Context) ([]string, error) {
	return s.store.JobKeys(ctx)
}

// JobDetail loads a job by key.
func (s *Service) JobDetail(ctx context.Context, key string) (JobDetail, bool, error) {
	r, ok, err := s.store.GetJob(ctx, key)
	if err != nil || !ok {
		return JobDetail{}, ok, err
	}
	return fromRecord(r), true, nil
}

// TriggersOfJob returns the triggers bound to key.
func (s *Service) TriggersOfJob(ctx context.Context, key string) ([]Trigger, error) {
	rs, err := s.store.GetTriggers(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]Trigger, 0, len(rs))
	for _, r := range rs {
		out = append(out, triggerFromRecord(r))
	}
	return out, nil
}

// CronExpression returns the expression of a cron trigger.
func CronExpression(t Trigger) (string, bool) {
	if t.Kind != TriggerCron {
		return "", false
	}
	return t.Expression, true
}

// Executions returns recent execution records for key, newest first.
func (s *Service) Executions(ctx context.Context, key string, limit int) ([]storage.ExecutionRecord, error) {
	return s.store.ListExecutions(ctx, key, limit)
}

func (s *Service) prepare(job JobDetail, t Trigger) (Trigger, error) {
	if strings.TrimSpace(job.Key) == "" {
		return t, fmt.Errorf("%w: job key required", ErrInvalidTrigger)
	}
	if strings.TrimSpace(job.Kind) == "" {
		return t, fmt.Errorf("%w: job kind required", ErrInvalidTrigger)
	}
	if t.Key == "" {
		t.Key = job.Key
	}
	if t.JobKey == "" {
		t.JobKey = job.Key
	}
	if t.JobKey != job.Key {
		return t, fmt.Errorf("%w: trigger %s targets job %s, not %s", ErrInvalidTrigger, t.Key, t.JobKey, job.Key)
	}
	if _, err := s.parseTrigger(t); err != nil {
		return t, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	return t, nil
}

func (s *Service) activate(jobKey string, t Trigger) {
	s.mu.Lock()
	s.touchLocked(jobKey)
	if s.c != nil {
		for tk, e := range s.entries {
			if e.trigger.JobKey == jobKey {
				s.unregisterLocked(tk)
			}
		}
		if err := s.registerLocked(t); err != nil {
			// Already validated; only a parser change between calls gets here.
			s.log.Error("trigger register failed", logx.String("trigger", t.Key), logx.Err(err))
		}
	}
	s.mu.Unlock()
	s.publish(EventScheduled, FireEvent{JobKey: jobKey})
}

// parseTrigger turns a cron trigger into a schedule.
func (s *Service) parseTrigger(t Trigger) (cron.Schedule, error) {
	if t.Kind != TriggerCron {
		return nil, fmt.Errorf("unsupported trigger kind %q", t.Kind)
	}
	expr, err := NormalizeCron(t.Expression)
	if err != nil {
		return nil, err
	}
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", t.Expression, err)
	}
	return sched, nil
}

// scheduledTime recovers the tick a fire belongs to. Cron wakes at or just
// after the scheduled second, so that tick is the first activation after
// now-1s. Schedules not aligned to the clock (@every) fall back to now.
func scheduledTime(sched cron.Schedule, now time.Time) time.Time {
	if at := sched.Next(now.Add(-time.Second)); !at.IsZero() && !at.After(now) {
		return at
	}
	return now.Truncate(time.Second)
}

// registerLocked adds a cron entry for t. Call with s.mu held and s.c set.
func (s *Service) registerLocked(t Trigger) error {
	sched, err := s.parseTrigger(t)
	if err != nil {
		return err
	}
	e := &entry{trigger: t}
	loc := s.loc
	e.entryID = s.c.Schedule(sched, cron.FuncJob(func() {
		s.fire(t, scheduledTime(sched, time.Now().In(loc)))
	}))
	s.entries[t.Key] = e

	fields := []logx.Field{logx.String("trigger", t.Key), logx.String("job", t.JobKey), logx.String("kind", string(t.Kind)), logx.String("expr", t.Expression)}
	if next := s.previewNextRunsLocked(sched, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("trigger registered", fields...)
	return nil
}

// unregisterLocked removes a cron entry. Call with s.mu held.
func (s *Service) unregisterLocked(triggerKey string) {
	e, ok := s.entries[triggerKey]
	if !ok {
		return
	}
	if s.c != nil && e.entryID != 0 {
		s.c.Remove(e.entryID)
	}
	delete(s.entries, triggerKey)
	s.log.Debug("trigger unregistered", logx.String("trigger", triggerKey))
}

func (s *Service) publish(typ string, ev FireEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
	}
}

func toTriggerRecord(t Trigger) storage.TriggerRecord {
	return storage.TriggerRecord{Key: t.Key, JobKey: t.JobKey, Kind: string(t.Kind), Expression: t.Expression}
}
