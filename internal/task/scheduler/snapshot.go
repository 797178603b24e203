package scheduler

import (
	"sort"
	"time"

	"cronbridge/internal/task/engine"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	c := s.c
	loc := s.loc
	items := make([]ScheduleInfo, 0, len(s.entries))
	for _, e := range s.entries {
		it := ScheduleInfo{
			JobKey:     e.trigger.JobKey,
			TriggerKey: e.trigger.Key,
			Kind:       e.trigger.Kind,
			Expression: e.trigger.Expression,
		}
		if c != nil && e.entryID != 0 {
			ce := c.Entry(e.entryID)
			it.Next = ce.Next
			it.Prev = ce.Prev
		}
		items = append(items, it)
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].TriggerKey < items[j].TriggerKey })

	tz := cfg.Timezone
	if tz == "" {
		if loc == nil {
			loc = time.Local
		}
		tz = loc.String()
	}

	snap := Snapshot{
		Enabled:   cfg.Enabled,
		Running:   c != nil,
		Timezone:  tz,
		Instance:  cfg.InstanceName,
		Schedules: items,
	}
	if s.engine != nil {
		es := s.engine.Snapshot()
		opt := engine.DefaultTaskOptions(engine.Config{RetryMax: es.RetryMax})
		snap.Workers = es.Workers
		snap.InFlight = es.InFlight
		snap.QueueLen = es.QueueLen
		snap.QueueCap = es.QueueCap
		snap.Dropped = es.Dropped
		snap.DroppedQueueFull = es.DroppedQueueFull
		snap.DroppedStale = es.DroppedStale
		snap.DefaultTimeout = es.DefaultTimeout
		snap.RetryMax = opt.RetryMax
		snap.RetryBase = opt.RetryBase
		snap.RetryMaxDelay = opt.RetryMaxDelay
		snap.History = es.History
	}
	return snap
}
