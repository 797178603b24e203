package storage

import (
	"context"
	"slices"
	"sync"
	"time"
)

type memoryStore struct {
	mu       sync.RWMutex
	closed   bool
	jobs     map[string]JobRecord
	triggers map[string][]TriggerRecord
	history  map[string][]ExecutionRecord
	limit    int
	now      func() time.Time
}

// NewMemory returns a process-local store.
func NewMemory(cfg Config) Store {
	return &memoryStore{
		jobs:     map[string]JobRecord{},
		triggers: map[string][]TriggerRecord{},
		history:  map[string][]ExecutionRecord{},
		limit:    cfg.historyLimit(),
		now:      time.Now,
	}
}

func (s *memoryStore) JobExists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.jobs[key]
	return ok, nil
}

func (s *memoryStore) GetJob(_ context.Context, key string) (JobRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return JobRecord{}, false, ErrClosed
	}
	j, ok := s.jobs[key]
	if !ok {
		return JobRecord{}, false, nil
	}
	return j.clone(), true, nil
}

func (s *memoryStore) GetTriggers(_ context.Context, jobKey string) ([]TriggerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return slices.Clone(s.triggers[jobKey]), nil
}

func (s *memoryStore) JobKeys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0, len(s.jobs))
	for k := range s.jobs {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *memoryStore) PutJob(_ context.Context, job JobRecord, triggers []TriggerRecord) error {
	if err := validateJob(job, triggers); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.jobs[job.Key]; ok {
		return ErrJobExists
	}
	s.putLocked(job, triggers)
	return nil
}

func (s *memoryStore) ReplaceJob(_ context.Context, job JobRecord, triggers []TriggerRecord) error {
	if err := validateJob(job, triggers); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.putLocked(job, triggers)
	return nil
}

func (s *memoryStore) putLocked(job JobRecord, triggers []TriggerRecord) {
	job, triggers = stamp(job, triggers, s.now())
	s.jobs[job.Key] = job
	s.triggers[job.Key] = triggers
}

func (s *memoryStore) DeleteJob(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.jobs[key]
	delete(s.jobs, key)
	delete(s.triggers, key)
	return ok, nil
}

func (s *memoryStore) AppendExecution(_ context.Context, rec ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	h := append(s.history[rec.JobKey], rec)
	if len(h) > s.limit {
		h = h[len(h)-s.limit:]
	}
	s.history[rec.JobKey] = h
	return nil
}

func (s *memoryStore) ListExecutions(_ context.Context, jobKey string, limit int) ([]ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return newestFirst(s.history[jobKey], limit), nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func newestFirst(h []ExecutionRecord, limit int) []ExecutionRecord {
	out := slices.Clone(h)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
