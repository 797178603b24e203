package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "cronbridge/pkg/logx"
)

// fileStore keeps job state in memory and makes it durable with:
//   - <prefix>.jobs.snapshot.json   (periodic snapshot)
//   - <prefix>.jobs.journal.jsonl   (append-only journal of mutations)
//   - <prefix>.executions.jsonl     (append-only execution history)
//
// Every mutation is one journal line, so a replace is atomic on replay.
// The journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	mem *memoryStore

	snapshotPath string
	journal      *os.File
	executions   *os.File

	writes       int
	compactEvery int
}

type journalOp string

const (
	opPut    journalOp = "put"
	opDelete journalOp = "delete"
)

type journalRecord struct {
	Op       journalOp       `json:"op"`
	Key      string          `json:"key"`
	Job      *JobRecord      `json:"job,omitempty"`
	Triggers []TriggerRecord `json:"triggers,omitempty"`
}

type snapshotEntry struct {
	Job      JobRecord       `json:"job"`
	Triggers []TriggerRecord `json:"triggers"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".jobs.snapshot.json"
	journalPath := prefix + ".jobs.journal.jsonl"
	execPath := prefix + ".executions.jsonl"

	mem := NewMemory(cfg).(*memoryStore)
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayJournal(journalPath, mem, log); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayExecutions(execPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	ef, err := os.OpenFile(execPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		mem:          mem,
		snapshotPath: snapPath,
		journal:      jf,
		executions:   ef,
		compactEvery: 500,
	}, nil
}

func (s *fileStore) JobExists(ctx context.Context, key string) (bool, error) {
	return s.mem.JobExists(ctx, key)
}

func (s *fileStore) GetJob(ctx context.Context, key string) (JobRecord, bool, error) {
	return s.mem.GetJob(ctx, key)
}

func (s *fileStore) GetTriggers(ctx context.Context, jobKey string) ([]TriggerRecord, error) {
	return s.mem.GetTriggers(ctx, jobKey)
}

func (s *fileStore) JobKeys(ctx context.Context) ([]string, error) {
	return s.mem.JobKeys(ctx)
}

func (s *fileStore) ListExecutions(ctx context.Context, jobKey string, limit int) ([]ExecutionRecord, error) {
	return s.mem.ListExecutions(ctx, jobKey, limit)
}

func (s *fileStore) PutJob(ctx context.Context, job JobRecord, triggers []TriggerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok, err := s.mem.JobExists(ctx, job.Key); err != nil {
		return err
	} else if ok {
		return ErrJobExists
	}
	return s.writePutLocked(ctx, job, triggers)
}

func (s *fileStore) ReplaceJob(ctx context.Context, job JobRecord, triggers []TriggerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writePutLocked(ctx, job, triggers)
}

func (s *fileStore) writePutLocked(ctx context.Context, job JobRecord, triggers []TriggerRecord) error {
	if err := validateJob(job, triggers); err != nil {
		return err
	}
	job, triggers = stamp(job, triggers, time.Now())
	if err := s.appendJournalLocked(journalRecord{Op: opPut, Key: job.Key, Job: &job, Triggers: triggers}); err != nil {
		return err
	}
	return s.mem.ReplaceJob(ctx, job, triggers)
}

func (s *fileStore) DeleteJob(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.mem.JobExists(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := s.appendJournalLocked(journalRecord{Op: opDelete, Key: key}); err != nil {
		return false, err
	}
	return s.mem.DeleteJob(ctx, key)
}

func (s *fileStore) AppendExecution(ctx context.Context, rec ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.executions == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.executions).Encode(rec); err != nil {
		return err
	}
	return s.mem.AppendExecution(ctx, rec)
}

func (s *fileStore) appendJournalLocked(rec journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("job journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	ctx := context.Background()
	keys, err := s.mem.JobKeys(ctx)
	if err != nil {
		return err
	}
	snap := make([]snapshotEntry, 0, len(keys))
	for _, k := range keys {
		j, ok, _ := s.mem.GetJob(ctx, k)
		if !ok {
			continue
		}
		ts, _ := s.mem.GetTriggers(ctx, k)
		snap = append(snap, snapshotEntry{Job: j, Triggers: ts})
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.compactLocked(), s.journal.Close())
		s.journal = nil
	}
	if s.executions != nil {
		errs = append(errs, s.executions.Close())
		s.executions = nil
	}
	errs = append(errs, s.mem.Close())
	return errors.Join(errs...)
}

func loadSnapshot(path string, mem *memoryStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap []snapshotEntry
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, e := range snap {
		mem.jobs[e.Job.Key] = e.Job.clone()
		mem.triggers[e.Job.Key] = e.Triggers
	}
	return nil
}

func replayJournal(path string, mem *memoryStore, log logx.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			// A torn final write is expected after a crash.
			log.Warn("skipping unreadable journal line", logx.String("path", path), logx.Int("line", line))
			continue
		}
		switch r.Op {
		case opPut:
			if r.Job != nil {
				mem.jobs[r.Key] = r.Job.clone()
				mem.triggers[r.Key] = r.Triggers
			}
		case opDelete:
			delete(mem.jobs, r.Key)
			delete(mem.triggers, r.Key)
		}
	}
	return sc.Err()
}

func replayExecutions(path string, mem *memoryStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r ExecutionRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.JobKey == "" {
			continue
		}
		_ = mem.AppendExecution(context.Background(), r)
	}
	return sc.Err()
}
