package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"cronbridge/internal/eventbus"
	rtsup "cronbridge/internal/runtime/supervisor"
	"cronbridge/internal/storage"
	"cronbridge/internal/task/engine"
	logx "cronbridge/pkg/logx"
)

var ErrNotRunning = errors.New("scheduler not running")

func New(cfg Config, store storage.Store, eng *engine.Service, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		store:  store,
		engine: eng,
		// SecondOptional accepts 5-field crontab and 6-field (seconds first)
		// Quartz-style expressions; '?' is accepted in day fields.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries:     map[string]*entry{},
		handlers:    map[string]Handler{},
		touched:     map[string]uint64{},
		lastEnqWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RegisterHandler routes fires of jobs with the given kind to h.
func (s *Service) RegisterHandler(kind string, h Handler) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

func (s *Service) handler(kind string) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[kind]
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Apply swaps the config. A timezone change moves every entry onto a new
// cron in the new location; fires already running on the old one finish
// on their own.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	var old *cron.Cron
	if s.c != nil && oldTZ != newTZ {
		old = s.restartLocked()
	}
	s.mu.Unlock()

	// A running fire takes s.mu, so the old cron is stopped unlocked and
	// never waited on.
	if old != nil {
		old.Stop()
	}
}

// Start loads every persisted trigger and begins firing. Jobs created before
// a restart resume here.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return nil
	}
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		s.log.Info("scheduler disabled")
		return nil
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	s.c.Start()
	s.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx), rtsup.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	if err := s.Sync(ctx); err != nil {
		s.Stop(ctx)
		return fmt.Errorf("restore triggers: %w", err)
	}

	if cfg.SyncInterval > 0 {
		sup.GoRestart("trigger.sync", func(c context.Context) error {
			t := time.NewTicker(cfg.SyncInterval)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return c.Err()
				case <-t.C:
					if err := s.Sync(c); err != nil {
						s.log.Warn("trigger sync failed", logx.Err(err))
					}
				}
			}
		})
	}

	s.mu.Lock()
	n := len(s.entries)
	loc := s.loc
	s.mu.Unlock()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("triggers", n), logx.String("instance", cfg.InstanceName))
	return nil
}

// Stop stops triggering. Fires already handed to the engine are not touched.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	sup := s.sup
	s.sup = nil
	for _, e := range s.entries {
		e.entryID = 0
	}
	s.entries = map[string]*entry{}
	s.mu.Unlock()

	if c == nil {
		return
	}
	if sup != nil {
		_ = sup.Stop(ctx)
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Sync reconciles registered cron entries with the store. Jobs scheduled or
// deleted through this Service while the store is being read keep their
// current entries.
func (s *Service) Sync(ctx context.Context) error {
	s.mu.Lock()
	since := s.gen
	s.mu.Unlock()

	keys, err := s.store.JobKeys(ctx)
	if err != nil {
		return err
	}
	want := map[string]Trigger{}
	for _, k := range keys {
		trs, err := s.store.GetTriggers(ctx, k)
		if err != nil {
			s.log.Warn("trigger load failed", logx.String("job", k), logx.Err(err))
			continue
		}
		for _, r := range trs {
			want[r.Key] = triggerFromRecord(r)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return ErrNotRunning
	}
	changed := func(jobKey string) bool { return s.touched[jobKey] > since }
	for key, e := range s.entries {
		if changed(e.trigger.JobKey) {
			continue
		}
		if t, ok := want[key]; !ok || t != e.trigger {
			s.unregisterLocked(key)
		}
	}
	for key, t := range want {
		if _, ok := s.entries[key]; ok || changed(t.JobKey) {
			continue
		}
		if err := s.registerLocked(t); err != nil {
			s.log.Warn("trigger register failed", logx.String("trigger", key), logx.String("expr", t.Expression), logx.Err(err))
		}
	}
	for k, g := range s.touched {
		if g <= since {
			delete(s.touched, k)
		}
	}
	return nil
}

// touchLocked marks jobKey as changed locally. Call with s.mu held.
func (s *Service) touchLocked(jobKey string) {
	s.gen++
	s.touched[jobKey] = s.gen
}

// restartLocked moves every entry onto a new cron and returns the old one
// for the caller to stop once s.mu is released.
func (s *Service) restartLocked() *cron.Cron {
	old := s.c
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	prev := s.entries
	s.entries = map[string]*entry{}
	for _, e := range prev {
		_ = s.registerLocked(e.trigger)
	}
	s.c.Start()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.entries)))
	return old
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked lists upcoming run times for debug logs. Call with s.mu held.
func (s *Service) previewNextRunsLocked(sched cron.Schedule, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
