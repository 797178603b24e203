package app

import (
	"context"
	"fmt"

	"cronbridge/internal/config"
	"cronbridge/internal/schedule"
	"cronbridge/internal/storage"
	"cronbridge/internal/task/engine"
	"cronbridge/internal/task/scheduler"
	logx "cronbridge/pkg/logx"
)

// Admin edits the configured store without firing anything. A running
// server picks the changes up on its next trigger sync.
type Admin struct {
	store  storage.Store
	sched  *scheduler.Service
	bridge *schedule.Bridge
}

// OpenAdmin opens the store named by the config at path.
func OpenAdmin(ctx context.Context, path string, log logx.Logger) (*Admin, error) {
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return nil, err
	}
	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(ctx, storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	// Never started: the service only validates and persists.
	eng := engine.New(engine.Config{}, log, nil)
	sched := scheduler.New(schedCfg, st, eng, log, nil)
	return &Admin{
		store:  st,
		sched:  sched,
		bridge: schedule.NewBridge(sched, mapBridgeOptions(cfg), log.With(logx.String("comp", "bridge"))),
	}, nil
}

func (a *Admin) Bridge() *schedule.Bridge { return a.bridge }

// Executions returns recent fires of a schedule, newest first.
func (a *Admin) Executions(ctx context.Context, name string, limit int) ([]storage.ExecutionRecord, error) {
	return a.sched.Executions(ctx, name, limit)
}

func (a *Admin) Close() error { return a.store.Close() }
