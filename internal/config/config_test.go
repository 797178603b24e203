package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "cronbridge/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  enabled: true
  timezone: UTC
  cron_keys: [scheduler.cron.expression.primary, scheduler.cron.expression.short]
  sync_interval: 30s
task_engine:
  workers: 4
storage:
  driver: sqlite
  path: ./cronbridge.db
launcher:
  driver: http
  http:
    base_url: http://tasks:9393
    token: ${CRONBRIDGE_TEST_TOKEN}
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("CRONBRIDGE_TEST_TOKEN", "s3cret")
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.Logging.Level)
	require.True(t, cfg.Scheduler.Enabled)
	require.Equal(t, []string{"scheduler.cron.expression.primary", "scheduler.cron.expression.short"}, cfg.Scheduler.CronKeys)
	require.Equal(t, 4, cfg.TaskEngine.Workers)
	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Equal(t, "s3cret", cfg.Launcher.HTTP.Token)
	require.Same(t, cfg, m.Get())
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "unknown field json", path: "c.json", body: `{"scheduler":{"enabled":true,"workers":2}}`},
		{name: "unknown section yaml", path: "c.yaml", body: "telegram:\n  token: x\n"},
		{name: "trailing data", path: "c.json", body: `{} {}`},
		{name: "bad yaml", path: "c.yml", body: "scheduler: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.path, []byte(tt.body))
			require.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	ok := &Config{Scheduler: SchedulerConfig{Enabled: true, FireTimeout: "1m"}}
	require.NoError(t, Validate(ok))

	bad := &Config{
		Logging:   LoggingConfig{Format: "xml"},
		Scheduler: SchedulerConfig{Timezone: "Mars/Olympus", SyncInterval: "soon", CronKeys: []string{""}},
		Storage:   &StorageConfig{Driver: "postgres"},
		Launcher:  &LauncherConfig{Driver: "nats"},
		ClusterLock: &ClusterLockConfig{
			Enabled: true,
		},
	}
	err := Validate(bad)
	require.Error(t, err)
	for _, want := range []string{"logging.format", "scheduler.timezone", "scheduler.sync_interval", "cron_keys[0]", "storage.dsn", "launcher.nats.subject", "cluster_lock.addr"} {
		require.Contains(t, err.Error(), want)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("x", " 5s ")
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, d)

	d, err = ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	require.Equal(t, time.Minute, d)

	_, err = ParseDurationField("x", "-1s")
	require.Error(t, err)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Scheduler: SchedulerConfig{Enabled: true}, API: &APIConfig{Enabled: true, Token: "a"}}
	newCfg := &Config{Scheduler: SchedulerConfig{Enabled: true, Timezone: "UTC"}, API: &APIConfig{Enabled: true, Token: "b"},
		Storage: &StorageConfig{Driver: "postgres", DSN: "postgres://u:pw@h/db"}}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	require.Equal(t, []string{"api", "scheduler", "storage"}, changed)
	require.Equal(t, []string{"api", "storage"}, RestartRequired(changed))
	var buf bytes.Buffer
	logx.NewJSON(&buf, "info").Info("config changed", attrs...)
	require.Contains(t, buf.String(), `"storage.dsn_set":true`)
	require.NotContains(t, buf.String(), "pw@h")
	require.NotContains(t, buf.String(), `"b"`)

	changed, _ = SummarizeConfigChange(oldCfg, oldCfg)
	require.Empty(t, changed)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := writeFile(t, "config.json", `{"scheduler":{"enabled":true}}`)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Invalid content is never published.
	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"enabled":true,"sync_interval":"x"}}`), 0o600))
	time.Sleep(500 * time.Millisecond)
	require.Empty(t, ch)

	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"enabled":true,"timezone":"UTC"}}`), 0o600))
	select {
	case cfg := <-ch:
		require.Equal(t, "UTC", cfg.Scheduler.Timezone)
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}

	cancel()
	require.NoError(t, <-done)
}
