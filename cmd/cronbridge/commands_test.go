package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSchedulesCommands(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.yaml")
	body := "logging:\n  level: error\nstorage:\n  driver: sqlite\n  path: " + filepath.Join(dir, "cb.db") + "\n"
	require.NoError(t, os.WriteFile(cfg, []byte(body), 0o600))

	out, err := run(t, "-c", cfg, "schedules", "create", "nightly", "--task", "etl", "--cron", "0 0 2 * * ?", "-p", "app.etl.mode=full", "--arg", "--verbose")
	require.NoError(t, err)
	require.Contains(t, out, "scheduled nightly")

	out, err = run(t, "-c", cfg, "schedules", "list")
	require.NoError(t, err)
	require.Contains(t, out, "nightly")
	require.Contains(t, out, "0 0 2 * * ?")
	require.Contains(t, out, "local")

	out, err = run(t, "-c", cfg, "schedules", "list", "--task", "other", "--json")
	require.NoError(t, err)
	require.JSONEq(t, "[]", out)

	_, err = run(t, "-c", cfg, "schedules", "create", "broken", "--task", "etl")
	require.Error(t, err)

	out, err = run(t, "-c", cfg, "schedules", "delete", "nightly")
	require.NoError(t, err)
	require.Contains(t, out, "unscheduled nightly")
	_, err = run(t, "-c", cfg, "schedules", "delete", "nightly")
	require.NoError(t, err)
}

func TestParseProperties(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      []string
		want    map[string]string
		wantErr bool
	}{
		{name: "empty", in: nil, want: map[string]string{}},
		{name: "value with equals", in: []string{"a=b=c", " k =v"}, want: map[string]string{"a": "b=c", "k": "v"}},
		{name: "missing separator", in: []string{"novalue"}, wantErr: true},
		{name: "empty key", in: []string{"=v"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseProperties(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestVersion(t *testing.T) {
	t.Parallel()
	out, err := run(t, "version")
	require.NoError(t, err)
	require.Equal(t, "cronbridge dev\n", out)
}
