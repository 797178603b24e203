package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerZeroValueIsNop(t *testing.T) {
	t.Parallel()

	var l Logger
	require.True(t, l.IsZero())
	l.Info("ignored", String("k", "v"))
	require.False(t, l.With(String("k", "v")).IsZero())
}

func TestNewJSONFieldsAndLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := NewJSON(&buf, "info").With(String("comp", "test"))
	l.Debug("dropped")
	l.Warn("kept", Int("n", 3), Err(errors.New("boom")))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var m map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &m))
	require.Equal(t, "kept", m["message"])
	require.Equal(t, "test", m["comp"])
	require.Equal(t, float64(3), m["n"])
	require.Equal(t, "boom", m["err"])
	require.Equal(t, "warn", m["level"])
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{" WARNING ", LevelWarn},
		{"error", LevelError},
		{"nope", LevelInfo},
		{"", LevelInfo},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ParseLevel(tc.in, LevelInfo), tc.in)
	}
}
