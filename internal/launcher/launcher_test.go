package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronbridge/internal/task/engine"
	logx "cronbridge/pkg/logx"
)

func TestParseExecutionID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		body    string
		want    int64
		wantErr bool
	}{
		{body: "42", want: 42},
		{body: " 7\n", want: 7},
		{body: `{"executionId": 9}`, want: 9},
		{body: `{"executionId": 0}`, want: 0},
		{body: `{}`, wantErr: true},
		{body: `{"error":"no such task"}`, wantErr: true},
		{body: "", wantErr: true},
		{body: "<html>", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseExecutionID([]byte(tt.body))
		if tt.wantErr {
			require.Error(t, err, tt.body)
			continue
		}
		require.NoError(t, err, tt.body)
		require.Equal(t, tt.want, got)
	}
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	c, err := Open(context.Background(), Config{}, logx.Nop())
	require.NoError(t, err)
	require.IsType(t, &LogLauncher{}, c)

	_, err = Open(context.Background(), Config{Driver: "smoke-signal"}, logx.Nop())
	require.Error(t, err)

	_, err = Open(context.Background(), Config{Driver: "http"}, logx.Nop())
	require.Error(t, err)
}

func TestLogLauncherIDsIncrease(t *testing.T) {
	t.Parallel()
	l := NewLog(logx.Nop())
	a, err := l.Launch(context.Background(), "t", nil, nil)
	require.NoError(t, err)
	b, err := l.Launch(context.Background(), "t", nil, nil)
	require.NoError(t, err)
	require.Greater(t, b, a)
}

func TestHTTPLauncherPostsRequest(t *testing.T) {
	t.Parallel()
	var got launchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/tasks/executions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		_, _ = w.Write([]byte(`{"executionId":123}`))
	}))
	defer srv.Close()

	l, err := NewHTTP(HTTPConfig{BaseURL: srv.URL + "/api/", Token: "secret"}, logx.Nop())
	require.NoError(t, err)
	defer l.Close()

	id, err := l.Launch(context.Background(), "report", map[string]string{"a": "b"}, []string{"--verbose"})
	require.NoError(t, err)
	require.Equal(t, int64(123), id)
	require.Equal(t, launchRequest{TaskName: "report", Properties: map[string]string{"a": "b"}, Arguments: []string{"--verbose"}}, got)
}

func TestHTTPLauncherRetriesServerErrors(t *testing.T) {
	t.Parallel()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("5"))
	}))
	defer srv.Close()

	l, err := NewHTTP(HTTPConfig{BaseURL: srv.URL, RetryMax: 3, RetryWaitMin: time.Millisecond, RetryWaitMax: 5 * time.Millisecond}, logx.Nop())
	require.NoError(t, err)

	id, err := l.Launch(context.Background(), "t", nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(5), id)
	require.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestHTTPLauncherNeverResendsAcceptedRequest(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		handle func(w http.ResponseWriter)
	}{
		{name: "server error", handle: func(w http.ResponseWriter) { w.WriteHeader(http.StatusInternalServerError) }},
		{name: "bad gateway", handle: func(w http.ResponseWriter) { w.WriteHeader(http.StatusBadGateway) }},
		{name: "slow reply", handle: func(http.ResponseWriter) { time.Sleep(300 * time.Millisecond) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var hits int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				atomic.AddInt32(&hits, 1)
				tt.handle(w)
			}))
			defer srv.Close()

			l, err := NewHTTP(HTTPConfig{
				BaseURL:      srv.URL,
				Timeout:      100 * time.Millisecond,
				RetryMax:     3,
				RetryWaitMin: time.Millisecond,
				RetryWaitMax: 5 * time.Millisecond,
			}, logx.Nop())
			require.NoError(t, err)
			_, err = l.Launch(context.Background(), "t", nil, nil)
			require.Error(t, err)
			require.Equal(t, int32(1), atomic.LoadInt32(&hits))
		})
	}
}

func TestHTTPLauncherRetriesRefusedConnection(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	l, err := NewHTTP(HTTPConfig{BaseURL: url, RetryMax: 2, RetryWaitMin: time.Millisecond, RetryWaitMax: 5 * time.Millisecond}, logx.Nop())
	require.NoError(t, err)
	var dials int32
	dialer := &net.Dialer{}
	l.client.HTTPClient.Transport = &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			atomic.AddInt32(&dials, 1)
			return dialer.DialContext(ctx, network, addr)
		},
	}

	_, err = l.Launch(context.Background(), "t", nil, nil)
	require.Error(t, err)
	require.Equal(t, int32(3), atomic.LoadInt32(&dials))
}

func TestHTTPLauncherErrorClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		status    int
		header    map[string]string
		noRetry   bool
		retryHint time.Duration
	}{
		{name: "bad request", status: http.StatusBadRequest, noRetry: true},
		{name: "not found", status: http.StatusNotFound, noRetry: true},
		{name: "server error", status: http.StatusInternalServerError},
		{name: "throttled", status: http.StatusTooManyRequests, header: map[string]string{"Retry-After": "2"}, retryHint: 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			l, err := NewHTTP(HTTPConfig{BaseURL: srv.URL}, logx.Nop())
			require.NoError(t, err)
			_, err = l.Launch(context.Background(), "t", nil, nil)
			require.Error(t, err)
			require.Equal(t, tt.noRetry, engine.IsNoRetry(err))

			var ra engine.RetryAfterError
			if tt.retryHint > 0 {
				require.True(t, errors.As(err, &ra))
				require.Equal(t, tt.retryHint, ra.RetryAfter())
			}
		})
	}
}

func TestHTTPLauncherRateLimitHonorsContext(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("1"))
	}))
	defer srv.Close()

	l, err := NewHTTP(HTTPConfig{BaseURL: srv.URL, RatePerSec: 1}, logx.Nop())
	require.NoError(t, err)
	_, err = l.Launch(context.Background(), "t", nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Launch(ctx, "t", nil, nil)
	require.Error(t, err)
}

// Set CRONBRIDGE_TEST_NATS=nats://host:4222 to run against a live server.
func TestNATSLauncherRequestReply(t *testing.T) {
	url := os.Getenv("CRONBRIDGE_TEST_NATS")
	if url == "" {
		t.Skip("CRONBRIDGE_TEST_NATS not set")
	}
	ctx := context.Background()
	l, err := DialNATS(ctx, NATSConfig{URL: url, Subject: "cronbridge.test.launch"}, logx.Nop())
	require.NoError(t, err)
	defer l.Close()

	sub, err := l.conn.Subscribe("cronbridge.test.launch", func(m *nats.Msg) {
		var req launchRequest
		_ = json.Unmarshal(m.Data, &req)
		if req.TaskName == "report" {
			_ = m.Respond([]byte(`{"executionId":77}`))
			return
		}
		_ = m.Respond([]byte(`{"error":"unknown task"}`))
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	id, err := l.Launch(ctx, "report", nil, []string{"--x"})
	require.NoError(t, err)
	require.Equal(t, int64(77), id)

	_, err = l.Launch(ctx, "other", nil, nil)
	require.Error(t, err)
}
