// Package launcher holds the clients that start task executions when a
// schedule fires.
package launcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	logx "cronbridge/pkg/logx"
)

// Client starts one task execution per call.
type Client interface {
	Launch(ctx context.Context, taskName string, props map[string]string, args []string) (int64, error)
	Close() error
}

// Config selects and configures the launch transport.
//
// Driver values: "log" (default), "http", "nats".
type Config struct {
	Driver string
	HTTP   HTTPConfig
	NATS   NATSConfig
}

type HTTPConfig struct {
	// BaseURL of the task service; requests go to BaseURL + "/tasks/executions".
	BaseURL string
	Token   string
	Timeout time.Duration

	// RetryMax bounds resends of a launch the task service never accepted
	// (refused connection, 429, 503).
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// RatePerSec caps launch requests (0 = unlimited).
	RatePerSec int
}

type NATSConfig struct {
	URL            string
	Subject        string
	Timeout        time.Duration
	ConnectRetries int
}

// launchRequest is the body sent by the http and nats launchers.
type launchRequest struct {
	TaskName   string            `json:"taskName"`
	Properties map[string]string `json:"properties"`
	Arguments  []string          `json:"arguments"`
}

type launchReply struct {
	ExecutionID *int64 `json:"executionId"`
	Error       string `json:"error,omitempty"`
}

// parseExecutionID accepts {"executionId":N} or a bare number.
func parseExecutionID(body []byte) (int64, error) {
	s := strings.TrimSpace(string(body))
	if s == "" {
		return 0, fmt.Errorf("empty launch reply")
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return id, nil
	}
	var r launchReply
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return 0, fmt.Errorf("unreadable launch reply: %w", err)
	}
	if r.Error != "" {
		return 0, fmt.Errorf("launch rejected: %s", r.Error)
	}
	if r.ExecutionID == nil {
		return 0, fmt.Errorf("launch reply has no executionId")
	}
	return *r.ExecutionID, nil
}

func newRequest(taskName string, props map[string]string, args []string) launchRequest {
	if props == nil {
		props = map[string]string{}
	}
	if args == nil {
		args = []string{}
	}
	return launchRequest{TaskName: taskName, Properties: props, Arguments: args}
}

// Open builds the configured client.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log":
		return NewLog(log), nil
	case "http":
		return NewHTTP(cfg.HTTP, log)
	case "nats":
		return DialNATS(ctx, cfg.NATS, log)
	default:
		return nil, fmt.Errorf("unknown launcher driver %q", cfg.Driver)
	}
}

// LogLauncher only logs launches. It hands out increasing execution ids.
type LogLauncher struct {
	log  logx.Logger
	next atomic.Int64
}

func NewLog(log logx.Logger) *LogLauncher {
	return &LogLauncher{log: log}
}

func (l *LogLauncher) Launch(_ context.Context, taskName string, props map[string]string, args []string) (int64, error) {
	id := l.next.Add(1)
	l.log.Info("launch (dry run)",
		logx.String("task", taskName),
		logx.Int("props", len(props)),
		logx.Strings("args", args),
		logx.Int64("execution", id),
	)
	return id, nil
}

func (l *LogLauncher) Close() error { return nil }
