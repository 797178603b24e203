package launcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"cronbridge/internal/task/engine"
	logx "cronbridge/pkg/logx"
)

const maxReplyBytes = 64 << 10

// HTTPLauncher posts launch requests to a task service.
type HTTPLauncher struct {
	client  *retryablehttp.Client
	url     string
	token   string
	limiter *rate.Limiter
	log     logx.Logger
}

func NewHTTP(cfg HTTPConfig, log logx.Logger) (*HTTPLauncher, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("launcher.http.base_url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	waitMin, waitMax := cfg.RetryWaitMin, cfg.RetryWaitMax
	if waitMin <= 0 {
		waitMin = 200 * time.Millisecond
	}
	if waitMax < waitMin {
		waitMax = 5 * time.Second
	}
	retryMax := cfg.RetryMax
	if retryMax < 0 {
		retryMax = 0
	}

	c := &retryablehttp.Client{
		HTTPClient:   &http.Client{Timeout: timeout},
		RetryWaitMin: waitMin,
		RetryWaitMax: waitMax,
		RetryMax:     retryMax,
		CheckRetry:   launchRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}
	l := &HTTPLauncher{client: c, url: base + "/tasks/executions", token: cfg.Token, log: log}
	if cfg.RatePerSec > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return l, nil
}

// launchRetryPolicy retries only when the task service cannot have started
// an execution: the connection was never made, or it answered 429 or 503.
// A POST that may have been accepted is never sent twice.
func launchRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		var op *net.OpError
		return errors.As(err, &op) && op.Op == "dial", nil
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true, nil
	}
	return false, nil
}

func (l *HTTPLauncher) Launch(ctx context.Context, taskName string, props map[string]string, args []string) (int64, error) {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}
	body, err := json.Marshal(newRequest(taskName, props, args))
	if err != nil {
		return 0, engine.NoRetry(err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(body))
	if err != nil {
		return 0, engine.NoRetry(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}

	// Once retries run out the last response comes back with the error; its
	// status still decides how the failure is reported.
	resp, err := l.client.Do(req)
	if resp == nil {
		return 0, fmt.Errorf("launch %s: %w", taskName, err)
	}
	defer resp.Body.Close()
	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return 0, fmt.Errorf("launch %s: read reply: %w", taskName, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		err := fmt.Errorf("launch %s: task service throttled", taskName)
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil {
			return 0, engine.RetryAfter(err, time.Duration(secs)*time.Second)
		}
		return 0, err
	case resp.StatusCode >= 500:
		return 0, fmt.Errorf("launch %s: task service status %d", taskName, resp.StatusCode)
	case resp.StatusCode >= 400:
		// Client errors won't succeed on retry.
		return 0, engine.NoRetry(fmt.Errorf("launch %s: status %d: %s", taskName, resp.StatusCode, strings.TrimSpace(string(reply))))
	}

	id, err := parseExecutionID(reply)
	if err != nil {
		return 0, engine.NoRetry(fmt.Errorf("launch %s: %w", taskName, err))
	}
	l.log.Debug("launch accepted", logx.String("task", taskName), logx.Int64("execution", id))
	return id, nil
}

func (l *HTTPLauncher) Close() error {
	l.client.HTTPClient.CloseIdleConnections()
	return nil
}
