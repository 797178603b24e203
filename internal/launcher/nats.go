package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	logx "cronbridge/pkg/logx"
)

// NATSLauncher sends launch requests over NATS request/reply.
type NATSLauncher struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
	log     logx.Logger
}

// DialNATS connects with backoff and returns a launcher bound to cfg.Subject.
func DialNATS(ctx context.Context, cfg NATSConfig, log logx.Logger) (*NATSLauncher, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = nats.DefaultURL
	}
	subject := strings.TrimSpace(cfg.Subject)
	if subject == "" {
		return nil, errors.New("launcher.nats.subject is required")
	}
	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 5
	}

	var conn *nats.Conn
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(retries)), ctx)
	err := backoff.RetryNotify(func() error {
		var err error
		conn, err = nats.Connect(url,
			nats.Name("cronbridge"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					log.Warn("nats disconnected", logx.Err(err))
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				log.Info("nats reconnected", logx.String("url", c.ConnectedUrl()))
			}),
		)
		return err
	}, b, func(err error, d time.Duration) {
		log.Warn("nats connect failed; retrying", logx.String("url", url), logx.Duration("in", d), logx.Err(err))
	})
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return NewNATS(conn, cfg, log), nil
}

// NewNATS wraps an existing connection.
func NewNATS(conn *nats.Conn, cfg NATSConfig, log logx.Logger) *NATSLauncher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NATSLauncher{conn: conn, subject: cfg.Subject, timeout: timeout, log: log}
}

func (l *NATSLauncher) Launch(ctx context.Context, taskName string, props map[string]string, args []string) (int64, error) {
	body, err := json.Marshal(newRequest(taskName, props, args))
	if err != nil {
		return 0, err
	}
	rctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	msg, err := l.conn.RequestWithContext(rctx, l.subject, body)
	if err != nil {
		return 0, fmt.Errorf("launch %s via %s: %w", taskName, l.subject, err)
	}
	id, err := parseExecutionID(msg.Data)
	if err != nil {
		return 0, fmt.Errorf("launch %s: %w", taskName, err)
	}
	l.log.Debug("launch accepted", logx.String("task", taskName), logx.Int64("execution", id))
	return id, nil
}

func (l *NATSLauncher) Close() error {
	if l.conn == nil {
		return nil
	}
	return l.conn.Drain()
}
