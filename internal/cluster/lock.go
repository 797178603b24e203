// Package cluster coordinates cronbridge replicas that share one job store:
// tick claims make each fire launch once, and the fire lock keeps exclusive
// jobs from overlapping across instances.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	logx "cronbridge/pkg/logx"
)

type Config struct {
	Enabled bool

	Addr     string
	Username string
	Password string
	DB       int

	KeyPrefix string        // default "cronbridge:lock:"
	TTL       time.Duration // default 5m; locks renew it, tick claims expire with it

	ConnectRetries int
}

const (
	defaultKeyPrefix = "cronbridge:lock:"
	defaultTTL       = 5 * time.Minute
)

// release and renew only touch the key while it still carries our token.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocker grants a key to at most one holder across processes.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	log    logx.Logger
}

// NewRedisLocker wraps an existing client.
func NewRedisLocker(client redis.UniversalClient, cfg Config, log logx.Logger) *RedisLocker {
	if log.IsZero() {
		log = logx.Nop()
	}
	prefix := cfg.KeyPrefix
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultKeyPrefix
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, log: log}
}

// Open connects to Redis, retrying the initial ping with backoff.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*RedisLocker, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("cluster_lock.addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 5
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(retries)), ctx)
	err := backoff.RetryNotify(func() error {
		return client.Ping(ctx).Err()
	}, b, func(err error, d time.Duration) {
		log.Warn("redis ping failed; retrying", logx.String("addr", cfg.Addr), logx.Duration("in", d), logx.Err(err))
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	log.Info("cluster lock connected", logx.String("addr", cfg.Addr))
	return NewRedisLocker(client, cfg, log), nil
}

func (l *RedisLocker) key(k string) string { return l.prefix + k }

// Claim takes key for one TTL. The key is left to expire, so a replica
// whose clock lags by less than the TTL still sees the claim.
func (l *RedisLocker) Claim(ctx context.Context, key string) (bool, error) {
	return l.client.SetNX(ctx, l.key(key), uuid.NewString(), l.ttl).Result()
}

// TryLock takes key if nobody holds it. The lease is renewed until unlock
// is called, so long fires keep the lock.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	rk := l.key(key)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, rk, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	renewCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(l.ttl / 2)
		defer t.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-t.C:
				n, err := renewScript.Run(renewCtx, l.client, []string{rk}, token, l.ttl.Milliseconds()).Int()
				if err != nil && !errors.Is(err, context.Canceled) {
					l.log.Warn("lock renew failed", logx.String("key", rk), logx.Err(err))
				} else if err == nil && n == 0 {
					l.log.Warn("lock lost", logx.String("key", rk))
					return
				}
			}
		}
	}()

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			cancel()
			<-done
			rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer rcancel()
			if err := releaseScript.Run(rctx, l.client, []string{rk}, token).Err(); err != nil {
				l.log.Warn("lock release failed", logx.String("key", rk), logx.Err(err))
			}
		})
	}
	return unlock, true, nil
}

func (l *RedisLocker) Close() error { return l.client.Close() }

// NopLocker grants every lock. Use it when one instance owns the job store.
type NopLocker struct{}

func Nop() NopLocker { return NopLocker{} }

func (NopLocker) Claim(context.Context, string) (bool, error) { return true, nil }

func (NopLocker) TryLock(context.Context, string) (func(), bool, error) { return func() {}, true, nil }
