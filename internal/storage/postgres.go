package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	logx "cronbridge/pkg/logx"
)

const pgUniqueViolation = "23505"

var postgresDialect = dialect{
	name:   "postgres",
	dollar: true,
	isUniqueViolation: func(err error) bool {
		var pe *pgconn.PgError
		return errors.As(err, &pe) && pe.Code == pgUniqueViolation
	},
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := pingWithRetry(ctx, db, cfg, log); err != nil {
		_ = db.Close()
		return nil, err
	}

	st, err := newSQLStore(db, postgresDialect, cfg, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := st.migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	log.Info("postgres job store opened", logx.String("prefix", st.prefix))
	return st, nil
}

// pingWithRetry waits for the database to accept connections, which is the
// usual state of affairs when both containers start together.
func pingWithRetry(ctx context.Context, db *sql.DB, cfg Config, log logx.Logger) error {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.ConnectRetries
	if retries < 0 {
		retries = 0
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)

	return backoff.RetryNotify(func() error {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return db.PingContext(pctx)
	}, policy, func(err error, wait time.Duration) {
		log.Warn("database not reachable; retrying", logx.Err(err), logx.Duration("backoff", wait))
	})
}
