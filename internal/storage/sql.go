package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	logx "cronbridge/pkg/logx"
)

//go:embed schema/*.sql
var schemaFS embed.FS

var tablePrefixRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type dialect struct {
	name string
	// dollar selects $n placeholders instead of ?.
	dollar bool
	// isUniqueViolation maps driver errors for duplicate primary keys.
	isUniqueViolation func(error) bool
}

// sqlStore implements Store over database/sql. Statements are written with
// ? placeholders and a {{prefix}} table prefix, rewritten per dialect.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	d       dialect
	prefix  string
	limit   int
	queries map[string]string
}

func newSQLStore(db *sql.DB, d dialect, cfg Config, log logx.Logger) (*sqlStore, error) {
	prefix := cfg.TablePrefix
	if prefix == "" {
		prefix = defaultTablePrefix
	}
	if !tablePrefixRe.MatchString(prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}
	s := &sqlStore{db: db, log: log, d: d, prefix: prefix, limit: cfg.historyLimit(), queries: map[string]string{}}
	for name, q := range statements {
		s.queries[name] = s.rebind(q)
	}
	return s, nil
}

var statements = map[string]string{
	"jobExists":   `SELECT 1 FROM {{prefix}}jobs WHERE job_key = ?`,
	"getJob":      `SELECT kind, description, disallow_concurrent, data, created_at, updated_at FROM {{prefix}}jobs WHERE job_key = ?`,
	"getTriggers": `SELECT trigger_key, kind, expression, created_at FROM {{prefix}}triggers WHERE job_key = ? ORDER BY created_at, trigger_key`,
	"jobKeys":     `SELECT job_key FROM {{prefix}}jobs`,
	"insertJob": `INSERT INTO {{prefix}}jobs(job_key, kind, description, disallow_concurrent, data, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?)`,
	"insertTrigger":  `INSERT INTO {{prefix}}triggers(trigger_key, job_key, kind, expression, created_at) VALUES(?,?,?,?,?)`,
	"deleteTriggers": `DELETE FROM {{prefix}}triggers WHERE job_key = ?`,
	"deleteJob":      `DELETE FROM {{prefix}}jobs WHERE job_key = ?`,
	"insertExecution": `INSERT INTO {{prefix}}executions(job_key, fire_id, instance, started_at, duration_ms, attempts, result, error)
		VALUES(?,?,?,?,?,?,?,?)`,
	"pruneExecutions": `DELETE FROM {{prefix}}executions WHERE job_key = ? AND id NOT IN
		(SELECT id FROM {{prefix}}executions WHERE job_key = ? ORDER BY id DESC LIMIT ?)`,
	"listExecutions": `SELECT fire_id, instance, started_at, duration_ms, attempts, result, error
		FROM {{prefix}}executions WHERE job_key = ? ORDER BY id DESC LIMIT ?`,
}

func (s *sqlStore) rebind(q string) string {
	q = strings.ReplaceAll(q, "{{prefix}}", s.prefix)
	if !s.d.dollar {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema/" + s.d.name + ".sql")
	if err != nil {
		return err
	}
	ddl := strings.ReplaceAll(string(b), "{{prefix}}", s.prefix)
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.d.name, err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) JobExists(ctx context.Context, key string) (bool, error) {
	return jobExists(ctx, s.db, s.queries["jobExists"], key)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func jobExists(ctx context.Context, q queryer, query, key string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, query, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqlStore) GetJob(ctx context.Context, key string) (JobRecord, bool, error) {
	var (
		j        = JobRecord{Key: key}
		disallow int
		data     string
		created  int64
		updated  int64
	)
	err := s.db.QueryRowContext(ctx, s.queries["getJob"], key).Scan(&j.Kind, &j.Description, &disallow, &data, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, false, nil
	}
	if err != nil {
		return JobRecord{}, false, err
	}
	if err := json.Unmarshal([]byte(data), &j.Data); err != nil {
		return JobRecord{}, false, fmt.Errorf("job %s: corrupt data column: %w", key, err)
	}
	if j.Data == nil {
		j.Data = map[string]string{}
	}
	j.DisallowConcurrent = disallow != 0
	j.CreatedAt = time.UnixMilli(created)
	j.UpdatedAt = time.UnixMilli(updated)
	return j, true, nil
}

func (s *sqlStore) GetTriggers(ctx context.Context, jobKey string) ([]TriggerRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.queries["getTriggers"], jobKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TriggerRecord
	for rows.Next() {
		t := TriggerRecord{JobKey: jobKey}
		var created int64
		if err := rows.Scan(&t.Key, &t.Kind, &t.Expression, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = time.UnixMilli(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) JobKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.queries["jobKeys"])
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *sqlStore) PutJob(ctx context.Context, job JobRecord, triggers []TriggerRecord) error {
	return s.writeJob(ctx, job, triggers, false)
}

func (s *sqlStore) ReplaceJob(ctx context.Context, job JobRecord, triggers []TriggerRecord) error {
	return s.writeJob(ctx, job, triggers, true)
}

func (s *sqlStore) writeJob(ctx context.Context, job JobRecord, triggers []TriggerRecord, replace bool) (err error) {
	if err := validateJob(job, triggers); err != nil {
		return err
	}
	job, triggers = stamp(job, triggers, time.Now())
	data, err := json.Marshal(job.Data)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if replace {
		if err = deleteJobTx(ctx, tx, s.queries, job.Key); err != nil {
			return err
		}
	} else {
		var exists bool
		if exists, err = jobExists(ctx, tx, s.queries["jobExists"], job.Key); err != nil {
			return err
		}
		if exists {
			return ErrJobExists
		}
	}

	disallow := 0
	if job.DisallowConcurrent {
		disallow = 1
	}
	if _, err = tx.ExecContext(ctx, s.queries["insertJob"], job.Key, job.Kind, job.Description, disallow, string(data),
		job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli()); err != nil {
		return s.mapErr(err)
	}
	for _, t := range triggers {
		if _, err = tx.ExecContext(ctx, s.queries["insertTrigger"], t.Key, job.Key, t.Kind, t.Expression, t.CreatedAt.UnixMilli()); err != nil {
			return s.mapErr(err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) mapErr(err error) error {
	if s.d.isUniqueViolation != nil && s.d.isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrJobExists, err)
	}
	return err
}

func deleteJobTx(ctx context.Context, tx *sql.Tx, queries map[string]string, key string) error {
	if _, err := tx.ExecContext(ctx, queries["deleteTriggers"], key); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, queries["deleteJob"], key)
	return err
}

func (s *sqlStore) DeleteJob(ctx context.Context, key string) (ok bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, s.queries["deleteTriggers"], key); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, s.queries["deleteJob"], key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) AppendExecution(ctx context.Context, rec ExecutionRecord) error {
	if rec.Started.IsZero() {
		rec.Started = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, s.queries["insertExecution"], rec.JobKey, rec.FireID, rec.Instance,
		rec.Started.UnixMilli(), rec.Duration.Milliseconds(), rec.Attempts, rec.Result, rec.Error); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.queries["pruneExecutions"], rec.JobKey, rec.JobKey, s.limit); err != nil {
		s.log.Debug("execution history prune failed", logx.String("job", rec.JobKey), logx.Err(err))
	}
	return nil
}

func (s *sqlStore) ListExecutions(ctx context.Context, jobKey string, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}
	rows, err := s.db.QueryContext(ctx, s.queries["listExecutions"], jobKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ExecutionRecord
	for rows.Next() {
		r := ExecutionRecord{JobKey: jobKey}
		var started, durMS int64
		if err := rows.Scan(&r.FireID, &r.Instance, &started, &durMS, &r.Attempts, &r.Result, &r.Error); err != nil {
			return nil, err
		}
		r.Started = time.UnixMilli(started)
		r.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}
