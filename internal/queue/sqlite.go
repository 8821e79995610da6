package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes incompatibly.
const schemaVersion = 1

// ErrSchemaMismatch indicates an on-disk queue created by another version.
var ErrSchemaMismatch = errors.New("queue schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// SQLiteStore is a Store backed by a single SQLite file. Entries survive
// restarts; entries left active by a crash are recovered by ReclaimStale.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the queue database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin schema tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return tx.Commit()
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: %s has version %d, expected %d (delete the file to reset)",
			ErrSchemaMismatch, s.path, version, schemaVersion)
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

const entryColumns = `id, kind, payload, priority, seq, bucket, attempts, max_attempts,
	run_at, token, heartbeat, last_error, created_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e          Entry
		payload    []byte
		runAt      int64
		token      sql.NullString
		heartbeat  sql.NullInt64
		lastError  sql.NullString
		createdAt  int64
		finishedAt sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.Kind, &payload, &e.Priority, &e.Seq, &e.Bucket,
		&e.Attempts, &e.MaxAttempts, &runAt, &token, &heartbeat, &lastError,
		&createdAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	e.RunAt = fromMillis(runAt)
	e.Token = token.String
	if heartbeat.Valid {
		hb := fromMillis(heartbeat.Int64)
		e.Heartbeat = &hb
	}
	e.LastError = lastError.String
	e.CreatedAt = fromMillis(createdAt)
	if finishedAt.Valid {
		e.FinishedAt = fromMillis(finishedAt.Int64)
	}
	return &e, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLiteStore) Add(ctx context.Context, e *Entry) error {
	if e.Bucket == "" {
		e.Bucket = BucketWaiting
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	payload := []byte(e.Payload)
	if payload == nil {
		payload = []byte("null")
	}
	res, err := s.exec(ctx,
		`INSERT INTO queue_entries (id, kind, payload, priority, bucket, attempts, max_attempts, run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Kind, payload, e.Priority, e.Bucket, e.Attempts, e.MaxAttempts,
		toMillis(e.RunAt), toMillis(e.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicate, e.ID)
		}
		return fmt.Errorf("insert entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	e.Seq = seq
	return nil
}

func (s *SQLiteStore) Claim(ctx context.Context, now time.Time) (*Entry, error) {
	var e *Entry
	err := retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`UPDATE queue_entries
			 SET bucket = ?, attempts = attempts + 1, token = ?, heartbeat = ?
			 WHERE seq = (
			     SELECT seq FROM queue_entries
			     WHERE bucket = ? OR (bucket = ? AND run_at <= ?)
			     ORDER BY priority DESC, seq
			     LIMIT 1
			 )
			 RETURNING `+entryColumns,
			BucketActive, uuid.NewString(), toMillis(now),
			BucketWaiting, BucketDelayed, toMillis(now),
		)
		var scanErr error
		e, scanErr = scanEntry(row)
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim entry: %w", err)
	}
	return e, nil
}

// mutateHeld runs an UPDATE guarded by id, active bucket and token. The query
// must end with "WHERE id = ? AND bucket = 'active' AND token = ?".
func (s *SQLiteStore) mutateHeld(ctx context.Context, id, token, query string, args ...any) error {
	args = append(args, id, token)
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Lookup(ctx, id); err != nil {
			return err
		}
		return ErrLostClaim
	}
	return nil
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, id, token string, now time.Time) error {
	return s.mutateHeld(ctx, id, token,
		`UPDATE queue_entries SET heartbeat = ?
		 WHERE id = ? AND bucket = 'active' AND token = ?`,
		toMillis(now))
}

func (s *SQLiteStore) Complete(ctx context.Context, id, token string, now time.Time) error {
	return s.mutateHeld(ctx, id, token,
		`UPDATE queue_entries
		 SET bucket = ?, token = NULL, heartbeat = NULL, last_error = NULL, finished_at = ?
		 WHERE id = ? AND bucket = 'active' AND token = ?`,
		BucketCompleted, toMillis(now))
}

func (s *SQLiteStore) Reschedule(ctx context.Context, id, token string, runAt time.Time, errMsg string) error {
	return s.mutateHeld(ctx, id, token,
		`UPDATE queue_entries
		 SET bucket = ?, run_at = ?, token = NULL, heartbeat = NULL, last_error = ?
		 WHERE id = ? AND bucket = 'active' AND token = ?`,
		BucketDelayed, toMillis(runAt), nullableString(errMsg))
}

func (s *SQLiteStore) Fail(ctx context.Context, id, token, errMsg string, now time.Time) error {
	return s.mutateHeld(ctx, id, token,
		`UPDATE queue_entries
		 SET bucket = ?, token = NULL, heartbeat = NULL, last_error = ?, finished_at = ?
		 WHERE id = ? AND bucket = 'active' AND token = ?`,
		BucketFailed, nullableString(errMsg), toMillis(now))
}

func (s *SQLiteStore) ReclaimStale(ctx context.Context, cutoff time.Time) ([]Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reclaim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM queue_entries
		 WHERE bucket = ? AND heartbeat IS NOT NULL AND heartbeat < ?
		 ORDER BY seq`,
		BucketActive, toMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("query stale entries: %w", err)
	}
	var stale []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, *e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range stale {
		token := uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_entries SET token = ? WHERE id = ?`, token, stale[i].ID); err != nil {
			return nil, fmt.Errorf("rotate token %s: %w", stale[i].ID, err)
		}
		stale[i].Token = token
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reclaim: %w", err)
	}
	return stale, nil
}

func (s *SQLiteStore) Lookup(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup entry: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) Counts(ctx context.Context, now time.Time) (Counts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT CASE WHEN bucket = ? AND run_at <= ? THEN ? ELSE bucket END AS b, COUNT(1)
		 FROM queue_entries GROUP BY b`,
		BucketDelayed, toMillis(now), BucketWaiting)
	if err != nil {
		return Counts{}, fmt.Errorf("queue counts: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var (
			b Bucket
			n int
		)
		if err := rows.Scan(&b, &n); err != nil {
			return Counts{}, err
		}
		switch b {
		case BucketWaiting:
			c.Waiting += n
		case BucketActive:
			c.Active += n
		case BucketDelayed:
			c.Delayed += n
		case BucketCompleted:
			c.Completed += n
		case BucketFailed:
			c.Failed += n
		}
	}
	return c, rows.Err()
}

func (s *SQLiteStore) Prune(ctx context.Context, b Bucket, olderThan time.Time) (int64, error) {
	if err := checkPrunable(b); err != nil {
		return 0, err
	}
	res, err := s.exec(ctx,
		`DELETE FROM queue_entries WHERE bucket = ? AND finished_at < ?`,
		b, toMillis(olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", b, err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string { return s.path }
