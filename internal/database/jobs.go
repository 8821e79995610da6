package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/snarg/scribe/internal/jobs"
	"github.com/snarg/scribe/internal/transcript"
)

const jobColumns = `
	id::text, COALESCE(upload_id::text, ''), storage_key, filename, options,
	state, attempts, result, COALESCE(error_message, ''), COALESCE(engine, ''),
	created_at, started_at, completed_at`

func scanJob(row pgx.Row) (*jobs.Job, error) {
	var (
		j      jobs.Job
		state  string
		opts   []byte
		result []byte
	)
	err := row.Scan(
		&j.ID, &j.UploadID, &j.StorageKey, &j.Filename, &opts,
		&state, &j.Attempts, &result, &j.Error, &j.Engine,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	j.State = jobs.State(state)
	if err := json.Unmarshal(opts, &j.Options); err != nil {
		return nil, fmt.Errorf("decode options of job %s: %w", j.ID, err)
	}
	if len(result) > 0 {
		j.Result = &transcript.Result{}
		if err := json.Unmarshal(result, j.Result); err != nil {
			return nil, fmt.Errorf("decode result of job %s: %w", j.ID, err)
		}
	}
	return &j, nil
}

// validID reports whether id can be a row key. Anything else cannot exist,
// so callers answer ErrNotFound without a round trip.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (db *DB) CreateJob(ctx context.Context, j *jobs.Job) error {
	if j.State == "" {
		j.State = jobs.StatePending
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = db.now()
	}
	opts, err := json.Marshal(j.Options)
	if err != nil {
		return err
	}
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO jobs (id, upload_id, storage_key, filename, options, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, j.ID, pqString(j.UploadID), j.StorageKey, j.Filename, opts, string(j.State), j.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

func (db *DB) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	if !validID(id) {
		return nil, jobs.ErrNotFound
	}
	j, err := scanJob(db.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	return j, err
}

// UpdateJobState applies u only if the row is currently in one of the
// states u.State may be entered from. The guard runs in the UPDATE itself,
// so concurrent writers cannot both pass it.
func (db *DB) UpdateJobState(ctx context.Context, id string, u jobs.Update) (*jobs.Job, error) {
	if !validID(id) {
		return nil, jobs.ErrNotFound
	}

	var (
		result     []byte
		confidence *float64
		err        error
	)
	if u.State == jobs.StateCompleted && u.Result != nil {
		if result, err = json.Marshal(u.Result); err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		confidence = u.Result.Confidence
	}
	allowed := make([]string, 0, 2)
	for _, s := range jobs.AllowedFrom(u.State) {
		allowed = append(allowed, string(s))
	}

	j, err := scanJob(db.Pool.QueryRow(ctx, `
		UPDATE jobs SET
			state         = $2::text,
			attempts      = attempts + CASE WHEN $2::text = 'processing' THEN 1 ELSE 0 END,
			started_at    = CASE WHEN $2::text = 'processing' THEN $3::timestamptz ELSE started_at END,
			completed_at  = CASE WHEN $2::text IN ('completed', 'failed') THEN $3::timestamptz ELSE NULL END,
			error_message = CASE WHEN $2::text = 'failed' THEN $4::text
			                     WHEN $2::text = 'completed' THEN NULL
			                     ELSE error_message END,
			result        = CASE WHEN $2::text = 'completed' THEN $5::jsonb ELSE result END,
			confidence    = CASE WHEN $2::text = 'completed' THEN $6::float8 ELSE confidence END,
			engine        = CASE WHEN $2::text = 'completed' THEN NULLIF($7::text, '') ELSE engine END
		WHERE id = $1 AND state = ANY($8::text[])
		RETURNING `+jobColumns,
		id, string(u.State), db.now(), u.Error, result, confidence, u.Engine, allowed,
	))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}

	var current string
	err = db.Pool.QueryRow(ctx, `SELECT state FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return nil, &jobs.TransitionError{JobID: id, From: jobs.State(current), To: u.State}
}

func (db *DB) DeleteJob(ctx context.Context, id string) error {
	if !validID(id) {
		return jobs.ErrNotFound
	}
	tag, err := db.Pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return jobs.ErrNotFound
	}
	return nil
}

// PurgeDetachedJobs deletes finished jobs that belong to no upload (watch
// folder submissions) once they are older than retention.
func (db *DB) PurgeDetachedJobs(ctx context.Context, retention time.Duration) (int64, error) {
	return db.PurgeOlderThan(ctx, "jobs", "completed_at", retention, "upload_id IS NULL")
}
