package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/snarg/scribe/internal/jobs"
)

func (db *DB) CreateUpload(ctx context.Context, u *jobs.Upload) error {
	if u.UploadedAt.IsZero() {
		u.UploadedAt = db.now()
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO uploads (id, original_name, file_size, mime_type, storage_key,
		                     uploaded_at, expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, u.ID, u.OriginalName, u.FileSize, u.MimeType, u.StorageKey,
		u.UploadedAt, u.ExpiresAt, pqString(u.IPAddress), pqString(u.UserAgent))
	if err != nil {
		return fmt.Errorf("insert upload %s: %w", u.ID, err)
	}
	return nil
}

func (db *DB) GetUpload(ctx context.Context, id string) (*jobs.Upload, error) {
	if !validID(id) {
		return nil, jobs.ErrUploadNotFound
	}
	var u jobs.Upload
	err := db.Pool.QueryRow(ctx, `
		SELECT id::text, original_name, file_size, mime_type, storage_key,
		       uploaded_at, expires_at, COALESCE(ip_address, ''), COALESCE(user_agent, '')
		FROM uploads WHERE id = $1
	`, id).Scan(&u.ID, &u.OriginalName, &u.FileSize, &u.MimeType, &u.StorageKey,
		&u.UploadedAt, &u.ExpiresAt, &u.IPAddress, &u.UserAgent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobs.ErrUploadNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// DeleteExpiredUploads removes expired uploads; their jobs go with them
// through ON DELETE CASCADE.
func (db *DB) DeleteExpiredUploads(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := db.Pool.Query(ctx,
		`DELETE FROM uploads WHERE expires_at <= $1 RETURNING storage_key`, now)
	if err != nil {
		return nil, err
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect expired keys: %w", err)
	}
	return keys, nil
}
