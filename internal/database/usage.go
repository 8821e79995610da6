package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/snarg/scribe/internal/jobs"
)

// RecordUsage folds one event into the row for its UTC day.
func (db *DB) RecordUsage(ctx context.Context, u jobs.Usage) error {
	var uploads, transcriptions, errs, confCount int
	var confSum float64
	switch {
	case u.Uploaded:
		uploads = 1
	case u.Completed:
		transcriptions = 1
		if u.Confidence != nil {
			confSum, confCount = *u.Confidence, 1
		}
	default:
		errs = 1
	}
	seconds := u.ProcessingSeconds
	if u.Uploaded {
		seconds = 0
	}

	_, err := db.Pool.Exec(ctx, `
		INSERT INTO usage_stats AS s (date, total_uploads, total_transcriptions,
			total_processing_seconds, confidence_sum, confidence_count, error_count)
		VALUES ($1::date, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (date) DO UPDATE SET
			total_uploads            = s.total_uploads + EXCLUDED.total_uploads,
			total_transcriptions     = s.total_transcriptions + EXCLUDED.total_transcriptions,
			total_processing_seconds = s.total_processing_seconds + EXCLUDED.total_processing_seconds,
			confidence_sum           = s.confidence_sum + EXCLUDED.confidence_sum,
			confidence_count         = s.confidence_count + EXCLUDED.confidence_count,
			error_count              = s.error_count + EXCLUDED.error_count
	`, u.At.UTC().Format(time.DateOnly), uploads, transcriptions, seconds, confSum, confCount, errs)
	return err
}

// UsageSince returns daily usage from the given day onwards, oldest first.
func (db *DB) UsageSince(ctx context.Context, since time.Time) ([]jobs.DailyUsage, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT to_char(date, 'YYYY-MM-DD'), total_uploads, total_transcriptions,
		       total_processing_seconds,
		       CASE WHEN confidence_count > 0 THEN confidence_sum / confidence_count END,
		       error_count
		FROM usage_stats
		WHERE date >= $1::date
		ORDER BY date
	`, since.UTC().Format(time.DateOnly))
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (jobs.DailyUsage, error) {
		var d jobs.DailyUsage
		err := row.Scan(&d.Date, &d.Uploads, &d.Transcriptions, &d.ProcessingSeconds, &d.AverageConfidence, &d.Errors)
		return d, err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []jobs.DailyUsage{}
	}
	return out, nil
}
