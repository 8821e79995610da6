package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/snarg/scribe/internal/jobs"
)

// SaveFeedback inserts f. A transcription id that is malformed or names no
// job is stored as NULL and cleared on f.
func (db *DB) SaveFeedback(ctx context.Context, f *jobs.Feedback) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = db.now()
	}
	var transcription *string
	if validID(f.TranscriptionID) {
		transcription = &f.TranscriptionID
	}

	var linked *string
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO feedback (id, rating, accuracy, usability, speed, comment,
			profession, use_case, would_recommend, allow_contact, email,
			transcription_id, user_agent, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			(SELECT id FROM jobs WHERE id = $12::uuid), $13, $14, $15)
		RETURNING transcription_id::text
	`, f.ID, f.Rating, f.Accuracy, f.Usability, f.Speed, f.Comment,
		pqString(f.Profession), pqString(f.UseCase), f.WouldRecommend, f.AllowContact, pqString(f.Email),
		transcription, pqString(f.UserAgent), pqString(f.IPAddress), f.CreatedAt,
	).Scan(&linked)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	f.TranscriptionID = ""
	if linked != nil {
		f.TranscriptionID = *linked
	}
	return nil
}

// FeedbackStats aggregates feedback created at or after since.
func (db *DB) FeedbackStats(ctx context.Context, since time.Time) (*jobs.FeedbackStats, error) {
	st := &jobs.FeedbackStats{Since: since}
	err := db.Pool.QueryRow(ctx, `
		SELECT count(*),
		       avg(rating)::float8, avg(accuracy)::float8, avg(usability)::float8, avg(speed)::float8,
		       count(*) FILTER (WHERE would_recommend),
		       count(*) FILTER (WHERE allow_contact),
		       count(DISTINCT profession)
		FROM feedback
		WHERE created_at >= $1
	`, since).Scan(&st.Total, &st.AvgRating, &st.AvgAccuracy, &st.AvgUsability, &st.AvgSpeed,
		&st.Recommendations, &st.ContactAllowed, &st.Professions)
	if err != nil {
		return nil, fmt.Errorf("feedback stats: %w", err)
	}
	return st, nil
}

// RecentFeedback returns feedback newest first, each with the text of its
// linked transcription when there is one.
func (db *DB) RecentFeedback(ctx context.Context, limit, offset int) ([]jobs.Feedback, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT f.id::text, f.rating, f.accuracy, f.usability, f.speed, f.comment,
		       COALESCE(f.profession, ''), COALESCE(f.use_case, ''),
		       f.would_recommend, f.allow_contact, COALESCE(f.email, ''),
		       COALESCE(f.transcription_id::text, ''), COALESCE(j.result->>'text', ''),
		       COALESCE(f.user_agent, ''), COALESCE(f.ip_address, ''), f.created_at
		FROM feedback f
		LEFT JOIN jobs j ON j.id = f.transcription_id
		ORDER BY f.created_at DESC, f.id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("recent feedback: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (jobs.Feedback, error) {
		var f jobs.Feedback
		err := row.Scan(&f.ID, &f.Rating, &f.Accuracy, &f.Usability, &f.Speed, &f.Comment,
			&f.Profession, &f.UseCase, &f.WouldRecommend, &f.AllowContact, &f.Email,
			&f.TranscriptionID, &f.TranscriptionText, &f.UserAgent, &f.IPAddress, &f.CreatedAt)
		return f, err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []jobs.Feedback{}
	}
	return out, nil
}
