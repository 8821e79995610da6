package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snarg/scribe/internal/transcript"
)

func TestMemoryStore_ExpiredUploadsCascade(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateUpload(ctx, &Upload{ID: "u-old", StorageKey: "uploads/old.mp3", ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, s.CreateUpload(ctx, &Upload{ID: "u-new", StorageKey: "uploads/new.mp3", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, s.CreateJob(ctx, &Job{ID: "j-old", UploadID: "u-old"}))
	require.NoError(t, s.CreateJob(ctx, &Job{ID: "j-new", UploadID: "u-new"}))
	require.NoError(t, s.CreateJob(ctx, &Job{ID: "j-watch"}))

	keys, err := s.DeleteExpiredUploads(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"uploads/old.mp3"}, keys)

	_, err = s.GetUpload(ctx, "u-old")
	assert.ErrorIs(t, err, ErrUploadNotFound)
	_, err = s.GetJob(ctx, "j-old")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetJob(ctx, "j-new")
	assert.NoError(t, err)
	_, err = s.GetJob(ctx, "j-watch")
	assert.NoError(t, err, "jobs without an upload are kept")
}

func TestUpload_Expired(t *testing.T) {
	now := time.Now()
	u := &Upload{ExpiresAt: now}
	assert.True(t, u.Expired(now))
	assert.False(t, u.Expired(now.Add(-time.Nanosecond)))
}

func TestMemoryStore_Usage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	day1 := time.Date(2026, 5, 1, 23, 0, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Hour)

	require.NoError(t, s.RecordUsage(ctx, Usage{At: day1, Uploaded: true}))
	require.NoError(t, s.RecordUsage(ctx, Usage{At: day1, Completed: true, ProcessingSeconds: 10, Confidence: transcript.Float64(0.8)}))
	require.NoError(t, s.RecordUsage(ctx, Usage{At: day1, Completed: true, ProcessingSeconds: 20, Confidence: transcript.Float64(0.9)}))
	require.NoError(t, s.RecordUsage(ctx, Usage{At: day1, ProcessingSeconds: 5}))
	require.NoError(t, s.RecordUsage(ctx, Usage{At: day2, Uploaded: true}))

	got, err := s.UsageSince(ctx, day1)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "2026-05-01", got[0].Date)
	assert.Equal(t, 1, got[0].Uploads)
	assert.Equal(t, 2, got[0].Transcriptions)
	assert.Equal(t, 1, got[0].Errors)
	assert.InDelta(t, 35, got[0].ProcessingSeconds, 1e-9)
	require.NotNil(t, got[0].AverageConfidence)
	assert.InDelta(t, 0.85, *got[0].AverageConfidence, 1e-9)

	assert.Equal(t, "2026-05-02", got[1].Date)
	assert.Nil(t, got[1].AverageConfidence)

	got, err = s.UsageSince(ctx, day2)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemoryStore_PurgeDetachedJobs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now.Add(-48 * time.Hour) }

	require.NoError(t, s.CreateJob(ctx, &Job{ID: "old"}))
	require.NoError(t, s.CreateJob(ctx, &Job{ID: "old-upload", UploadID: "u1"}))
	require.NoError(t, s.CreateJob(ctx, &Job{ID: "running"}))
	for _, id := range []string{"old", "old-upload"} {
		_, err := s.UpdateJobState(ctx, id, Update{State: StateProcessing})
		require.NoError(t, err)
		_, err = s.UpdateJobState(ctx, id, Update{State: StateCompleted, Result: &transcript.Result{}})
		require.NoError(t, err)
	}

	s.now = func() time.Time { return now }
	n, err := s.PurgeDetachedJobs(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetJob(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetJob(ctx, "old-upload")
	assert.NoError(t, err)
	_, err = s.GetJob(ctx, "running")
	assert.NoError(t, err)
}
