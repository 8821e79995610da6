package jobs

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snarg/scribe/internal/transcript"
)

func intp(v int) *int { return &v }

func TestFeedback_Normalize(t *testing.T) {
	tests := []struct {
		name string
		in   Feedback
		want error
	}{
		{"ok", Feedback{Rating: 5, Comment: " 精度が高い "}, nil},
		{"rating_zero", Feedback{Rating: 0, Comment: "x"}, ErrInvalidRating},
		{"rating_six", Feedback{Rating: 6, Comment: "x"}, ErrInvalidRating},
		{"blank_comment", Feedback{Rating: 3, Comment: "   "}, ErrCommentRequired},
		{"comment_at_limit", Feedback{Rating: 3, Comment: strings.Repeat("評", MaxFeedbackComment)}, nil},
		{"comment_too_long", Feedback{Rating: 3, Comment: strings.Repeat("a", MaxFeedbackComment+1)}, ErrCommentTooLong},
		{"accuracy_out_of_range", Feedback{Rating: 3, Comment: "x", Accuracy: intp(9)}, ErrInvalidFeedback},
		{"bad_email", Feedback{Rating: 3, Comment: "x", AllowContact: true, Email: "not-an-address"}, ErrInvalidFeedback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := tt.in
			err := f.Normalize()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFeedback_NormalizeDropsEmailWithoutConsent(t *testing.T) {
	f := Feedback{Rating: 4, Comment: " good ", Email: "not-an-address", Profession: " PT "}
	require.NoError(t, f.Normalize())
	assert.Empty(t, f.Email)
	assert.Equal(t, "good", f.Comment)
	assert.Equal(t, "PT", f.Profession)
}

func TestMemoryStore_Feedback(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateJob(ctx, &Job{ID: "job-1"}))
	_, err := s.UpdateJobState(ctx, "job-1", Update{State: StateProcessing})
	require.NoError(t, err)
	_, err = s.UpdateJobState(ctx, "job-1", Update{State: StateCompleted, Result: &transcript.Result{Text: "膝関節の評価"}})
	require.NoError(t, err)

	linked := &Feedback{Rating: 5, Accuracy: intp(4), Comment: "a", Profession: "PT", WouldRecommend: true, TranscriptionID: "job-1", CreatedAt: base}
	require.NoError(t, s.SaveFeedback(ctx, linked))
	assert.NotEmpty(t, linked.ID)
	assert.Equal(t, "job-1", linked.TranscriptionID)

	dangling := &Feedback{Rating: 2, Accuracy: intp(5), Comment: "b", Profession: "PT", AllowContact: true, TranscriptionID: "missing", CreatedAt: base.Add(time.Minute)}
	require.NoError(t, s.SaveFeedback(ctx, dangling))
	assert.Empty(t, dangling.TranscriptionID)

	old := &Feedback{Rating: 1, Comment: "c", CreatedAt: base.Add(-48 * time.Hour)}
	require.NoError(t, s.SaveFeedback(ctx, old))

	stats, err := s.FeedbackStats(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	require.NotNil(t, stats.AvgRating)
	assert.InDelta(t, 3.5, *stats.AvgRating, 1e-9)
	require.NotNil(t, stats.AvgAccuracy)
	assert.InDelta(t, 4.5, *stats.AvgAccuracy, 1e-9)
	assert.Nil(t, stats.AvgUsability)
	assert.Equal(t, 1, stats.Recommendations)
	assert.Equal(t, 1, stats.ContactAllowed)
	assert.Equal(t, 1, stats.Professions)

	recent, err := s.RecentFeedback(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, dangling.ID, recent[0].ID)
	assert.Equal(t, linked.ID, recent[1].ID)
	assert.Equal(t, "膝関節の評価", recent[1].TranscriptionText)

	recent, err = s.RecentFeedback(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, old.ID, recent[0].ID)

	recent, err = s.RecentFeedback(ctx, 2, 10)
	require.NoError(t, err)
	assert.NotNil(t, recent)
	assert.Empty(t, recent)

	require.NoError(t, s.DeleteJob(ctx, "job-1"))
	recent, err = s.RecentFeedback(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Empty(t, recent[0].TranscriptionID)
	assert.Empty(t, recent[0].TranscriptionText)
}
