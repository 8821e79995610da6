package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/scribe/internal/jobs"
	"github.com/snarg/scribe/internal/metrics"
)

const (
	feedbackStatsWindow = 30 * 24 * time.Hour
	feedbackPageDefault = 20
	feedbackPageMax     = 100
)

type FeedbackHandler struct {
	store jobs.FeedbackStore
	now   func() time.Time
}

// NewFeedbackHandler creates the feedback handler. A nil store answers 503.
func NewFeedbackHandler(store jobs.FeedbackStore) *FeedbackHandler {
	return &FeedbackHandler{store: store, now: time.Now}
}

func (h *FeedbackHandler) Routes(r chi.Router) {
	r.Route("/feedback", func(r chi.Router) {
		r.Post("/", h.Submit)
		r.Get("/stats", h.Stats)
		r.Get("/recent", h.Recent)
	})
}

type feedbackRequest struct {
	Rating          int    `json:"rating"`
	Accuracy        *int   `json:"accuracy"`
	Usability       *int   `json:"usability"`
	Speed           *int   `json:"speed"`
	Comment         string `json:"comment"`
	Profession      string `json:"profession"`
	UseCase         string `json:"use_case"`
	WouldRecommend  bool   `json:"would_recommend"`
	AllowContact    bool   `json:"allow_contact"`
	Email           string `json:"email"`
	TranscriptionID string `json:"transcription_id"`
}

type feedbackResponse struct {
	ID              string `json:"id"`
	TranscriptionID string `json:"transcription_id,omitempty"`
	Message         string `json:"message"`
}

// Submit handles POST /api/v1/feedback.
func (h *FeedbackHandler) Submit(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrUnavailable, "feedback is not available")
		return
	}
	var req feedbackRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid request body")
		return
	}

	f := &jobs.Feedback{
		Rating:          req.Rating,
		Accuracy:        req.Accuracy,
		Usability:       req.Usability,
		Speed:           req.Speed,
		Comment:         req.Comment,
		Profession:      req.Profession,
		UseCase:         req.UseCase,
		WouldRecommend:  req.WouldRecommend,
		AllowContact:    req.AllowContact,
		Email:           req.Email,
		TranscriptionID: req.TranscriptionID,
		UserAgent:       r.UserAgent(),
		IPAddress:       ClientIP(r),
	}
	if err := f.Normalize(); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, feedbackCode(err), err.Error())
		return
	}

	log := hlog.FromRequest(r)
	if err := h.store.SaveFeedback(r.Context(), f); err != nil {
		log.Error().Err(err).Msg("feedback save failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to save feedback")
		return
	}
	log.Info().
		Str("feedback_id", f.ID).
		Int("rating", f.Rating).
		Str("profession", f.Profession).
		Str("job_id", f.TranscriptionID).
		Msg("feedback received")
	metrics.FeedbackTotal.WithLabelValues(strconv.Itoa(f.Rating)).Inc()
	WriteJSON(w, http.StatusCreated, feedbackResponse{
		ID:              f.ID,
		TranscriptionID: f.TranscriptionID,
		Message:         "feedback received",
	})
}

func feedbackCode(err error) string {
	switch {
	case errors.Is(err, jobs.ErrInvalidRating):
		return ErrInvalidRating
	case errors.Is(err, jobs.ErrCommentRequired):
		return ErrCommentRequired
	case errors.Is(err, jobs.ErrCommentTooLong):
		return ErrCommentTooLong
	}
	return ErrInvalidFeedback
}

// Stats handles GET /api/v1/feedback/stats over the last 30 days.
func (h *FeedbackHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrUnavailable, "feedback is not available")
		return
	}
	stats, err := h.store.FeedbackStats(r.Context(), h.now().UTC().Add(-feedbackStatsWindow))
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("feedback stats failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to load feedback statistics")
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

type recentFeedbackResponse struct {
	Limit    int             `json:"limit"`
	Offset   int             `json:"offset"`
	Feedback []jobs.Feedback `json:"feedback"`
}

// Recent handles GET /api/v1/feedback/recent?limit=N&offset=M.
func (h *FeedbackHandler) Recent(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrUnavailable, "feedback is not available")
		return
	}
	limit := feedbackPageDefault
	if v, ok := QueryInt(r, "limit"); ok && v > 0 {
		limit = v
	}
	if limit > feedbackPageMax {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrLimitTooLarge, "limit must be at most 100")
		return
	}
	offset := 0
	if v, ok := QueryInt(r, "offset"); ok && v > 0 {
		offset = v
	}

	items, err := h.store.RecentFeedback(r.Context(), limit, offset)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("recent feedback failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to load feedback")
		return
	}
	WriteJSON(w, http.StatusOK, recentFeedbackResponse{Limit: limit, Offset: offset, Feedback: items})
}
