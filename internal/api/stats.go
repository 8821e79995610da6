package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/scribe/internal/jobs"
	"github.com/snarg/scribe/internal/queue"
)

// QueueStatsSource reports queue state.
type QueueStatsSource interface {
	Stats(ctx context.Context) (queue.Counts, error)
	Dropped() int64
	Workers() int
}

type StatsHandler struct {
	queue QueueStatsSource
	usage jobs.UsageReporter
	now   func() time.Time
}

// NewStatsHandler creates the stats handler. usage may be nil, in which
// case the usage endpoint answers 503.
func NewStatsHandler(q QueueStatsSource, usage jobs.UsageReporter) *StatsHandler {
	return &StatsHandler{queue: q, usage: usage, now: time.Now}
}

func (h *StatsHandler) Routes(r chi.Router) {
	r.Get("/queue/stats", h.QueueStats)
	r.Get("/stats/usage", h.Usage)
}

type queueStatsResponse struct {
	queue.Counts
	Workers       int   `json:"workers"`
	DroppedEvents int64 `json:"dropped_events"`
}

// QueueStats handles GET /api/v1/queue/stats.
func (h *StatsHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.queue.Stats(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("queue stats failed")
		WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrUnavailable, "queue unavailable")
		return
	}
	WriteJSON(w, http.StatusOK, queueStatsResponse{
		Counts:        counts,
		Workers:       h.queue.Workers(),
		DroppedEvents: h.queue.Dropped(),
	})
}

type usageResponse struct {
	Days  int               `json:"days"`
	Stats []jobs.DailyUsage `json:"stats"`
}

// Usage handles GET /api/v1/stats/usage?days=N (default 7, at most 90).
func (h *StatsHandler) Usage(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrUnavailable, "usage statistics not available")
		return
	}
	days := 7
	if v, ok := QueryInt(r, "days"); ok {
		if v < 1 || v > 90 {
			WriteError(w, http.StatusBadRequest, "days must be between 1 and 90")
			return
		}
		days = v
	}
	since := h.now().UTC().AddDate(0, 0, -(days - 1))
	stats, err := h.usage.UsageSince(r.Context(), since)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("usage stats failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to load usage statistics")
		return
	}
	WriteJSON(w, http.StatusOK, usageResponse{Days: days, Stats: stats})
}
