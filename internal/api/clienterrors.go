package api

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/scribe/internal/metrics"
)

const (
	clientErrorMaxMessage = 1000
	clientErrorRecent     = 20
)

var (
	// Browser failures that are usually transient or environmental.
	clientWarnCues = []string{"network", "fetch", "timeout", "chunk", "loading"}
	// Messages that get an extra security log line.
	clientAlertCues = []string{"security", "malicious", "injection"}
)

// ClientErrorsHandler accepts error reports from the web client. Reports
// are logged and counted; nothing is persisted.
type ClientErrorsHandler struct {
	mu      sync.Mutex
	total   int
	byLevel map[string]int
	recent  []clientErrorSummary
	now     func() time.Time
}

func NewClientErrorsHandler() *ClientErrorsHandler {
	return &ClientErrorsHandler{byLevel: make(map[string]int), now: time.Now}
}

func (h *ClientErrorsHandler) Routes(r chi.Router) {
	r.Route("/errors", func(r chi.Router) {
		r.Post("/", h.Report)
		r.Get("/stats", h.Stats)
	})
}

type clientErrorReport struct {
	Message        string `json:"message"`
	Stack          string `json:"stack"`
	ComponentStack string `json:"component_stack"`
	Timestamp      string `json:"timestamp"`
	URL            string `json:"url"`
}

type clientErrorSummary struct {
	Level      string    `json:"level"`
	Message    string    `json:"message"`
	URL        string    `json:"url,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Report handles POST /api/v1/errors.
func (h *ClientErrorsHandler) Report(w http.ResponseWriter, r *http.Request) {
	var rep clientErrorReport
	if err := DecodeJSON(r, &rep); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid request body")
		return
	}
	rep.Message = strings.TrimSpace(rep.Message)
	switch {
	case rep.Message == "":
		WriteErrorWithCode(w, http.StatusBadRequest, ErrMessageRequired, "message is required")
		return
	case utf8.RuneCountInString(rep.Message) > clientErrorMaxMessage:
		WriteErrorWithCode(w, http.StatusBadRequest, ErrMessageTooLong, "message must be at most 1000 characters")
		return
	case strings.TrimSpace(rep.Timestamp) == "":
		WriteErrorWithCode(w, http.StatusBadRequest, ErrTimestampRequired, "timestamp is required")
		return
	}

	level := classifyClientError(rep.Message)
	log := hlog.FromRequest(r)
	log.WithLevel(level).
		Str("component", "client").
		Str("error_message", rep.Message).
		Str("stack", rep.Stack).
		Str("component_stack", rep.ComponentStack).
		Str("client_timestamp", rep.Timestamp).
		Str("url", rep.URL).
		Str("user_agent", r.UserAgent()).
		Str("ip", ClientIP(r)).
		Msg("client error reported")
	if level == zerolog.ErrorLevel && containsAny(strings.ToLower(rep.Message), clientAlertCues) {
		log.Error().
			Str("component", "client").
			Str("error_message", rep.Message).
			Str("ip", ClientIP(r)).
			Str("user_agent", r.UserAgent()).
			Msg("client reported a possible security issue")
	}
	metrics.ClientErrorsTotal.WithLabelValues(level.String()).Inc()
	h.record(level.String(), rep)

	WriteJSON(w, http.StatusAccepted, map[string]string{"message": "error report received"})
}

func (h *ClientErrorsHandler) record(level string, rep clientErrorReport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total++
	h.byLevel[level]++
	h.recent = append(h.recent, clientErrorSummary{Level: level, Message: rep.Message, URL: rep.URL, ReceivedAt: h.now().UTC()})
	if n := len(h.recent); n > clientErrorRecent {
		h.recent = append(h.recent[:0:0], h.recent[n-clientErrorRecent:]...)
	}
}

type clientErrorStats struct {
	Total   int                  `json:"total_errors"`
	ByLevel map[string]int       `json:"errors_by_level"`
	Recent  []clientErrorSummary `json:"recent_errors"`
	At      time.Time            `json:"timestamp"`
}

// Stats handles GET /api/v1/errors/stats. Counts cover this process only.
func (h *ClientErrorsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	st := clientErrorStats{
		Total:   h.total,
		ByLevel: make(map[string]int, len(h.byLevel)),
		Recent:  make([]clientErrorSummary, 0, len(h.recent)),
		At:      h.now().UTC(),
	}
	for k, v := range h.byLevel {
		st.ByLevel[k] = v
	}
	// Newest first.
	for i := len(h.recent) - 1; i >= 0; i-- {
		st.Recent = append(st.Recent, h.recent[i])
	}
	h.mu.Unlock()
	WriteJSON(w, http.StatusOK, st)
}

func classifyClientError(msg string) zerolog.Level {
	if containsAny(strings.ToLower(msg), clientWarnCues) {
		return zerolog.WarnLevel
	}
	return zerolog.ErrorLevel
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
