package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/scribe/internal/jobs"
	"github.com/snarg/scribe/internal/transcript"
)

// JobReader is the read surface of the job service.
type JobReader interface {
	Status(ctx context.Context, id string) (*jobs.StatusView, error)
	Result(ctx context.Context, id string, f transcript.Format) (*jobs.Rendered, error)
}

type TranscriptionsHandler struct {
	jobs JobReader
}

func NewTranscriptionsHandler(j JobReader) *TranscriptionsHandler {
	return &TranscriptionsHandler{jobs: j}
}

func (h *TranscriptionsHandler) Routes(r chi.Router) {
	r.Get("/transcriptions/{id}/status", h.GetStatus)
	r.Get("/transcriptions/{id}/result", h.GetResult)
}

// GetStatus handles GET /api/v1/transcriptions/{id}/status.
func (h *TranscriptionsHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := h.jobs.Status(r.Context(), id)
	if err != nil {
		h.writeJobError(w, r, id, err)
		return
	}
	WriteJSON(w, http.StatusOK, v)
}

// GetResult handles GET /api/v1/transcriptions/{id}/result?format=&download=.
// With download set the rendered content is returned as an attachment
// instead of wrapped in JSON.
func (h *TranscriptionsHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	format, err := transcript.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrUnsupportedFormat, err.Error())
		return
	}

	out, err := h.jobs.Result(r.Context(), id, format)
	if err != nil {
		h.writeJobError(w, r, id, err)
		return
	}

	if download, _ := QueryBool(r, "download"); download {
		w.Header().Set("Content-Type", out.ContentType+"; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", out.Filename))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(out.Content))
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

func (h *TranscriptionsHandler) writeJobError(w http.ResponseWriter, r *http.Request, id string, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "transcription not found")
	case errors.Is(err, jobs.ErrNotReady):
		WriteErrorWithCode(w, http.StatusConflict, ErrTranscriptionNotReady, "transcription is not completed yet")
	default:
		hlog.FromRequest(r).Error().Err(err).Str("job_id", id).Msg("transcription lookup failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to load transcription")
	}
}
