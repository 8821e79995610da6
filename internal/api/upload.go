package api

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/scribe/internal/jobs"
	"github.com/snarg/scribe/internal/metrics"
	"github.com/snarg/scribe/internal/storage"
)

// JobSubmitter admits transcription jobs.
type JobSubmitter interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.Job, error)
}

// BlobWriter stores and removes media.
type BlobWriter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, key string) (bool, error)
}

// allowedMIME lists declared content types accepted for uploads, including
// common aliases browsers send.
var allowedMIME = map[string]bool{
	"audio/mpeg":      true,
	"audio/mp3":       true,
	"audio/wav":       true,
	"audio/x-wav":     true,
	"audio/wave":      true,
	"audio/mp4":       true,
	"audio/x-m4a":     true,
	"audio/flac":      true,
	"audio/x-flac":    true,
	"video/mp4":       true,
	"video/quicktime": true,
	"video/x-msvideo": true,
}

// multipart overhead allowed on top of the file size limit.
const formOverhead = 1 << 20

// UploadHandler accepts media uploads and submits them for transcription.
type UploadHandler struct {
	jobs     JobSubmitter
	uploads  jobs.UploadStore
	usage    jobs.UsageRecorder
	blobs    BlobWriter
	maxBytes int64
	ttl      time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewUploadHandler creates an upload handler. usage may be nil.
func NewUploadHandler(submitter JobSubmitter, uploads jobs.UploadStore, usage jobs.UsageRecorder, blobs BlobWriter, maxBytes int64, ttl time.Duration, log zerolog.Logger) *UploadHandler {
	return &UploadHandler{
		jobs:     submitter,
		uploads:  uploads,
		usage:    usage,
		blobs:    blobs,
		maxBytes: maxBytes,
		ttl:      ttl,
		now:      time.Now,
		log:      log.With().Str("handler", "upload").Logger(),
	}
}

// Routes registers the upload endpoints. limit wraps only the POST that
// accepts new media.
func (h *UploadHandler) Routes(r chi.Router, limit func(http.Handler) http.Handler) {
	r.With(limit).Post("/uploads", h.Upload)
	r.Get("/uploads/{id}", h.GetUpload)
	r.Post("/uploads/{id}/transcriptions", h.Transcribe)
}

type uploadResponse struct {
	UploadID string       `json:"upload_id"`
	JobID    string       `json:"job_id,omitempty"`
	Status   string       `json:"status"`
	Upload   *jobs.Upload `json:"upload"`
}

// Upload handles POST /api/v1/uploads: multipart "file" plus optional
// option fields. transcribe=false stores the media without submitting a job.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+formOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteErrorWithCode(w, http.StatusRequestEntityTooLarge, ErrFileTooLarge, "file exceeds the upload size limit")
			return
		}
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrFileRequired, "a media file is required in the \"file\" field")
		return
	}
	defer file.Close()

	if header.Size > h.maxBytes {
		WriteErrorWithCode(w, http.StatusRequestEntityTooLarge, ErrFileTooLarge, "file exceeds the upload size limit")
		return
	}
	contentType, ok := mediaType(header.Filename, header.Header.Get("Content-Type"))
	if !ok {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrUnsupportedFormat, "unsupported file type; allowed: mp3, wav, m4a, flac, mp4, mov, avi")
		return
	}

	opts, err := optionsFromForm(r)
	if err == nil {
		err = opts.Normalize()
	}
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidOptions, err.Error())
		return
	}
	transcribe := true
	if v := r.FormValue("transcribe"); v != "" {
		if transcribe, err = strconv.ParseBool(v); err != nil {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidOptions, "transcribe must be a boolean")
			return
		}
	}

	data, err := io.ReadAll(file)
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "failed to read uploaded file")
		return
	}

	ctx := r.Context()
	log := hlog.FromRequest(r)
	now := h.now().UTC()
	key := storage.NewKey(header.Filename, now)
	if _, err := h.blobs.Put(ctx, key, data, contentType); err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to store upload")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to store file")
		return
	}

	up := &jobs.Upload{
		ID:           uuid.NewString(),
		OriginalName: filepath.Base(header.Filename),
		FileSize:     int64(len(data)),
		MimeType:     contentType,
		StorageKey:   key,
		UploadedAt:   now,
		ExpiresAt:    now.Add(h.ttl),
		IPAddress:    ClientIP(r),
		UserAgent:    r.UserAgent(),
	}
	if err := h.uploads.CreateUpload(ctx, up); err != nil {
		log.Error().Err(err).Msg("failed to record upload")
		if _, derr := h.blobs.Delete(context.WithoutCancel(ctx), key); derr != nil {
			log.Warn().Err(derr).Str("key", key).Msg("failed to remove orphaned blob")
		}
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to record upload")
		return
	}
	metrics.UploadsTotal.Inc()
	metrics.UploadBytes.Observe(float64(up.FileSize))
	h.recordUpload(ctx, log, now)

	resp := uploadResponse{UploadID: up.ID, Status: "uploaded", Upload: up}
	if transcribe {
		job, err := h.jobs.Submit(ctx, jobs.SubmitRequest{
			UploadID:   up.ID,
			StorageKey: key,
			Filename:   up.OriginalName,
			Options:    opts,
		})
		if err != nil {
			log.Error().Err(err).Str("upload_id", up.ID).Msg("failed to submit job")
			WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to queue transcription")
			return
		}
		resp.JobID = job.ID
		resp.Status = string(job.State)
	}

	log.Info().
		Str("upload_id", up.ID).
		Str("job_id", resp.JobID).
		Int64("size", up.FileSize).
		Str("mime_type", contentType).
		Msg("upload accepted")
	WriteJSON(w, http.StatusCreated, resp)
}

func (h *UploadHandler) recordUpload(ctx context.Context, log *zerolog.Logger, at time.Time) {
	if h.usage == nil {
		return
	}
	if err := h.usage.RecordUsage(ctx, jobs.Usage{At: at, Uploaded: true}); err != nil {
		log.Warn().Err(err).Msg("failed to record upload usage")
	}
}

// GetUpload handles GET /api/v1/uploads/{id}.
func (h *UploadHandler) GetUpload(w http.ResponseWriter, r *http.Request) {
	up, ok := h.liveUpload(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, up)
}

// Transcribe handles POST /api/v1/uploads/{id}/transcriptions: a new job
// for media that is already uploaded. The body is optional JSON options.
func (h *UploadHandler) Transcribe(w http.ResponseWriter, r *http.Request) {
	opts := jobs.DefaultOptions()
	if err := DecodeJSON(r, &opts); err != nil && !errors.Is(err, errEmptyBody) {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid JSON body")
		return
	}
	if err := opts.Normalize(); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidOptions, err.Error())
		return
	}

	up, ok := h.liveUpload(w, r)
	if !ok {
		return
	}
	job, err := h.jobs.Submit(r.Context(), jobs.SubmitRequest{
		UploadID:   up.ID,
		StorageKey: up.StorageKey,
		Filename:   up.OriginalName,
		Options:    opts,
	})
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("upload_id", up.ID).Msg("failed to submit job")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to queue transcription")
		return
	}
	WriteJSON(w, http.StatusAccepted, uploadResponse{UploadID: up.ID, JobID: job.ID, Status: string(job.State)})
}

// liveUpload loads the {id} upload, writing 404 or 410 when it cannot be used.
func (h *UploadHandler) liveUpload(w http.ResponseWriter, r *http.Request) (*jobs.Upload, bool) {
	id, err := PathID(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	up, err := h.uploads.GetUpload(r.Context(), id)
	switch {
	case errors.Is(err, jobs.ErrUploadNotFound):
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "upload not found")
		return nil, false
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Str("upload_id", id).Msg("upload lookup failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to load upload")
		return nil, false
	}
	if up.Expired(h.now()) {
		WriteErrorWithCode(w, http.StatusGone, ErrUploadExpired, "upload has expired")
		return nil, false
	}
	return up, true
}

// mediaType accepts a file when its extension is a known media type and the
// declared content type, if specific, is an allowed one. It returns the
// content type to store.
func mediaType(filename, declared string) (string, bool) {
	canonical := storage.ContentTypeFromExt(filepath.Ext(filename))
	if canonical == "application/octet-stream" {
		return "", false
	}
	if declared == "" {
		return canonical, true
	}
	mt, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return "", false
	}
	if mt == "application/octet-stream" || allowedMIME[mt] {
		return canonical, true
	}
	return "", false
}

// optionsFromForm reads option fields over the defaults. Both camelCase and
// snake_case names are accepted; medicalTerms is the term-correction switch.
func optionsFromForm(r *http.Request) (jobs.Options, error) {
	opts := jobs.DefaultOptions()
	if v := formValue(r, "language"); v != "" {
		opts.Language = v
	}
	for _, f := range []struct {
		names []string
		dst   *bool
	}{
		{[]string{"includeTimestamps", "include_timestamps"}, &opts.IncludeTimestamps},
		{[]string{"speakerDetection", "speaker_detection"}, &opts.SpeakerDetection},
		{[]string{"medicalTerms", "term_correction"}, &opts.TermCorrection},
	} {
		v := formValue(r, f.names...)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, errors.New(f.names[0] + " must be a boolean")
		}
		*f.dst = b
	}
	return opts, nil
}

func formValue(r *http.Request, names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(r.FormValue(n)); v != "" {
			return v
		}
	}
	return ""
}
