package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Error codes carried in the "code" field of error bodies.
const (
	ErrInvalidBody           = "INVALID_BODY"
	ErrFileRequired          = "FILE_REQUIRED"
	ErrFileTooLarge          = "FILE_TOO_LARGE"
	ErrUnsupportedFormat     = "UNSUPPORTED_FORMAT"
	ErrInvalidOptions        = "INVALID_OPTIONS"
	ErrNotFound              = "NOT_FOUND"
	ErrUploadExpired         = "UPLOAD_EXPIRED"
	ErrTranscriptionNotReady = "TRANSCRIPTION_NOT_READY"
	ErrRateLimitExceeded     = "RATE_LIMIT_EXCEEDED"
	ErrUnauthorized          = "UNAUTHORIZED"
	ErrInvalidRating         = "INVALID_RATING"
	ErrCommentRequired       = "COMMENT_REQUIRED"
	ErrCommentTooLong        = "COMMENT_TOO_LONG"
	ErrInvalidFeedback       = "INVALID_FEEDBACK"
	ErrLimitTooLarge         = "LIMIT_TOO_LARGE"
	ErrMessageRequired       = "MESSAGE_REQUIRED"
	ErrMessageTooLong        = "MESSAGE_TOO_LONG"
	ErrTimestampRequired     = "TIMESTAMP_REQUIRED"
	ErrUnavailable           = "SERVICE_UNAVAILABLE"
	ErrInternal              = "INTERNAL"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the standard error response body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// WriteError writes a JSON error response with the default code for status.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteErrorWithCode(w, status, defaultCode(status), msg)
}

// WriteErrorWithCode writes a JSON error response with an explicit code.
func WriteErrorWithCode(w http.ResponseWriter, status int, code, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

func defaultCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ErrInvalidBody
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimitExceeded
	case http.StatusServiceUnavailable:
		return ErrUnavailable
	default:
		return ErrInternal
	}
}

// QueryBool extracts a boolean query parameter. "1" and "true" are true.
func QueryBool(r *http.Request, name string) (bool, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// QueryString extracts a non-empty string query parameter.
func QueryString(r *http.Request, name string) (string, bool) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return "", false
	}
	return v, true
}

// QueryStringList extracts a comma-separated list of strings from a query param.
func QueryStringList(r *http.Request, name string) []string {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil
	}
	var result []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// PathID extracts a non-empty chi URL parameter.
func PathID(r *http.Request, name string) (string, error) {
	v := chi.URLParam(r, name)
	if v == "" {
		return "", fmt.Errorf("missing path parameter: %s", name)
	}
	return v, nil
}

// errEmptyBody is returned by DecodeJSON when the request has no body.
var errEmptyBody = errors.New("empty request body")

// DecodeJSON reads and decodes a JSON request body into v. Unknown fields
// are rejected.
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

// QueryInt extracts an integer query parameter. Returns 0, false if missing or invalid.
func QueryInt(r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
