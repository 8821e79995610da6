package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrUploadNotFound = errors.New("upload not found")
	ErrUploadExpired  = errors.New("upload expired")
)

// Upload is a stored media file. Jobs reference their upload and are
// removed with it when the upload expires.
type Upload struct {
	ID           string    `json:"upload_id"`
	OriginalName string    `json:"filename"`
	FileSize     int64     `json:"file_size"`
	MimeType     string    `json:"mime_type"`
	StorageKey   string    `json:"-"`
	UploadedAt   time.Time `json:"uploaded_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	IPAddress    string    `json:"-"`
	UserAgent    string    `json:"-"`
}

// Expired reports whether the upload is past its expiry at now.
func (u *Upload) Expired(now time.Time) bool {
	return !now.Before(u.ExpiresAt)
}

// UploadStore persists upload records.
type UploadStore interface {
	CreateUpload(ctx context.Context, u *Upload) error
	GetUpload(ctx context.Context, id string) (*Upload, error)
	// DeleteExpiredUploads removes uploads expired at now together with
	// their jobs and returns the removed uploads' storage keys.
	DeleteExpiredUploads(ctx context.Context, now time.Time) ([]string, error)
}

// Usage is one event folded into daily usage statistics: an accepted
// upload, a completed attempt, or a failed attempt.
type Usage struct {
	At                time.Time
	Uploaded          bool
	Completed         bool
	ProcessingSeconds float64
	Confidence        *float64
}

// DailyUsage is the aggregate for one UTC day.
type DailyUsage struct {
	Date              string   `json:"date"`
	Uploads           int      `json:"total_uploads"`
	Transcriptions    int      `json:"total_transcriptions"`
	ProcessingSeconds float64  `json:"total_processing_seconds"`
	AverageConfidence *float64 `json:"average_confidence,omitempty"`
	Errors            int      `json:"error_count"`
}

// UsageRecorder is implemented by stores that keep usage statistics.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, u Usage) error
}

// UsageReporter returns daily usage since the given day, oldest first.
type UsageReporter interface {
	UsageSince(ctx context.Context, since time.Time) ([]DailyUsage, error)
}

type usageAcc struct {
	DailyUsage
	confSum   float64
	confCount int
}

func (s *MemoryStore) CreateUpload(_ context.Context, u *Upload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uploads[u.ID]; ok {
		return fmt.Errorf("upload %s already exists", u.ID)
	}
	if u.UploadedAt.IsZero() {
		u.UploadedAt = s.now()
	}
	c := *u
	s.uploads[u.ID] = &c
	return nil
}

func (s *MemoryStore) GetUpload(_ context.Context, id string) (*Upload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.uploads[id]
	if !ok {
		return nil, ErrUploadNotFound
	}
	c := *u
	return &c, nil
}

func (s *MemoryStore) DeleteExpiredUploads(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for id, u := range s.uploads {
		if !u.Expired(now) {
			continue
		}
		keys = append(keys, u.StorageKey)
		delete(s.uploads, id)
		for jid, j := range s.jobs {
			if j.UploadID == id {
				delete(s.jobs, jid)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) RecordUsage(_ context.Context, u Usage) error {
	day := u.At.UTC().Format(time.DateOnly)
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.usage[day]
	if !ok {
		acc = &usageAcc{DailyUsage: DailyUsage{Date: day}}
		s.usage[day] = acc
	}
	switch {
	case u.Uploaded:
		acc.Uploads++
		return nil
	case u.Completed:
		acc.Transcriptions++
		if u.Confidence != nil {
			acc.confSum += *u.Confidence
			acc.confCount++
		}
	default:
		acc.Errors++
	}
	acc.ProcessingSeconds += u.ProcessingSeconds
	return nil
}

func (s *MemoryStore) UsageSince(_ context.Context, since time.Time) ([]DailyUsage, error) {
	from := since.UTC().Format(time.DateOnly)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []DailyUsage{}
	for day, acc := range s.usage {
		if day < from {
			continue
		}
		d := acc.DailyUsage
		if acc.confCount > 0 {
			avg := acc.confSum / float64(acc.confCount)
			d.AverageConfidence = &avg
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}
