package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// MaxFeedbackComment is the longest accepted comment, in characters.
const MaxFeedbackComment = 2000

var (
	ErrInvalidRating   = errors.New("rating must be between 1 and 5")
	ErrCommentRequired = errors.New("comment is required")
	ErrCommentTooLong  = fmt.Errorf("comment must be at most %d characters", MaxFeedbackComment)
	ErrInvalidFeedback = errors.New("invalid feedback")
)

// Feedback is a user's assessment of the service, optionally tied to one
// transcription.
type Feedback struct {
	ID              string    `json:"id"`
	Rating          int       `json:"rating" validate:"min=1,max=5"`
	Accuracy        *int      `json:"accuracy,omitempty" validate:"omitempty,min=1,max=5"`
	Usability       *int      `json:"usability,omitempty" validate:"omitempty,min=1,max=5"`
	Speed           *int      `json:"speed,omitempty" validate:"omitempty,min=1,max=5"`
	Comment         string    `json:"comment"`
	Profession      string    `json:"profession,omitempty" validate:"max=100"`
	UseCase         string    `json:"use_case,omitempty" validate:"max=1000"`
	WouldRecommend  bool      `json:"would_recommend"`
	AllowContact    bool      `json:"allow_contact"`
	Email           string    `json:"email,omitempty" validate:"omitempty,email,max=255"`
	TranscriptionID string    `json:"transcription_id,omitempty"`
	UserAgent       string    `json:"-"`
	IPAddress       string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`

	// TranscriptionText is filled by RecentFeedback from the linked job.
	TranscriptionText string `json:"transcription_text,omitempty"`
}

// Normalize trims free text, drops the e-mail unless contact was allowed
// and checks every field.
func (f *Feedback) Normalize() error {
	f.Comment = strings.TrimSpace(f.Comment)
	f.Profession = strings.TrimSpace(f.Profession)
	f.UseCase = strings.TrimSpace(f.UseCase)
	f.Email = strings.TrimSpace(f.Email)
	if !f.AllowContact {
		f.Email = ""
	}

	if f.Rating < 1 || f.Rating > 5 {
		return ErrInvalidRating
	}
	if f.Comment == "" {
		return ErrCommentRequired
	}
	if utf8.RuneCountInString(f.Comment) > MaxFeedbackComment {
		return ErrCommentTooLong
	}
	if err := validate.Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s is out of range", ErrInvalidFeedback, strings.ToLower(verrs[0].Field()))
		}
		return fmt.Errorf("%w: %v", ErrInvalidFeedback, err)
	}
	return nil
}

// FeedbackStats summarizes feedback received since a point in time.
type FeedbackStats struct {
	Since           time.Time `json:"since"`
	Total           int       `json:"total_feedback"`
	AvgRating       *float64  `json:"avg_rating"`
	AvgAccuracy     *float64  `json:"avg_accuracy"`
	AvgUsability    *float64  `json:"avg_usability"`
	AvgSpeed        *float64  `json:"avg_speed"`
	Recommendations int       `json:"recommendations"`
	ContactAllowed  int       `json:"contact_allowed"`
	Professions     int       `json:"profession_count"`
}

// FeedbackStore persists feedback. SaveFeedback assigns ID and CreatedAt
// when unset and clears a TranscriptionID that names no job.
type FeedbackStore interface {
	SaveFeedback(ctx context.Context, f *Feedback) error
	FeedbackStats(ctx context.Context, since time.Time) (*FeedbackStats, error)
	RecentFeedback(ctx context.Context, limit, offset int) ([]Feedback, error)
}

func (s *MemoryStore) SaveFeedback(_ context.Context, f *Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	if _, ok := s.jobs[f.TranscriptionID]; !ok {
		f.TranscriptionID = ""
	}
	c := *f
	c.TranscriptionText = ""
	s.feedback = append(s.feedback, &c)
	return nil
}

func (s *MemoryStore) FeedbackStats(_ context.Context, since time.Time) (*FeedbackStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &FeedbackStats{Since: since}
	var rating, accuracy, usability, speed mean
	professions := make(map[string]struct{})
	for _, f := range s.feedback {
		if f.CreatedAt.Before(since) {
			continue
		}
		st.Total++
		rating.add(&f.Rating)
		accuracy.add(f.Accuracy)
		usability.add(f.Usability)
		speed.add(f.Speed)
		if f.WouldRecommend {
			st.Recommendations++
		}
		if f.AllowContact {
			st.ContactAllowed++
		}
		if f.Profession != "" {
			professions[f.Profession] = struct{}{}
		}
	}
	st.AvgRating, st.AvgAccuracy, st.AvgUsability, st.AvgSpeed = rating.value(), accuracy.value(), usability.value(), speed.value()
	st.Professions = len(professions)
	return st, nil
}

func (s *MemoryStore) RecentFeedback(_ context.Context, limit, offset int) ([]Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]Feedback, 0, len(s.feedback))
	for _, f := range s.feedback {
		c := *f
		// A removed job unlinks its feedback, as the database does.
		if j, ok := s.jobs[c.TranscriptionID]; !ok {
			c.TranscriptionID = ""
		} else if j.Result != nil {
			c.TranscriptionText = j.Result.Text
		}
		all = append(all, c)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if offset >= len(all) {
		return []Feedback{}, nil
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

type mean struct {
	sum float64
	n   int
}

func (m *mean) add(v *int) {
	if v != nil {
		m.sum += float64(*v)
		m.n++
	}
}

func (m *mean) value() *float64 {
	if m.n == 0 {
		return nil
	}
	v := m.sum / float64(m.n)
	return &v
}
