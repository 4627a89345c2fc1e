package segment

import (
	"math"
	"sync"
	"time"
)

// UploadState is the delivery state of a closed segment.
type UploadState string

const (
	StatePending   UploadState = "pending"
	StateUploading UploadState = "uploading"
	StateUploaded  UploadState = "uploaded"
	StateFailed    UploadState = "failed"
)

// Segment is one bounded audio file. The recording session owns it until
// Close; after handoff only the upload fields change.
type Segment struct {
	Path      string
	StartedAt time.Time
	Source    string
	SessionID string

	mu          sync.Mutex
	closedAt    time.Time
	duration    time.Duration
	uploadState UploadState
	attempts    int
	lastErr     error
	statusCode  int
}

// New returns an open segment started at startedAt.
func New(path string, startedAt time.Time, source, sessionID string) *Segment {
	return &Segment{
		Path:        path,
		StartedAt:   startedAt,
		Source:      source,
		SessionID:   sessionID,
		uploadState: StatePending,
	}
}

// Close records the end time. Calling it again has no effect.
func (s *Segment) Close(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closedAt.IsZero() {
		return
	}
	if now.Before(s.StartedAt) {
		now = s.StartedAt
	}
	s.closedAt = now
	s.duration = now.Sub(s.StartedAt)
}

// Closed reports whether Close has been called.
func (s *Segment) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closedAt.IsZero()
}

// ClosedAt returns the close time, zero while open.
func (s *Segment) ClosedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedAt
}

// Duration returns the closed length, zero while open.
func (s *Segment) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// DurationSeconds is the duration rounded to whole seconds, as sent in the
// upload form.
func (s *Segment) DurationSeconds() int {
	return int(math.Round(s.Duration().Seconds()))
}

// MarkUploading starts a new attempt and returns its 1-based number.
func (s *Segment) MarkUploading() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	s.uploadState = StateUploading
	return s.attempts
}

func (s *Segment) MarkUploaded(statusCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadState = StateUploaded
	s.statusCode = statusCode
	s.lastErr = nil
}

func (s *Segment) MarkFailed(statusCode int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadState = StateFailed
	s.statusCode = statusCode
	s.lastErr = err
}

// UploadState returns the current delivery state.
func (s *Segment) UploadState() UploadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadState
}

// Snapshot is a consistent copy of a segment's mutable fields.
type Snapshot struct {
	Path            string
	SessionID       string
	Source          string
	StartedAt       time.Time
	ClosedAt        time.Time
	DurationSeconds int
	UploadState     UploadState
	Attempts        int
	StatusCode      int
	LastError       string
}

func (s *Segment) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Path:            s.Path,
		SessionID:       s.SessionID,
		Source:          s.Source,
		StartedAt:       s.StartedAt,
		ClosedAt:        s.closedAt,
		DurationSeconds: int(math.Round(s.duration.Seconds())),
		UploadState:     s.uploadState,
		Attempts:        s.attempts,
		StatusCode:      s.statusCode,
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}
