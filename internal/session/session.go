// Package session implements the recording session state machine: it owns
// the capture handle, rotates segments on a timer and hands every closed
// segment to the upload side in close order.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tiroq/attendrec/internal/capture"
	"github.com/tiroq/attendrec/internal/diaglog"
	"github.com/tiroq/attendrec/internal/observe"
	"github.com/tiroq/attendrec/internal/segment"
)

// State is the lifecycle position of a Session.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateStopped   State = "stopped"
)

var (
	ErrAlreadyRecording = errors.New("session: already recording")
	ErrNotRecording     = errors.New("session: not recording")
	ErrSessionEnded     = errors.New("session: stopped sessions cannot be restarted")
)

// RotationError is returned when the segment after a rotation could not be
// opened. Closed is the segment that was finalized and handed off before the
// failure; the session is Idle afterwards.
type RotationError struct {
	Closed *segment.Segment
	Err    error
}

func (e *RotationError) Error() string {
	path := ""
	if e.Closed != nil {
		path = e.Closed.Path
	}
	return fmt.Sprintf("session: rotation ended recording after closing %s: %v", path, e.Err)
}

func (e *RotationError) Unwrap() error { return e.Err }

// Handoff receives each closed segment. Implementations must return without
// waiting on network I/O; they are called with the session lock held so that
// segments arrive in close order.
type Handoff interface {
	Handoff(seg *segment.Segment)
}

// HandoffFunc adapts a function to Handoff.
type HandoffFunc func(seg *segment.Segment)

func (f HandoffFunc) Handoff(seg *segment.Segment) { f(seg) }

// Config holds the tunables of one session.
type Config struct {
	// RotationInterval is how often the timer rotates. Zero disables the
	// timer; rotation then only happens through Rotate.
	RotationInterval time.Duration
	// Sources is the capture fallback order. Empty means capture.DefaultSources.
	Sources []capture.Source
}

// Deps are the collaborators a Session drives.
type Deps struct {
	Device  capture.Device
	Store   *segment.Store
	Handoff Handoff
	Clock   func() time.Time
	Metrics *observe.Metrics
}

// Status is a point-in-time view of a session.
type Status struct {
	SessionID        string
	State            State
	CurrentPath      string // empty unless recording
	LastPath         string // most recently closed segment
	Source           capture.Source
	SegmentStartedAt time.Time
	SegmentsClosed   int
}

// Recording reports whether the snapshot was taken while recording.
func (s Status) Recording() bool { return s.State == StateRecording }

// Session is a single recording lifecycle: Idle -> Recording -> Stopped.
// All transitions are serialized; Status never blocks.
type Session struct {
	id      string
	cfg     Config
	device  capture.Device
	store   *segment.Store
	handoff Handoff
	clock   func() time.Time
	metrics *observe.Metrics
	logger  *diaglog.Logger
	onEnded func(err error)

	mu       sync.Mutex
	state    State
	handle   capture.Handle
	current  *segment.Segment
	last     *segment.Segment
	closed   int
	loopStop chan struct{}
	loopDone chan struct{}

	status atomic.Pointer[Status]
}

// New creates an Idle session with a fresh ID.
func New(cfg Config, deps Deps) *Session {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Handoff == nil {
		deps.Handoff = HandoffFunc(func(*segment.Segment) {})
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = capture.DefaultSources
	}
	s := &Session{
		id:      uuid.NewString(),
		cfg:     cfg,
		device:  deps.Device,
		store:   deps.Store,
		handoff: deps.Handoff,
		clock:   deps.Clock,
		metrics: deps.Metrics,
		state:   StateIdle,
	}
	s.publishLocked()
	return s
}

// SetLogger injects the diagnostic logger.
func (s *Session) SetLogger(l *diaglog.Logger) {
	s.mu.Lock()
	s.logger = l
	s.mu.Unlock()
}

// OnEnded registers fn to be called when timer-driven rotation ends the
// session. fn runs on the timer goroutine without the session lock held.
func (s *Session) OnEnded(fn func(err error)) {
	s.mu.Lock()
	s.onEnded = fn
	s.mu.Unlock()
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Status returns the latest snapshot without taking the transition lock.
func (s *Session) Status() Status {
	return *s.status.Load()
}

// Start acquires the capture device and begins the first segment. On
// failure the session stays Idle.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateRecording:
		return ErrAlreadyRecording
	case StateStopped:
		return ErrSessionEnded
	}

	if err := s.openLocked(ctx); err != nil {
		return fmt.Errorf("session: start: %w", err)
	}
	s.state = StateRecording
	s.metrics.RecordSessionStarted(ctx)
	s.log(diaglog.LogEntry{
		Component: diaglog.ComponentSession,
		Event:     diaglog.EventRecordingStart,
		Payload: map[string]interface{}{
			"path":              s.current.Path,
			"source":            s.current.Source,
			"rotation_interval": s.cfg.RotationInterval.String(),
		},
	})

	if s.cfg.RotationInterval > 0 {
		s.loopStop = make(chan struct{})
		s.loopDone = make(chan struct{})
		go s.runRotation(s.loopStop, s.loopDone, s.cfg.RotationInterval)
	}
	s.publishLocked()
	return nil
}

// Rotate closes the current segment, hands it off and opens the next one.
// It returns the closed segment. If the next segment cannot be opened the
// session becomes Idle and a *RotationError is returned alongside the
// closed segment.
func (s *Session) Rotate(ctx context.Context) (*segment.Segment, error) {
	s.mu.Lock()
	closed, done, err := s.rotateLocked(ctx)
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	return closed, err
}

// Stop finalizes the current segment and ends the session. From Idle or
// Stopped it changes nothing and returns the last closed segment, if any.
func (s *Session) Stop(ctx context.Context) (*segment.Segment, error) {
	s.mu.Lock()
	if s.state != StateRecording {
		last := s.last
		s.mu.Unlock()
		return last, nil
	}

	done := s.stopLoopLocked()
	closed := s.closeCurrentLocked(ctx, "stop")
	s.state = StateStopped
	s.metrics.RecordSessionEnded(ctx)
	s.log(diaglog.LogEntry{
		Component: diaglog.ComponentSession,
		Event:     diaglog.EventRecordingStop,
		Payload:   map[string]interface{}{"last_path": closed.Path, "segments": s.closed},
	})
	s.publishLocked()
	s.mu.Unlock()

	if done != nil {
		<-done
	}
	return closed, nil
}

// rotateLocked returns the loop's done channel when a failed rotation had to
// stop the timer, so callers outside the timer goroutine can wait for it.
func (s *Session) rotateLocked(ctx context.Context) (*segment.Segment, <-chan struct{}, error) {
	if s.state != StateRecording {
		return nil, nil, ErrNotRecording
	}

	closed := s.closeCurrentLocked(ctx, "rotate")
	if err := s.openLocked(ctx); err != nil {
		done := s.stopLoopLocked()
		s.state = StateIdle
		s.metrics.RecordRotation(ctx, false)
		s.metrics.RecordSessionEnded(ctx)
		s.log(diaglog.LogEntry{
			Level:     diaglog.LevelError,
			Component: diaglog.ComponentSession,
			Event:     diaglog.EventRotationFailed,
			Payload:   map[string]interface{}{"closed_path": closed.Path, "error": err.Error()},
		})
		s.publishLocked()
		return closed, done, &RotationError{Closed: closed, Err: err}
	}

	s.metrics.RecordRotation(ctx, true)
	s.log(diaglog.LogEntry{
		Component: diaglog.ComponentSession,
		Event:     diaglog.EventSegmentRotated,
		Payload:   map[string]interface{}{"closed_path": closed.Path, "next_path": s.current.Path},
	})
	s.publishLocked()
	return closed, nil, nil
}

func (s *Session) openLocked(ctx context.Context) error {
	path := s.store.NextPath()
	h, err := capture.OpenWithFallback(ctx, s.device, s.cfg.Sources, path, s.logger)
	if err != nil {
		var ex *capture.ExhaustedError
		if errors.As(err, &ex) {
			for _, src := range ex.Tried {
				s.metrics.RecordSourceFallback(ctx, string(src))
			}
		}
		return err
	}
	for _, src := range s.cfg.Sources {
		if src == h.Source() {
			break
		}
		s.metrics.RecordSourceFallback(ctx, string(src))
	}

	s.handle = h
	s.current = segment.New(path, s.clock(), string(h.Source()), s.id)
	return nil
}

// closeCurrentLocked releases the device, finalizes the segment and hands
// it off. Close failures are logged and otherwise ignored.
func (s *Session) closeCurrentLocked(ctx context.Context, reason string) *segment.Segment {
	if err := s.handle.Close(); err != nil {
		s.log(diaglog.LogEntry{
			Level:     diaglog.LevelWarn,
			Component: diaglog.ComponentCapture,
			Event:     diaglog.EventDeviceStopWarning,
			Reason:    reason,
			Payload:   map[string]interface{}{"path": s.current.Path, "error": err.Error()},
		})
	}

	seg := s.current
	seg.Close(s.clock())
	s.handle = nil
	s.current = nil
	s.last = seg
	s.closed++

	s.metrics.RecordSegmentClosed(ctx, reason, seg.Duration())
	s.log(diaglog.LogEntry{
		Component: diaglog.ComponentSession,
		Event:     diaglog.EventSegmentHandoff,
		Reason:    reason,
		Payload:   map[string]interface{}{"path": seg.Path, "duration_s": seg.DurationSeconds()},
	})
	s.handoff.Handoff(seg)
	return seg
}

func (s *Session) stopLoopLocked() <-chan struct{} {
	if s.loopStop == nil {
		return nil
	}
	close(s.loopStop)
	done := s.loopDone
	s.loopStop = nil
	s.loopDone = nil
	return done
}

func (s *Session) runRotation(stop <-chan struct{}, done chan<- struct{}, interval time.Duration) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		select {
		case <-stop:
			// Stopped while this tick waited for the lock.
			s.mu.Unlock()
			return
		default:
		}
		_, _, err := s.rotateLocked(context.Background())
		onEnded := s.onEnded
		s.mu.Unlock()

		if err != nil {
			if onEnded != nil {
				onEnded(err)
			}
			return
		}
	}
}

func (s *Session) publishLocked() {
	st := &Status{
		SessionID:      s.id,
		State:          s.state,
		SegmentsClosed: s.closed,
	}
	if s.current != nil {
		st.CurrentPath = s.current.Path
		st.Source = capture.Source(s.current.Source)
		st.SegmentStartedAt = s.current.StartedAt
	}
	if s.last != nil {
		st.LastPath = s.last.Path
	}
	s.status.Store(st)
}

func (s *Session) log(e diaglog.LogEntry) {
	e.SessionID = s.id
	s.logger.Log(e)
}
