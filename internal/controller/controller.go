// Package controller composes a recording session, the segment store and
// the uploader into the boundary operations used by the daemon: configure,
// start, stop, status and manual rotation, plus fetch and re-upload helpers.
package controller

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiroq/attendrec/internal/capture"
	"github.com/tiroq/attendrec/internal/diaglog"
	"github.com/tiroq/attendrec/internal/fileutil"
	"github.com/tiroq/attendrec/internal/observe"
	"github.com/tiroq/attendrec/internal/segment"
	"github.com/tiroq/attendrec/internal/session"
	"github.com/tiroq/attendrec/internal/upload"
)

var (
	// ErrMicrophoneUnavailable is returned by Start when no capture source
	// could be opened.
	ErrMicrophoneUnavailable = errors.New("could not acquire microphone")
	ErrNotRecording          = errors.New("not recording")
	ErrNoSegment             = errors.New("no recording file")
	ErrEmptySegment          = errors.New("empty recording file")
	ErrUnknownSegment        = errors.New("segment has no failed upload")
	ErrInvalidEndpoint       = errors.New("endpoint must be an absolute http or https URL")
)

// Uploads is the upload pipeline segments are handed to. Both
// *upload.Uploader and *upload.Retrier satisfy it.
type Uploads interface {
	upload.Submitter
	Wait()
}

// Options are the session tunables applied to every new session.
type Options struct {
	RotationInterval time.Duration
	Sources          []capture.Source
	ContentType      string // recorded in sidecars and fetch results, default audio/mp4
	Version          string // recorded in sidecars
}

// Deps are the collaborators the controller wires together.
type Deps struct {
	Device   capture.Device
	Store    *segment.Store
	Uploader *upload.Uploader
	// Uploads defaults to Uploader. Set it to a Retrier to add backoff.
	Uploads Uploads
	Clock   func() time.Time
	Metrics *observe.Metrics
}

// Status is the boundary view of the recorder. FilePath is the segment being
// written while recording, otherwise the last closed one, and nil when no
// segment exists yet.
type Status struct {
	Recording        bool           `json:"recording"`
	FilePath         *string        `json:"filePath"`
	SessionID        string         `json:"session_id,omitempty"`
	State            session.State  `json:"state"`
	Source           capture.Source `json:"capture_source,omitempty"`
	SegmentsClosed   int            `json:"segments_closed"`
	FailedUploads    []string       `json:"failed_uploads,omitempty"`
	UploadConfigured bool           `json:"upload_configured"`
	LastError        string         `json:"last_error,omitempty"`
}

// Path returns FilePath or "".
func (s Status) Path() string {
	if s.FilePath == nil {
		return ""
	}
	return *s.FilePath
}

type StartResult struct {
	Recording bool `json:"recording"`
}

type StopResult struct {
	Recording bool    `json:"recording"`
	FilePath  *string `json:"filePath"`
}

type RotateResult struct {
	FilePath string `json:"filePath"`
}

// FetchResult carries a whole segment file base64-encoded.
type FetchResult struct {
	FilePath string `json:"filePath"`
	MimeType string `json:"mimeType"`
	Base64   string `json:"base64"`
}

// Controller owns at most one live session at a time. Transitions are
// serialized by mu. Status reads sess atomically and never takes mu, and
// upload bookkeeping uses segMu, so neither the session's handoff nor its
// end-of-session callback ever waits on a transition.
type Controller struct {
	opts     Options
	device   capture.Device
	store    *segment.Store
	uploader *upload.Uploader
	uploads  Uploads
	clock    func() time.Time
	metrics  *observe.Metrics

	logger   *diaglog.Logger
	loggerMu sync.RWMutex

	uploadCtx    context.Context
	cancelUpload context.CancelFunc
	wg           sync.WaitGroup

	mu   sync.Mutex
	sess atomic.Pointer[session.Session]

	segMu     sync.Mutex
	lastSeg   *segment.Segment
	failed    map[string]*segment.Segment
	lastError string

	listenersMu sync.RWMutex
	listeners   []func(Status)
}

func New(opts Options, deps Deps) *Controller {
	if opts.ContentType == "" {
		opts.ContentType = capture.DefaultProfile.ContentType
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Uploads == nil {
		deps.Uploads = deps.Uploader
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		opts:         opts,
		device:       deps.Device,
		store:        deps.Store,
		uploader:     deps.Uploader,
		uploads:      deps.Uploads,
		clock:        deps.Clock,
		metrics:      deps.Metrics,
		uploadCtx:    ctx,
		cancelUpload: cancel,
		failed:       make(map[string]*segment.Segment),
	}
}

// SetLogger injects a diaglog.Logger, passed on to every new session.
func (c *Controller) SetLogger(l *diaglog.Logger) {
	c.loggerMu.Lock()
	c.logger = l
	c.loggerMu.Unlock()
}

func (c *Controller) log(entry diaglog.LogEntry) {
	c.loggerMu.RLock()
	l := c.logger
	c.loggerMu.RUnlock()
	entry.Component = diaglog.ComponentController
	l.Log(entry)
}

// OnChange registers fn to receive the status after every transition and
// upload outcome. fn must not call back into transition methods.
func (c *Controller) OnChange(fn func(Status)) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

func (c *Controller) notify() {
	st := c.Status()
	c.listenersMu.RLock()
	fns := append(([]func(Status))(nil), c.listeners...)
	c.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(st)
	}
}

// Configure sets the upload endpoint and bearer credential. It takes effect
// on the next upload.
func (c *Controller) Configure(endpoint, token string) error {
	if endpoint != "" {
		u, err := url.Parse(endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %q", ErrInvalidEndpoint, endpoint)
		}
	}
	c.uploader.Configure(endpoint, token)
	c.notify()
	return nil
}

// Start begins recording. It is a no-op when already recording. A session
// left Idle by a failed rotation is reused; otherwise a new one is created.
func (c *Controller) Start(ctx context.Context) (StartResult, error) {
	c.mu.Lock()
	sess := c.sess.Load()
	if sess != nil && sess.Status().Recording() {
		c.mu.Unlock()
		return StartResult{Recording: true}, nil
	}
	if sess == nil || sess.Status().State == session.StateStopped {
		sess = c.newSession()
		c.sess.Store(sess)
	}
	err := sess.Start(ctx)
	c.mu.Unlock()

	if err != nil {
		c.setLastError(err)
		c.notify()
		if errors.Is(err, capture.ErrAllSourcesExhausted) {
			return StartResult{}, fmt.Errorf("%w: %w", ErrMicrophoneUnavailable, err)
		}
		return StartResult{}, err
	}
	c.setLastError(nil)
	c.notify()
	return StartResult{Recording: true}, nil
}

// Stop finalizes the current segment and hands it to the uploader. It is
// idempotent and returns the last segment path.
func (c *Controller) Stop(ctx context.Context) (StopResult, error) {
	c.mu.Lock()
	var err error
	if sess := c.sess.Load(); sess != nil {
		_, err = sess.Stop(ctx)
	}
	c.mu.Unlock()

	c.notify()
	st := c.Status()
	return StopResult{Recording: false, FilePath: st.FilePath}, err
}

// Status is a non-blocking read.
func (c *Controller) Status() Status {
	sess := c.sess.Load()

	c.segMu.Lock()
	st := Status{
		State:            session.StateIdle,
		FailedUploads:    c.failedPathsLocked(),
		UploadConfigured: c.uploader.Configured(),
		LastError:        c.lastError,
	}
	last := c.lastSeg
	c.segMu.Unlock()

	if sess != nil {
		ss := sess.Status()
		st.Recording = ss.Recording()
		st.SessionID = ss.SessionID
		st.State = ss.State
		st.Source = ss.Source
		st.SegmentsClosed = ss.SegmentsClosed
		if ss.CurrentPath != "" {
			st.FilePath = stringPtr(ss.CurrentPath)
			return st
		}
	}
	if last != nil {
		st.FilePath = stringPtr(last.Path)
	}
	return st
}

// RotateNow closes the current segment and opens the next one, returning
// the closed segment's path. If the next segment cannot be opened the
// session ends; the closed path is still returned with the error.
func (c *Controller) RotateNow(ctx context.Context) (RotateResult, error) {
	c.mu.Lock()
	sess := c.sess.Load()
	if sess == nil {
		c.mu.Unlock()
		return RotateResult{}, ErrNotRecording
	}
	closed, err := sess.Rotate(ctx)
	c.mu.Unlock()

	var res RotateResult
	if closed != nil {
		res.FilePath = closed.Path
	}
	if errors.Is(err, session.ErrNotRecording) {
		return res, ErrNotRecording
	}
	if err != nil {
		c.setLastError(err)
	}
	c.notify()
	return res, err
}

// FetchLast returns the current (or last closed) segment file encoded as
// base64.
func (c *Controller) FetchLast() (FetchResult, error) {
	path := c.Status().Path()
	if path == "" {
		return FetchResult{}, ErrNoSegment
	}
	return c.encode(path)
}

// RotateAndFetch rotates and returns the segment it closed, encoded as
// base64.
func (c *Controller) RotateAndFetch(ctx context.Context) (FetchResult, error) {
	res, err := c.RotateNow(ctx)
	if res.FilePath == "" {
		if err == nil {
			err = ErrNoSegment
		}
		return FetchResult{}, fmt.Errorf("rotate: %w", err)
	}
	out, ferr := c.encode(res.FilePath)
	if ferr != nil {
		return FetchResult{}, ferr
	}
	return out, err
}

func (c *Controller) encode(path string) (FetchResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FetchResult{}, fmt.Errorf("file not found: %s: %w", path, err)
		}
		return FetchResult{}, fmt.Errorf("read error: %w", err)
	}
	if len(data) == 0 {
		return FetchResult{}, fmt.Errorf("%w: %s", ErrEmptySegment, path)
	}
	return FetchResult{
		FilePath: path,
		MimeType: c.opts.ContentType,
		Base64:   base64.StdEncoding.EncodeToString(data),
	}, nil
}

// Failed lists segments whose most recent upload attempt failed, sorted by
// path.
func (c *Controller) Failed() []string {
	c.segMu.Lock()
	defer c.segMu.Unlock()
	return c.failedPathsLocked()
}

// Retry resubmits the failed segment at path.
func (c *Controller) Retry(path string) error {
	c.segMu.Lock()
	seg, ok := c.failed[path]
	if ok {
		delete(c.failed, path)
	}
	c.segMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSegment, path)
	}
	c.track(seg, c.uploads.Retry(c.uploadCtx, seg), false)
	return nil
}

// RetryFailed resubmits every failed segment and returns how many were sent.
func (c *Controller) RetryFailed() int {
	c.segMu.Lock()
	segs := make([]*segment.Segment, 0, len(c.failed))
	for path, seg := range c.failed {
		segs = append(segs, seg)
		delete(c.failed, path)
	}
	c.segMu.Unlock()

	sort.Slice(segs, func(i, j int) bool { return segs[i].Path < segs[j].Path })
	for _, seg := range segs {
		c.track(seg, c.uploads.Retry(c.uploadCtx, seg), false)
	}
	return len(segs)
}

// Wait blocks until every handed-off upload has reported its outcome.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Shutdown stops recording and waits for in-flight uploads until ctx is
// done, after which they are cancelled.
func (c *Controller) Shutdown(ctx context.Context) error {
	_, err := c.Stop(ctx)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.cancelUpload()
		<-done
	}
	c.cancelUpload()
	return err
}

func (c *Controller) newSession() *session.Session {
	sess := session.New(session.Config{
		RotationInterval: c.opts.RotationInterval,
		Sources:          c.opts.Sources,
	}, session.Deps{
		Device:  c.device,
		Store:   c.store,
		Handoff: session.HandoffFunc(c.handoff),
		Clock:   c.clock,
		Metrics: c.metrics,
	})
	c.loggerMu.RLock()
	sess.SetLogger(c.logger)
	c.loggerMu.RUnlock()
	sess.OnEnded(func(err error) {
		c.setLastError(err)
		c.notify()
	})
	return sess
}

// handoff runs under the session lock and must not block.
func (c *Controller) handoff(seg *segment.Segment) {
	c.segMu.Lock()
	c.lastSeg = seg
	c.segMu.Unlock()

	c.track(seg, c.uploads.Submit(c.uploadCtx, seg), true)
}

// track waits for an upload result off the caller's goroutine. With initial
// set, the sidecar is first written in its pre-result state.
func (c *Controller) track(seg *segment.Segment, results <-chan upload.Result, initial bool) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if initial {
			c.writeSidecar(seg)
		}
		res := <-results

		c.segMu.Lock()
		if res.OK() {
			delete(c.failed, seg.Path)
		} else {
			c.failed[seg.Path] = seg
		}
		c.segMu.Unlock()

		c.writeSidecar(seg)
		c.notify()
	}()
}

func (c *Controller) writeSidecar(seg *segment.Segment) {
	meta := fileutil.MetadataFromSnapshot(c.opts.Version, c.opts.ContentType, seg.Snapshot(), c.clock())
	if err := fileutil.WriteMetadata(seg.Path, meta); err != nil {
		c.log(diaglog.LogEntry{
			Level:     diaglog.LevelWarn,
			Event:     diaglog.EventSegmentHandoff,
			SessionID: seg.SessionID,
			Reason:    "sidecar_write_failed",
			Payload:   map[string]interface{}{"path": seg.Path, "error": err.Error()},
		})
	}
}

func (c *Controller) setLastError(err error) {
	c.segMu.Lock()
	defer c.segMu.Unlock()
	if err == nil {
		c.lastError = ""
		return
	}
	c.lastError = err.Error()
}

func (c *Controller) failedPathsLocked() []string {
	if len(c.failed) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.failed))
	for path := range c.failed {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

func stringPtr(s string) *string { return &s }
