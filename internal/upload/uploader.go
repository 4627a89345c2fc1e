// Package upload ships closed segments to the attendance server as a
// streamed multipart POST. Each Submit is a single attempt that runs off the
// caller's goroutine; Retrier layers capped exponential backoff on top.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tiroq/attendrec/internal/diaglog"
	"github.com/tiroq/attendrec/internal/observe"
	"github.com/tiroq/attendrec/internal/segment"
)

// UploadPath is appended to the configured endpoint.
const UploadPath = "/api/audio/upload"

const chunkSize = 8 * 1024

// ErrNotConfigured is reported when no endpoint or credential has been set.
var ErrNotConfigured = errors.New("upload: endpoint or credential not configured")

// TransportError wraps a network or local I/O failure.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "upload: transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// ServerRejectedError is a completed request with a non-2xx status.
type ServerRejectedError struct {
	Code int
	Body string
}

func (e *ServerRejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upload: server rejected segment: http %d", e.Code)
	}
	return fmt.Sprintf("upload: server rejected segment: http %d: %s", e.Code, e.Body)
}

// Result is the outcome of one upload attempt. StatusCode is set whenever
// the server answered, including rejections.
type Result struct {
	Segment    *segment.Segment
	StatusCode int
	Attempt    int
	Err        error
}

// OK reports whether the attempt succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Config holds the static uploader settings. Endpoint and credential are set
// separately through Configure and may change at any time.
type Config struct {
	Timeout       time.Duration // per request, default 120s
	MaxConcurrent int64         // default 2
	ContentType   string        // audio part content type, default audio/mp4
	HTTPClient    *http.Client  // overrides Timeout when set
}

type credentials struct {
	endpoint string
	token    string
}

// Uploader performs single upload attempts concurrently with capture.
type Uploader struct {
	cfg     Config
	client  *http.Client
	sem     *semaphore.Weighted
	creds   atomic.Pointer[credentials]
	metrics *observe.Metrics

	logger   *diaglog.Logger
	loggerMu sync.RWMutex

	wg sync.WaitGroup
}

func NewUploader(cfg Config, metrics *observe.Metrics) *Uploader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "audio/mp4"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Uploader{
		cfg:     cfg,
		client:  client,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		metrics: metrics,
	}
}

// SetLogger injects a diaglog.Logger.
func (u *Uploader) SetLogger(l *diaglog.Logger) {
	u.loggerMu.Lock()
	u.logger = l
	u.loggerMu.Unlock()
}

func (u *Uploader) log(entry diaglog.LogEntry) {
	u.loggerMu.RLock()
	l := u.logger
	u.loggerMu.RUnlock()
	entry.Component = diaglog.ComponentUploader
	l.Log(entry)
}

// Configure sets the endpoint base URL and bearer credential. It applies to
// the next Submit; uploads already running keep the values they started with.
func (u *Uploader) Configure(endpoint, token string) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	u.creds.Store(&credentials{endpoint: endpoint, token: strings.TrimSpace(token)})
	u.log(diaglog.LogEntry{
		Event:   diaglog.EventConfigUpdated,
		Payload: map[string]interface{}{"endpoint": endpoint, "token": token},
	})
}

// Configured reports whether both endpoint and credential are set.
func (u *Uploader) Configured() bool {
	c := u.creds.Load()
	return c != nil && c.endpoint != "" && c.token != ""
}

// Submit starts one upload attempt for seg and returns a channel that
// receives exactly one Result. It never blocks on the network. When not
// configured the result is ErrNotConfigured and no request is made.
func (u *Uploader) Submit(ctx context.Context, seg *segment.Segment) <-chan Result {
	return u.start(ctx, seg, diaglog.EventUploadStart)
}

// Retry has the same contract as Submit and is used to re-send a segment
// whose previous attempt failed.
func (u *Uploader) Retry(ctx context.Context, seg *segment.Segment) <-chan Result {
	return u.start(ctx, seg, diaglog.EventUploadRetry)
}

// Wait blocks until every started upload has finished.
func (u *Uploader) Wait() {
	u.wg.Wait()
}

func (u *Uploader) start(ctx context.Context, seg *segment.Segment, event string) <-chan Result {
	out := make(chan Result, 1)

	creds := u.creds.Load()
	if creds == nil || creds.endpoint == "" || creds.token == "" {
		seg.MarkFailed(0, ErrNotConfigured)
		u.metrics.RecordUpload(ctx, "not_configured", 0)
		u.log(diaglog.LogEntry{
			Level:     diaglog.LevelWarn,
			Event:     diaglog.EventUploadSkipped,
			SessionID: seg.SessionID,
			Reason:    "not_configured",
			Payload:   map[string]interface{}{"path": seg.Path},
		})
		out <- Result{Segment: seg, Err: ErrNotConfigured}
		return out
	}

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		out <- u.run(ctx, seg, creds, event)
	}()
	return out
}

func (u *Uploader) run(ctx context.Context, seg *segment.Segment, creds *credentials, event string) Result {
	if err := u.sem.Acquire(ctx, 1); err != nil {
		terr := &TransportError{Err: err}
		seg.MarkFailed(0, terr)
		return Result{Segment: seg, Err: terr}
	}
	defer u.sem.Release(1)

	attempt := seg.MarkUploading()
	u.log(diaglog.LogEntry{
		Event:     event,
		SessionID: seg.SessionID,
		Payload:   map[string]interface{}{"path": seg.Path, "attempt": attempt, "duration_s": seg.DurationSeconds()},
	})

	started := time.Now()
	code, err := u.post(ctx, seg, creds)
	took := time.Since(started)
	res := Result{Segment: seg, StatusCode: code, Attempt: attempt, Err: err}

	if err != nil {
		seg.MarkFailed(code, err)
		u.metrics.RecordUpload(ctx, resultLabel(err), took)
		u.log(diaglog.LogEntry{
			Level:     diaglog.LevelWarn,
			Event:     diaglog.EventUploadFailed,
			SessionID: seg.SessionID,
			Reason:    resultLabel(err),
			Payload:   map[string]interface{}{"path": seg.Path, "attempt": attempt, "status": code, "error": err.Error()},
		})
		return res
	}

	seg.MarkUploaded(code)
	u.metrics.RecordUpload(ctx, "success", took)
	u.log(diaglog.LogEntry{
		Event:     diaglog.EventUploadSuccess,
		SessionID: seg.SessionID,
		Payload:   map[string]interface{}{"path": seg.Path, "attempt": attempt, "status": code, "took_ms": took.Milliseconds()},
	})
	return res
}

// post streams the segment file as multipart/form-data with the duration
// field first and the audio part second.
func (u *Uploader) post(ctx context.Context, seg *segment.Segment, creds *credentials) (int, error) {
	f, err := os.Open(seg.Path)
	if err != nil {
		return 0, &TransportError{Err: fmt.Errorf("open segment: %w", err)}
	}
	defer f.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	errCh := make(chan error, 1)
	go func() {
		err := writeForm(writer, seg, f, u.cfg.ContentType)
		_ = pw.CloseWithError(err)
		errCh <- err
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.endpoint+UploadPath, pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		<-errCh
		return 0, &TransportError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+creds.token)

	resp, err := u.client.Do(req)
	if err != nil {
		_ = pr.CloseWithError(err)
		<-errCh
		return 0, &TransportError{Err: fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	// A server may answer before consuming the whole body; unblock the writer.
	_ = pr.Close()
	writeErr := <-errCh

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &ServerRejectedError{Code: resp.StatusCode, Body: truncate(body, 200)}
	}
	if writeErr != nil {
		return resp.StatusCode, &TransportError{Err: fmt.Errorf("multipart write: %w", writeErr)}
	}
	return resp.StatusCode, nil
}

func writeForm(w *multipart.Writer, seg *segment.Segment, audio io.Reader, contentType string) error {
	if err := w.WriteField("duration", strconv.Itoa(seg.DurationSeconds())); err != nil {
		return fmt.Errorf("write duration field: %w", err)
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename="%s"`, escapeQuotes(filepath.Base(seg.Path))))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create audio part: %w", err)
	}
	if _, err := io.CopyBuffer(part, struct{ io.Reader }{audio}, make([]byte, chunkSize)); err != nil {
		return fmt.Errorf("copy audio data: %w", err)
	}
	return w.Close()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

func resultLabel(err error) string {
	var rejected *ServerRejectedError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotConfigured):
		return "not_configured"
	case errors.As(err, &rejected):
		return "rejected"
	default:
		return "transport"
	}
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
