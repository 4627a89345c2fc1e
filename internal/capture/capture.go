// Package capture owns the exclusive audio-input handle used to record
// segment files. Backends implement Device; OpenWithFallback walks an ordered
// list of input sources and returns the first handle that actually starts
// producing data.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tiroq/attendrec/internal/diaglog"
)

// Source identifies an audio input route on the host.
type Source string

const (
	SourceMic                Source = "mic"
	SourceDefault            Source = "default"
	SourceVoiceCommunication Source = "voice_communication"
)

// DefaultSources is the fallback order used when none is configured.
var DefaultSources = []Source{SourceMic, SourceDefault, SourceVoiceCommunication}

// ParseSource maps a config string onto a known Source.
func ParseSource(s string) (Source, error) {
	switch src := Source(strings.ToLower(strings.TrimSpace(s))); src {
	case SourceMic, SourceDefault, SourceVoiceCommunication:
		return src, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedSource, s)
	}
}

// Profile is the fixed encoder configuration every segment is written with.
type Profile struct {
	SampleRate  int
	Channels    int
	BitRate     int // bits per second
	Codec       string
	Container   string
	Ext         string
	ContentType string
}

// DefaultProfile is mono 16 kHz AAC at 16 kbps in an MP4 container.
var DefaultProfile = Profile{
	SampleRate:  16000,
	Channels:    1,
	BitRate:     16000,
	Codec:       "aac",
	Container:   "mp4",
	Ext:         ".mp4",
	ContentType: "audio/mp4",
}

// Handle is an open capture writing to OutputPath.
type Handle interface {
	Source() Source
	OutputPath() string
	// Close stops capture and releases the device. The device is released
	// even when an error is returned; a non-nil error is a *CloseError.
	Close() error
}

// Device opens capture handles. Open must not return until the backend has
// started writing audio to outputPath.
type Device interface {
	Open(ctx context.Context, source Source, outputPath string) (Handle, error)
}

var (
	// ErrAllSourcesExhausted is matched by *ExhaustedError.
	ErrAllSourcesExhausted = errors.New("capture: all sources exhausted")
	ErrDeviceBusy          = errors.New("capture: device already open")
	ErrUnsupportedSource   = errors.New("capture: unsupported source")
)

// SourceUnavailableError reports one rejected source during fallback.
type SourceUnavailableError struct {
	Source Source
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("capture: source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// ExhaustedError is returned when every source in the fallback list failed.
type ExhaustedError struct {
	Tried []Source
	Last  error
}

func (e *ExhaustedError) Error() string {
	names := make([]string, len(e.Tried))
	for i, s := range e.Tried {
		names[i] = string(s)
	}
	return fmt.Sprintf("capture: all sources exhausted (tried %s): %v", strings.Join(names, ", "), e.Last)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrAllSourcesExhausted }

func (e *ExhaustedError) Unwrap() error { return e.Last }

// CloseError is a soft failure from Handle.Close. The file written so far is
// still usable and the device has been released.
type CloseError struct {
	Source Source
	Err    error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("capture: stop %s: %v", e.Source, e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }

// OpenWithFallback tries each source in order and returns the first handle
// that opens. An empty sources list means DefaultSources. Every rejection is
// logged; when all fail the result is an *ExhaustedError carrying the last
// underlying error.
func OpenWithFallback(ctx context.Context, dev Device, sources []Source, outputPath string, logger *diaglog.Logger) (Handle, error) {
	if len(sources) == 0 {
		sources = DefaultSources
	}

	var last error
	tried := make([]Source, 0, len(sources))
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tried = append(tried, src)

		h, err := dev.Open(ctx, src, outputPath)
		if err == nil {
			logger.Log(diaglog.LogEntry{
				Component: diaglog.ComponentCapture,
				Event:     diaglog.EventDeviceOpened,
				Payload:   map[string]interface{}{"source": string(src), "path": outputPath, "attempt": len(tried)},
			})
			return h, nil
		}

		last = &SourceUnavailableError{Source: src, Err: err}
		logger.Log(diaglog.LogEntry{
			Level:     diaglog.LevelWarn,
			Component: diaglog.ComponentCapture,
			Event:     diaglog.EventSourceRejected,
			Reason:    string(src),
			Payload:   map[string]interface{}{"error": err.Error()},
		})
	}

	logger.Log(diaglog.LogEntry{
		Level:     diaglog.LevelError,
		Component: diaglog.ComponentCapture,
		Event:     diaglog.EventSourcesExhausted,
		Payload:   map[string]interface{}{"tried": len(tried), "path": outputPath},
	})
	return nil, &ExhaustedError{Tried: tried, Last: last}
}
