// Package observe provides the recorder's OpenTelemetry metrics, the
// Prometheus exporter bridge and the liveness/readiness HTTP handlers.
//
// Tests should build a Metrics with NewMetrics and a private MeterProvider;
// production code uses DefaultMetrics, which is bound to the global provider
// installed by InitProvider.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/tiroq/attendrec"

// Metrics holds every instrument the recorder reports. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// SessionsStarted counts successful session starts.
	SessionsStarted metric.Int64Counter

	// Rotations counts rotations. Attribute "status": ok | failed.
	Rotations metric.Int64Counter

	// SegmentsClosed counts segments handed off for upload.
	// Attribute "reason": rotate | stop.
	SegmentsClosed metric.Int64Counter

	// SourceFallbacks counts rejected capture sources. Attribute "source".
	SourceFallbacks metric.Int64Counter

	// Uploads counts finished upload attempts.
	// Attribute "result": success | not_configured | transport | rejected.
	Uploads metric.Int64Counter

	// UploadDuration tracks wall-clock upload time in seconds.
	UploadDuration metric.Float64Histogram

	// SegmentDuration tracks closed segment length in seconds.
	SegmentDuration metric.Float64Histogram

	// Recording is 1 while a session is recording, 0 otherwise.
	Recording metric.Int64UpDownCounter
}

var uploadBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

var segmentBuckets = []float64{1, 5, 10, 20, 30, 60, 120, 300, 600, 1800}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SessionsStarted, err = m.Int64Counter("attendrec.sessions.started",
		metric.WithDescription("Recording sessions that acquired the capture device."),
	); err != nil {
		return nil, err
	}
	if met.Rotations, err = m.Int64Counter("attendrec.rotations",
		metric.WithDescription("Segment rotations by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsClosed, err = m.Int64Counter("attendrec.segments.closed",
		metric.WithDescription("Closed segments handed to the uploader, by reason."),
	); err != nil {
		return nil, err
	}
	if met.SourceFallbacks, err = m.Int64Counter("attendrec.capture.source_fallbacks",
		metric.WithDescription("Capture sources rejected during fallback."),
	); err != nil {
		return nil, err
	}
	if met.Uploads, err = m.Int64Counter("attendrec.uploads",
		metric.WithDescription("Finished upload attempts by result."),
	); err != nil {
		return nil, err
	}
	if met.UploadDuration, err = m.Float64Histogram("attendrec.upload.duration",
		metric.WithDescription("Upload wall-clock time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(uploadBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("attendrec.segment.duration",
		metric.WithDescription("Length of closed segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(segmentBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Recording, err = m.Int64UpDownCounter("attendrec.recording",
		metric.WithDescription("1 while a session holds the capture device."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level Metrics bound to the global
// MeterProvider. Call InitProvider first or the instruments are no-ops.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordSessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.SessionsStarted.Add(ctx, 1)
	m.Recording.Add(ctx, 1)
}

func (m *Metrics) RecordSessionEnded(ctx context.Context) {
	if m == nil {
		return
	}
	m.Recording.Add(ctx, -1)
}

func (m *Metrics) RecordRotation(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.Rotations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) RecordSegmentClosed(ctx context.Context, reason string, length time.Duration) {
	if m == nil {
		return
	}
	m.SegmentsClosed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.SegmentDuration.Record(ctx, length.Seconds())
}

func (m *Metrics) RecordSourceFallback(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.SourceFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m *Metrics) RecordUpload(ctx context.Context, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.Uploads.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	m.UploadDuration.Record(ctx, took.Seconds())
}
