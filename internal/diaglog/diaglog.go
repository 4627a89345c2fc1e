// Package diaglog provides structured NDJSON diagnostic logging for the
// recording daemon. Every entry is one JSON object per line carrying a
// component label, an event name and an optional redacted payload.
//
// Debug-level entries are only written when ATTENDREC_DEBUG=true; info and
// above are always written so that capture warnings and upload failures are
// never lost.
package diaglog

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ── Component labels ────────────────────────────────────────────────────────

const (
	ComponentCapture    = "capture-device"
	ComponentSession    = "recording-session"
	ComponentUploader   = "uploader"
	ComponentController = "session-controller"
	ComponentControlWS  = "control-ws"
	ComponentIPC        = "ipc-watcher"
	ComponentDiagExport = "diag-export"
	ComponentCore       = "attendrec-core"
)

// ── Event names ─────────────────────────────────────────────────────────────

const (
	EventSourceRejected     = "source_rejected"
	EventSourcesExhausted   = "sources_exhausted"
	EventDeviceOpened       = "device_opened"
	EventDeviceClosed       = "device_closed"
	EventDeviceStopWarning  = "device_stop_warning"
	EventRecordingStart     = "recording_start"
	EventRecordingStop      = "recording_stop"
	EventSegmentRotated     = "segment_rotated"
	EventRotationFailed     = "rotation_failed"
	EventSegmentHandoff     = "segment_handoff"
	EventUploadStart        = "upload_start"
	EventUploadSuccess      = "upload_success"
	EventUploadFailed       = "upload_failed"
	EventUploadRetry        = "upload_retry"
	EventUploadSkipped      = "upload_skipped"
	EventConfigUpdated      = "config_updated"
	EventWSConnect          = "ws_connect"
	EventWSDisconnect       = "ws_disconnect"
	EventWSRecv             = "ws_recv"
	EventWSSend             = "ws_send"
	EventWSReconnectAttempt = "ws_reconnect_attempt"
	EventCommandReceived    = "command_received"
)

// Level controls how an entry is filtered. The zero value is LevelInfo.
type Level int8

const (
	LevelInfo Level = iota
	LevelDebug
	LevelWarn
	LevelError
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ── LogEntry ─────────────────────────────────────────────────────────────────

// LogEntry is one structured event record written as a single JSON line.
type LogEntry struct {
	Level     Level
	Component string      // see Component* constants
	Event     string      // see Event* constants
	SessionID string      // recording session the event belongs to
	Reason    string      // short machine-readable cause
	Payload   interface{} // redacted before write
}

// ── Logger ───────────────────────────────────────────────────────────────────

// Logger writes LogEntry values through a zap JSON core. A nil *Logger and
// the value returned by NewNoOp are safe to use and discard everything.
type Logger struct {
	z      *zap.Logger
	closer func() error
}

// New opens (or creates) the NDJSON log file at path, rolled by size.
func New(path string) (*Logger, error) {
	roller, err := newRollingWriter(path, maxLogSizeMB)
	if err != nil {
		return nil, err
	}
	return newWithSyncer(zapcore.AddSync(roller), roller.Close), nil
}

func newWithSyncer(ws zapcore.WriteSyncer, closer func() error) *Logger {
	level := zapcore.InfoLevel
	if IsDebugEnabled() {
		level = zapcore.DebugLevel
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), ws, level)
	return &Logger{z: zap.New(core), closer: closer}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:     "ts",
		LevelKey:    "level",
		MessageKey:  "event",
		LineEnding:  zapcore.DefaultLineEnding,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
		EncodeTime: func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.UTC().Format(time.RFC3339Nano))
		},
		EncodeDuration: zapcore.StringDurationEncoder,
	}
}

// Log writes entry. Sensitive payload fields are redacted before encoding.
func (l *Logger) Log(entry LogEntry) {
	if l == nil || l.z == nil {
		return
	}
	lvl := entry.Level.zapLevel()
	ce := l.z.Check(lvl, entry.Event)
	if ce == nil {
		return
	}
	fields := make([]zap.Field, 0, 4)
	fields = append(fields, zap.String("component", entry.Component))
	if entry.SessionID != "" {
		fields = append(fields, zap.String("session_id", entry.SessionID))
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", entry.Reason))
	}
	if entry.Payload != nil {
		fields = append(fields, zap.Any("payload", Redact(entry.Payload)))
	}
	ce.Write(fields...)
}

// Close flushes and closes the underlying file. Safe on nil/no-op logger.
func (l *Logger) Close() error {
	if l == nil || l.z == nil {
		return nil
	}
	_ = l.z.Sync()
	if l.closer != nil {
		return l.closer()
	}
	return nil
}

// IsDebugEnabled reports whether ATTENDREC_DEBUG is set to "true".
func IsDebugEnabled() bool {
	return os.Getenv("ATTENDREC_DEBUG") == "true"
}

// NewNoOp returns a logger where every Log call is a no-op. Use as a safe
// fallback when New fails (e.g., disk full, permissions error).
func NewNoOp() *Logger {
	return &Logger{}
}
