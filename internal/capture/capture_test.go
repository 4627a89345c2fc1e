package capture

import (
	"context"
	"errors"
	"testing"

	"github.com/tiroq/attendrec/internal/diaglog"
)

type stubHandle struct {
	source Source
	path   string
}

func (h *stubHandle) Source() Source     { return h.source }
func (h *stubHandle) OutputPath() string { return h.path }
func (h *stubHandle) Close() error       { return nil }

// stubDevice rejects every source listed in reject.
type stubDevice struct {
	reject map[Source]error
	calls  []Source
}

func (d *stubDevice) Open(_ context.Context, source Source, outputPath string) (Handle, error) {
	d.calls = append(d.calls, source)
	if err, ok := d.reject[source]; ok {
		return nil, err
	}
	return &stubHandle{source: source, path: outputPath}, nil
}

func TestOpenWithFallback(t *testing.T) {
	errBusy := errors.New("busy")
	errNoRoute := errors.New("no route")

	tests := []struct {
		name       string
		reject     map[Source]error
		wantSource Source
		wantCalls  int
	}{
		{
			name:       "primary succeeds",
			reject:     nil,
			wantSource: SourceMic,
			wantCalls:  1,
		},
		{
			name:       "falls back to default",
			reject:     map[Source]error{SourceMic: errBusy},
			wantSource: SourceDefault,
			wantCalls:  2,
		},
		{
			name:       "falls back to voice communication",
			reject:     map[Source]error{SourceMic: errBusy, SourceDefault: errNoRoute},
			wantSource: SourceVoiceCommunication,
			wantCalls:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := &stubDevice{reject: tt.reject}
			h, err := OpenWithFallback(context.Background(), dev, nil, "/tmp/seg.mp4", diaglog.NewNoOp())
			if err != nil {
				t.Fatalf("OpenWithFallback: %v", err)
			}
			if h.Source() != tt.wantSource {
				t.Errorf("source = %s, want %s", h.Source(), tt.wantSource)
			}
			if len(dev.calls) != tt.wantCalls {
				t.Errorf("calls = %d, want %d", len(dev.calls), tt.wantCalls)
			}
		})
	}
}

func TestOpenWithFallbackExhausted(t *testing.T) {
	last := errors.New("voice route missing")
	dev := &stubDevice{reject: map[Source]error{
		SourceMic:                errors.New("busy"),
		SourceDefault:            errors.New("busy"),
		SourceVoiceCommunication: last,
	}}

	h, err := OpenWithFallback(context.Background(), dev, nil, "/tmp/seg.mp4", nil)
	if h != nil {
		t.Fatal("expected nil handle")
	}
	if !errors.Is(err, ErrAllSourcesExhausted) {
		t.Fatalf("expected ErrAllSourcesExhausted, got %v", err)
	}
	if !errors.Is(err, last) {
		t.Errorf("expected last underlying error to be attached, got %v", err)
	}

	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected *ExhaustedError")
	}
	if len(ex.Tried) != 3 {
		t.Errorf("tried = %v, want 3 sources", ex.Tried)
	}
	var su *SourceUnavailableError
	if !errors.As(ex.Last, &su) || su.Source != SourceVoiceCommunication {
		t.Errorf("last error should name the final source, got %v", ex.Last)
	}
}

func TestOpenWithFallbackCustomOrder(t *testing.T) {
	dev := &stubDevice{reject: map[Source]error{SourceVoiceCommunication: errors.New("nope")}}
	order := []Source{SourceVoiceCommunication, SourceMic}

	h, err := OpenWithFallback(context.Background(), dev, order, "/tmp/seg.mp4", nil)
	if err != nil {
		t.Fatalf("OpenWithFallback: %v", err)
	}
	if h.Source() != SourceMic {
		t.Errorf("source = %s, want mic", h.Source())
	}
	if dev.calls[0] != SourceVoiceCommunication {
		t.Errorf("first attempt = %s, want voice_communication", dev.calls[0])
	}
}

func TestOpenWithFallbackStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dev := &stubDevice{}
	_, err := OpenWithFallback(ctx, dev, nil, "/tmp/seg.mp4", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(dev.calls) != 0 {
		t.Errorf("expected no open attempts, got %d", len(dev.calls))
	}
}

func TestParseSource(t *testing.T) {
	tests := []struct {
		in      string
		want    Source
		wantErr bool
	}{
		{"mic", SourceMic, false},
		{" Default ", SourceDefault, false},
		{"VOICE_COMMUNICATION", SourceVoiceCommunication, false},
		{"camcorder", "", true},
	}
	for _, tt := range tests {
		got, err := ParseSource(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSource(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSource(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
