package testutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/tiroq/attendrec/internal/capture"
)

// ErrFakeRejected is returned for sources listed in FakeDevice.Reject.
var ErrFakeRejected = errors.New("fake device: source rejected")

// FakeDevice is an in-memory capture.Device. It enforces the single-handle
// rule, records every open and close, and writes a few bytes to each output
// path so callers have a real file to read back.
type FakeDevice struct {
	mu sync.Mutex

	// Reject lists sources that always fail to open.
	Reject map[capture.Source]bool
	// FailAfter makes every open after the first FailAfter successful ones
	// fail on all sources. Zero disables it.
	FailAfter int
	// CloseErr is returned (wrapped in *capture.CloseError) by every Close.
	CloseErr error
	// Payload is written to each output path. Nil means "fake-audio".
	Payload []byte

	open      int
	maxOpen   int
	successes int
	opened    []string
	closed    []string
	sources   []capture.Source
}

func NewFakeDevice() *FakeDevice {
	return &FakeDevice{Reject: map[capture.Source]bool{}}
}

// Open implements capture.Device.
func (d *FakeDevice) Open(_ context.Context, source capture.Source, outputPath string) (capture.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.open > 0 {
		return nil, capture.ErrDeviceBusy
	}
	if d.Reject[source] {
		return nil, fmt.Errorf("%w: %s", ErrFakeRejected, source)
	}
	if d.FailAfter > 0 && d.successes >= d.FailAfter {
		return nil, fmt.Errorf("%w: device lost", ErrFakeRejected)
	}

	payload := d.Payload
	if payload == nil {
		payload = []byte("fake-audio")
	}
	if err := os.WriteFile(outputPath, payload, 0644); err != nil {
		return nil, err
	}

	d.open++
	if d.open > d.maxOpen {
		d.maxOpen = d.open
	}
	d.successes++
	d.opened = append(d.opened, outputPath)
	d.sources = append(d.sources, source)
	return &fakeHandle{dev: d, source: source, path: outputPath}, nil
}

// OpenCount is the number of handles currently open.
func (d *FakeDevice) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// MaxOpen is the highest number of simultaneously open handles observed.
func (d *FakeDevice) MaxOpen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxOpen
}

// Opened returns the output paths of every successful open, in order.
func (d *FakeDevice) Opened() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.opened...)
}

// Closed returns the output paths of every closed handle, in order.
func (d *FakeDevice) Closed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.closed...)
}

// Sources returns the source of every successful open, in order.
func (d *FakeDevice) Sources() []capture.Source {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]capture.Source(nil), d.sources...)
}

// SetFailAfter changes FailAfter while handles may be in use.
func (d *FakeDevice) SetFailAfter(n int) {
	d.mu.Lock()
	d.FailAfter = n
	d.mu.Unlock()
}

type fakeHandle struct {
	dev    *FakeDevice
	source capture.Source
	path   string
	once   sync.Once
}

func (h *fakeHandle) Source() capture.Source { return h.source }
func (h *fakeHandle) OutputPath() string     { return h.path }

func (h *fakeHandle) Close() error {
	var err error
	h.once.Do(func() {
		h.dev.mu.Lock()
		defer h.dev.mu.Unlock()
		h.dev.open--
		h.dev.closed = append(h.dev.closed, h.path)
		if h.dev.CloseErr != nil {
			err = &capture.CloseError{Source: h.source, Err: h.dev.CloseErr}
		}
	})
	return err
}
