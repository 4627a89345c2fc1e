package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// FFmpegConfig configures the ffmpeg-backed capture device.
type FFmpegConfig struct {
	Command     string            // ffmpeg binary, default "ffmpeg"
	InputFormat string            // ffmpeg -f for the input, default "pulse"
	Devices     map[Source]string // source -> ffmpeg input device name
	Profile     Profile

	ReadyTimeout time.Duration // how long Open waits for the first bytes
	StopTimeout  time.Duration // how long Close waits after SIGINT before killing
}

// DefaultDevices maps each Source onto a PulseAudio input name.
func DefaultDevices() map[Source]string {
	return map[Source]string{
		SourceMic:                "default",
		SourceDefault:            "@DEFAULT_SOURCE@",
		SourceVoiceCommunication: "echo-cancel-source",
	}
}

// FFmpegDevice records one source at a time by running ffmpeg as a child
// process writing a fragmented MP4 directly to the segment path.
type FFmpegDevice struct {
	cfg FFmpegConfig

	mu   sync.Mutex
	open *ffmpegHandle
}

func NewFFmpegDevice(cfg FFmpegConfig) *FFmpegDevice {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if len(cfg.Devices) == 0 {
		cfg.Devices = DefaultDevices()
	}
	if cfg.Profile == (Profile{}) {
		cfg.Profile = DefaultProfile
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 3 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 1200 * time.Millisecond
	}
	return &FFmpegDevice{cfg: cfg}
}

func (d *FFmpegDevice) args(input, outputPath string) []string {
	p := d.cfg.Profile
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-y",
		"-f", d.cfg.InputFormat,
		"-i", input,
		"-ac", strconv.Itoa(p.Channels),
		"-ar", strconv.Itoa(p.SampleRate),
		"-c:a", p.Codec,
		"-b:a", strconv.Itoa(p.BitRate),
		"-movflags", "+frag_keyframe+empty_moov",
		"-f", p.Container,
		outputPath,
	}
}

// Open starts ffmpeg for source and blocks until the output file has data.
// ctx bounds only the startup wait; the process outlives it until Close.
func (d *FFmpegDevice) Open(ctx context.Context, source Source, outputPath string) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.open != nil {
		return nil, ErrDeviceBusy
	}
	input, ok := d.cfg.Devices[source]
	if !ok || input == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, source)
	}

	cmd := exec.Command(d.cfg.Command, d.args(input, outputPath)...)
	stderr := &syncBuffer{}
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	h := &ffmpegHandle{
		dev:         d,
		source:      source,
		path:        outputPath,
		process:     cmd.Process,
		stderr:      stderr,
		waitErr:     waitErr,
		stopTimeout: d.cfg.StopTimeout,
	}

	if err := h.awaitFirstBytes(ctx, d.cfg.ReadyTimeout); err != nil {
		h.abort()
		return nil, err
	}
	d.open = h
	return h, nil
}

func (d *FFmpegDevice) release(h *ffmpegHandle) {
	d.mu.Lock()
	if d.open == h {
		d.open = nil
	}
	d.mu.Unlock()
}

type ffmpegHandle struct {
	dev     *FFmpegDevice
	source  Source
	path    string
	process *os.Process
	stderr  *syncBuffer
	waitErr <-chan error

	stopTimeout time.Duration
	closeOnce   sync.Once
	closeErr    error
}

func (h *ffmpegHandle) Source() Source     { return h.source }
func (h *ffmpegHandle) OutputPath() string { return h.path }

func (h *ffmpegHandle) awaitFirstBytes(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case err := <-h.waitErr:
			if err != nil {
				return fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, h.stderr.Trimmed())
			}
			return errors.New("ffmpeg exited before capture started")
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("ffmpeg produced no audio within %s", timeout)
		case <-tick.C:
			if fi, err := os.Stat(h.path); err == nil && fi.Size() > 0 {
				return nil
			}
		}
	}
}

// abort kills a process that never became ready and reaps it.
func (h *ffmpegHandle) abort() {
	_ = h.process.Kill()
	<-h.waitErr
}

func (h *ffmpegHandle) Close() error {
	h.closeOnce.Do(func() {
		defer h.dev.release(h)

		_ = h.process.Signal(os.Interrupt)

		var stopErr error
		select {
		case err, ok := <-h.waitErr:
			if ok {
				stopErr = normalizeStopErr(err)
			}
		case <-time.After(h.stopTimeout):
			_ = h.process.Kill()
			<-h.waitErr
			stopErr = fmt.Errorf("ffmpeg did not exit within %s, killed", h.stopTimeout)
		}

		if stopErr != nil {
			if msg := h.stderr.Trimmed(); msg != "" {
				stopErr = fmt.Errorf("%w: %s", stopErr, msg)
			}
			h.closeErr = &CloseError{Source: h.source, Err: stopErr}
		}
	})
	return h.closeErr
}

// normalizeStopErr treats a non-zero exit after SIGINT as a clean stop;
// ffmpeg exits 255 when interrupted even though the file was finalized.
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// syncBuffer collects ffmpeg stderr while it may be read concurrently.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Trimmed() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(bytes.TrimSpace(b.buf.Bytes()))
}
