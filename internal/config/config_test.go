package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tiroq/attendrec/internal/capture"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("ATTENDREC_API_BASE", "")
	t.Setenv("ATTENDREC_TOKEN", "")
	t.Setenv("ATTENDREC_ROTATION_INTERVAL", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.RotationInterval != 20*time.Second {
		t.Errorf("rotation interval = %s, want 20s", cfg.Session.RotationInterval)
	}
	if cfg.Upload.Retry.MaxAttempts != 1 {
		t.Errorf("max attempts = %d, want 1", cfg.Upload.Retry.MaxAttempts)
	}
}

func TestLoadFromReaderOverridesDefaults(t *testing.T) {
	const doc = `
session:
  rotation_interval: 5m
  sources: [default, voice_communication]
capture:
  devices:
    default: alsa_input.usb
upload:
  endpoint: https://api.example.com
  token: tok123
  retry:
    max_attempts: 4
control:
  enabled: true
  url: wss://api.example.com/ws
`
	cfg, err := LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Session.RotationInterval != 5*time.Minute {
		t.Errorf("rotation interval = %s", cfg.Session.RotationInterval)
	}
	if cfg.Upload.Retry.MaxAttempts != 4 || cfg.Upload.Retry.BaseDelay != 2*time.Second {
		t.Errorf("retry = %+v", cfg.Upload.Retry)
	}
	if cfg.Capture.Devices["default"] != "alsa_input.usb" || cfg.Capture.Devices["mic"] == "" {
		t.Errorf("devices = %v, want merged with defaults", cfg.Capture.Devices)
	}
	srcs := cfg.CaptureSources()
	if len(srcs) != 2 || srcs[0] != capture.SourceDefault {
		t.Errorf("sources = %v", srcs)
	}
	fc := cfg.FFmpegConfig()
	if fc.Devices[capture.SourceDefault] != "alsa_input.usb" {
		t.Errorf("ffmpeg devices = %v", fc.Devices)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("session:\n  rotation: 20s\n"))
	if err == nil {
		t.Fatal("want error for unknown field")
	}
}

func TestLoadFromReaderEmptyDocument(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Capture.FFmpeg != "ffmpeg" {
		t.Errorf("ffmpeg = %q", cfg.Capture.FFmpeg)
	}
}

func TestValidateCollectsAllFailures(t *testing.T) {
	cfg := Default()
	cfg.Session.RotationInterval = time.Second
	cfg.Session.Sources = []string{"speaker"}
	cfg.Upload.Endpoint = "not a url"
	cfg.Upload.Retry.MaxDelay = time.Millisecond
	cfg.Control.Enabled = true

	err := Validate(cfg)
	if err == nil {
		t.Fatal("want validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		"session.rotationinterval",
		"session.sources",
		"upload.endpoint",
		"max_delay",
		"control.url is required",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}

func TestValidateRejectsNonWebsocketControlURL(t *testing.T) {
	cfg := Default()
	cfg.Control.URL = "https://api.example.com/ws"
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "ws or wss") {
		t.Errorf("err = %v, want scheme error", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("upload:\n  endpoint: https://file.example.com\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ATTENDREC_API_BASE", "https://env.example.com")
	t.Setenv("ATTENDREC_TOKEN", "envtok")
	t.Setenv("ATTENDREC_STORAGE_DIR", "/var/lib/attendrec")
	t.Setenv("ATTENDREC_ROTATION_INTERVAL", "45s")
	t.Setenv("ATTENDREC_FFMPEG", "/opt/ffmpeg")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Upload.Endpoint != "https://env.example.com" || cfg.Upload.Token != "envtok" {
		t.Errorf("upload = %+v", cfg.Upload)
	}
	if cfg.Storage.SegmentDir != "/var/lib/attendrec" {
		t.Errorf("segment dir = %q", cfg.Storage.SegmentDir)
	}
	if cfg.Session.RotationInterval != 45*time.Second {
		t.Errorf("interval = %s", cfg.Session.RotationInterval)
	}
	if cfg.Capture.FFmpeg != "/opt/ffmpeg" {
		t.Errorf("ffmpeg = %q", cfg.Capture.FFmpeg)
	}
}

func TestEnvRotationIntervalMustParse(t *testing.T) {
	t.Setenv("ATTENDREC_ROTATION_INTERVAL", "soon")
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("want parse error")
	}
}

func TestDefaultPathHonoursEnv(t *testing.T) {
	t.Setenv("ATTENDREC_CONFIG", "/etc/attendrec.yaml")
	if got := DefaultPath(); got != "/etc/attendrec.yaml" {
		t.Errorf("DefaultPath = %q", got)
	}
}
