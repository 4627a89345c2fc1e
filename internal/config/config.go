// Package config loads the daemon configuration from YAML with environment
// overrides and validates it before any component is built.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tiroq/attendrec/internal/capture"
)

// Config is the complete daemon configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Session SessionConfig `yaml:"session"`
	Capture CaptureConfig `yaml:"capture"`
	Upload  UploadConfig  `yaml:"upload"`
	Control ControlConfig `yaml:"control"`
	Observe ObserveConfig `yaml:"observe"`
}

type StorageConfig struct {
	SegmentDir string `yaml:"segment_dir" validate:"required"`
	StateDir   string `yaml:"state_dir" validate:"required"`
	LogDir     string `yaml:"log_dir" validate:"required"`
}

type SessionConfig struct {
	RotationInterval time.Duration `yaml:"rotation_interval" validate:"min=5s,max=1h"`
	Sources          []string      `yaml:"sources" validate:"omitempty,dive,oneof=mic default voice_communication"`
}

type CaptureConfig struct {
	FFmpeg       string            `yaml:"ffmpeg" validate:"required"`
	InputFormat  string            `yaml:"input_format" validate:"required"`
	Devices      map[string]string `yaml:"devices" validate:"dive,keys,oneof=mic default voice_communication,endkeys,required"`
	ReadyTimeout time.Duration     `yaml:"ready_timeout" validate:"gt=0"`
	StopTimeout  time.Duration     `yaml:"stop_timeout" validate:"gt=0"`
}

type UploadConfig struct {
	Endpoint      string        `yaml:"endpoint" validate:"omitempty,url"`
	Token         string        `yaml:"token"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxConcurrent int64         `yaml:"max_concurrent" validate:"min=1,max=16"`
	Retry         RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"min=1,max=20"`
	BaseDelay   time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay    time.Duration `yaml:"max_delay" validate:"gt=0"`
}

type ControlConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url" validate:"omitempty,url"`
}

type ObserveConfig struct {
	ListenAddr string `yaml:"listen_addr" validate:"omitempty,hostname_port"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	home := os.Getenv("HOME")
	devices := make(map[string]string)
	for src, dev := range capture.DefaultDevices() {
		devices[string(src)] = dev
	}
	return &Config{
		Storage: StorageConfig{
			SegmentDir: filepath.Join(home, ".local", "share", "attendrec", "segments"),
			StateDir:   filepath.Join(home, ".cache", "attendrec"),
			LogDir:     "/tmp",
		},
		Session: SessionConfig{
			RotationInterval: 20 * time.Second,
		},
		Capture: CaptureConfig{
			FFmpeg:       "ffmpeg",
			InputFormat:  "pulse",
			Devices:      devices,
			ReadyTimeout: 3 * time.Second,
			StopTimeout:  1200 * time.Millisecond,
		},
		Upload: UploadConfig{
			Timeout:       120 * time.Second,
			MaxConcurrent: 2,
			Retry: RetryConfig{
				MaxAttempts: 1,
				BaseDelay:   2 * time.Second,
				MaxDelay:    2 * time.Minute,
			},
		},
		Observe: ObserveConfig{
			ListenAddr: "127.0.0.1:9464",
		},
	}
}

// DefaultPath returns $ATTENDREC_CONFIG or ~/.config/attendrec/config.yaml.
func DefaultPath() string {
	if p := os.Getenv("ATTENDREC_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(os.Getenv("HOME"), ".config", "attendrec", "config.yaml")
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults and validates it.
// Environment overrides are not applied.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("ATTENDREC_API_BASE"); v != "" {
		cfg.Upload.Endpoint = v
	}
	if v := os.Getenv("ATTENDREC_TOKEN"); v != "" {
		cfg.Upload.Token = v
	}
	if v := os.Getenv("ATTENDREC_STORAGE_DIR"); v != "" {
		cfg.Storage.SegmentDir = v
	}
	if v := os.Getenv("ATTENDREC_FFMPEG"); v != "" {
		cfg.Capture.FFmpeg = v
	}
	if v := os.Getenv("ATTENDREC_ROTATION_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: ATTENDREC_ROTATION_INTERVAL %q: %w", v, err)
		}
		cfg.Session.RotationInterval = d
	}
	return nil
}

var validate = validator.New()

// Validate checks struct tags, then cross-field rules. It returns a joined
// error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q (value %v)", fieldPath(fe.Namespace()), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	if cfg.Upload.Retry.MaxDelay < cfg.Upload.Retry.BaseDelay {
		errs = append(errs, fmt.Errorf("upload.retry.max_delay %s is below base_delay %s", cfg.Upload.Retry.MaxDelay, cfg.Upload.Retry.BaseDelay))
	}
	if cfg.Control.Enabled && cfg.Control.URL == "" {
		errs = append(errs, errors.New("control.url is required when control.enabled is true"))
	}
	if cfg.Control.URL != "" {
		if u, err := url.Parse(cfg.Control.URL); err == nil && u.Scheme != "ws" && u.Scheme != "wss" {
			errs = append(errs, fmt.Errorf("control.url scheme %q must be ws or wss", u.Scheme))
		}
	}
	for _, s := range cfg.Session.Sources {
		if _, ok := cfg.Capture.Devices[s]; !ok {
			errs = append(errs, fmt.Errorf("session.sources: %q has no entry in capture.devices", s))
		}
	}

	return errors.Join(errs...)
}

// CaptureSources returns the configured fallback order, or the default order.
func (c *Config) CaptureSources() []capture.Source {
	if len(c.Session.Sources) == 0 {
		return capture.DefaultSources
	}
	out := make([]capture.Source, 0, len(c.Session.Sources))
	for _, s := range c.Session.Sources {
		out = append(out, capture.Source(s))
	}
	return out
}

// FFmpegConfig maps the capture section onto the ffmpeg backend settings.
func (c *Config) FFmpegConfig() capture.FFmpegConfig {
	devices := make(map[capture.Source]string, len(c.Capture.Devices))
	for src, dev := range c.Capture.Devices {
		devices[capture.Source(src)] = dev
	}
	return capture.FFmpegConfig{
		Command:      c.Capture.FFmpeg,
		InputFormat:  c.Capture.InputFormat,
		Devices:      devices,
		Profile:      capture.DefaultProfile,
		ReadyTimeout: c.Capture.ReadyTimeout,
		StopTimeout:  c.Capture.StopTimeout,
	}
}

// fieldPath turns "Config.Upload.Retry.MaxAttempts" into a readable path.
func fieldPath(ns string) string {
	return strings.ToLower(strings.TrimPrefix(ns, "Config."))
}
