package diaglog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Version is injected at link time from the main package; defaults to "dev".
var Version = "dev"

const defaultTailLines = 500

// ExportOptions describes what goes into a support bundle. Only LogPath is
// required; every other source is optional and skipped when absent.
type ExportOptions struct {
	LogPath string // NDJSON diagnostic log
	Dest    string // output directory, default "."

	ConfigPath       string
	RotationInterval time.Duration
	StatusPath       string   // daemon status.json, embedded in the header
	DaemonLogs       []string // plain-text daemon logs, tailed
	TailLines        int      // lines kept per daemon log, default 500
}

// DiagBundle is the first line of an export file.
type DiagBundle struct {
	ExportedAt       string          `json:"exported_at"`
	AppVersion       string          `json:"attendrec_version"`
	GoVersion        string          `json:"go_version"`
	OS               string          `json:"os"`
	Arch             string          `json:"arch"`
	LogFile          string          `json:"log_file"`
	EntryCount       int             `json:"entry_count"`
	ConfigPath       string          `json:"config_path,omitempty"`
	RotationInterval string          `json:"rotation_interval,omitempty"`
	Status           json.RawMessage `json:"status,omitempty"`
	DaemonLogs       []string        `json:"daemon_logs,omitempty"`
}

// DaemonLogLine wraps one line of a plain-text daemon log so the bundle
// stays valid NDJSON.
type DaemonLogLine struct {
	Component string `json:"component"`
	File      string `json:"file"`
	Line      string `json:"line"`
}

// Export writes <Dest>/attendrec-diag-<ts>.ndjson: a DiagBundle header, the
// diagnostic log verbatim, then the tail of each daemon log as DaemonLogLine
// entries. It returns the bundle path and the number of diagnostic entries.
func Export(opts ExportOptions) (path string, entries int, err error) {
	if opts.Dest == "" {
		opts.Dest = "."
	}
	if opts.TailLines <= 0 {
		opts.TailLines = defaultTailLines
	}

	diagLines, err := readLines(opts.LogPath, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", 0, fmt.Errorf("log file not found at %s: %w", opts.LogPath, os.ErrNotExist)
		}
		return "", 0, fmt.Errorf("log file unreadable: %w", err)
	}

	bundle := DiagBundle{
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		AppVersion: Version,
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		LogFile:    opts.LogPath,
		EntryCount: len(diagLines),
		ConfigPath: opts.ConfigPath,
	}
	if opts.RotationInterval > 0 {
		bundle.RotationInterval = opts.RotationInterval.String()
	}
	if opts.StatusPath != "" {
		// A torn or missing status file is not worth failing the export.
		if data, rerr := os.ReadFile(opts.StatusPath); rerr == nil && json.Valid(data) {
			bundle.Status = json.RawMessage(data)
		}
	}

	var tails []DaemonLogLine
	for _, lp := range opts.DaemonLogs {
		lines, rerr := readLines(lp, opts.TailLines)
		if rerr != nil {
			continue
		}
		bundle.DaemonLogs = append(bundle.DaemonLogs, lp)
		name := filepath.Base(lp)
		for _, l := range lines {
			tails = append(tails, DaemonLogLine{Component: ComponentCore, File: name, Line: string(l)})
		}
	}

	outPath := filepath.Join(opts.Dest, "attendrec-diag-"+time.Now().UTC().Format("20060102T150405")+".ndjson")
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", 0, fmt.Errorf("output file could not be created: %w", err)
	}
	defer func() { _ = out.Close() }()

	w := bufio.NewWriter(out)
	enc := json.NewEncoder(w)
	if err := enc.Encode(bundle); err != nil {
		return "", 0, err
	}
	for _, line := range diagLines {
		if _, err := w.Write(append(line, '\n')); err != nil {
			return "", 0, err
		}
	}
	for _, t := range tails {
		if err := enc.Encode(t); err != nil {
			return "", 0, err
		}
	}
	if err := w.Flush(); err != nil {
		return "", 0, err
	}
	return outPath, len(diagLines), nil
}

// readLines returns the non-empty lines of path. With tail > 0 only the last
// tail lines are kept.
func readLines(path string, tail int) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var lines [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLogSizeMB*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		line := make([]byte, len(sc.Bytes()))
		copy(line, sc.Bytes())
		lines = append(lines, line)
		if tail > 0 && len(lines) > tail {
			lines = lines[1:]
		}
	}
	return lines, sc.Err()
}
