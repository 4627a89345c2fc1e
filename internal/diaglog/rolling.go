package diaglog

import (
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxLogSizeMB  = 10
	maxLogBackups = 3
)

// newRollingWriter returns a size-capped writer for path. When the next write
// would exceed maxSizeMB the current file is moved aside and a fresh one is
// started, keeping at most maxLogBackups old files.
func newRollingWriter(path string, maxSizeMB int) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	// Open once so an unwritable path is reported at construction time rather
	// than silently dropped on the first Log call.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	_ = f.Close()

	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxLogBackups,
	}, nil
}
