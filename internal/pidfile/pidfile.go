// Package pidfile keeps a single recorder daemon per state directory. Two
// daemons would contend for the same capture device, so the second one
// refuses to start.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning is matched by *AlreadyRunningError.
var ErrAlreadyRunning = errors.New("pidfile: another instance is already running")

// AlreadyRunningError names the live process holding the PID file.
type AlreadyRunningError struct {
	PID int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("another instance is already running (PID %d)", e.PID)
}

func (e *AlreadyRunningError) Is(target error) bool { return target == ErrAlreadyRunning }

// PIDFile is an acquired PID file.
type PIDFile struct {
	path string
	pid  int
}

// New writes the current PID to path. It fails with *AlreadyRunningError
// when the file names a live process; stale files are replaced.
func New(path string) (*PIDFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create PID directory: %w", err)
	}

	if existingPID, err := ReadPID(path); err == nil {
		if isProcessRunning(existingPID) {
			return nil, &AlreadyRunningError{PID: existingPID}
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}

	currentPID := os.Getpid()
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", currentPID)), 0644); err != nil {
		return nil, fmt.Errorf("failed to write PID file: %w", err)
	}

	return &PIDFile{path: path, pid: currentPID}, nil
}

// Remove deletes the file if it still holds our PID.
func (p *PIDFile) Remove() error {
	if p == nil {
		return nil
	}
	if pid, err := ReadPID(p.path); err == nil && pid == p.pid {
		return os.Remove(p.path)
	}
	return nil
}

// ReadPID parses the PID stored at path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file %s: %w", path, err)
	}
	return pid, nil
}

// Running reports the PID of a live daemon recorded at path, if any.
func Running(path string) (int, bool) {
	pid, err := ReadPID(path)
	if err != nil || !isProcessRunning(pid) {
		return 0, false
	}
	return pid, true
}

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, syscall.EPERM) {
		// Exists but owned by someone else.
		return true
	}
	return false
}

// Path returns the PID file location for appName under stateDir.
func Path(stateDir, appName string) string {
	return filepath.Join(stateDir, appName+".pid")
}
