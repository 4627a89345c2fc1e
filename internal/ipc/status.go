package ipc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

const statusFile = "status.json"

// StatusSnapshot is the daemon state published for attendrec-ctl.
type StatusSnapshot struct {
	Recording     bool      `json:"recording"`
	FilePath      string    `json:"filePath,omitempty"` // current segment, or last closed one when idle
	SessionID     string    `json:"session_id,omitempty"`
	State         string    `json:"state"`
	Source        string    `json:"capture_source,omitempty"`
	Segments      int       `json:"segments_closed"`
	FailedUploads []string  `json:"failed_uploads,omitempty"`
	Configured    bool      `json:"upload_configured"`
	ControlLinked bool      `json:"control_connected"`
	LastAction    string    `json:"last_action,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	PID           int       `json:"pid"`
	Timestamp     time.Time `json:"timestamp"`
}

// StatusPath returns the status file location under stateDir.
func StatusPath(stateDir string) string {
	return filepath.Join(stateDir, statusFile)
}

// WriteStatus persists status to <stateDir>/status.json using atomic write.
func WriteStatus(stateDir string, status *StatusSnapshot) error {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return err
	}
	return atomicWriteJSON(StatusPath(stateDir), status)
}

// ReadStatus loads the StatusSnapshot from <stateDir>/status.json.
func ReadStatus(stateDir string) (*StatusSnapshot, error) {
	data, err := os.ReadFile(StatusPath(stateDir))
	if err != nil {
		return nil, err
	}

	var status StatusSnapshot
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// atomicWriteJSON writes data to a file atomically using temp file + rename
func atomicWriteJSON(path string, data interface{}) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "status-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return err
	}

	if err := tmpFile.Sync(); err != nil {
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	tmpFile = nil // Prevent defer cleanup

	return os.Rename(tmpPath, path)
}
