// Package ipc is the local control channel between attendrec-ctl and the
// daemon: a one-shot command file and an atomically replaced status file,
// both under the daemon's state directory.
package ipc

import (
	"os"
	"path/filepath"
	"strings"
)

// Command is a control request written by attendrec-ctl.
type Command string

const (
	CmdStart  Command = "start"  // Start recording
	CmdStop   Command = "stop"   // Stop recording
	CmdRotate Command = "rotate" // Close the current segment and open the next
	CmdRetry  Command = "retry"  // Resubmit every failed upload
	CmdQuit   Command = "quit"   // Shutdown daemon
)

const commandFile = "cmd.txt"

// CommandPath returns the command file location under stateDir.
func CommandPath(stateDir string) string {
	return filepath.Join(stateDir, commandFile)
}

// ParseCommand validates s. Unknown or empty input yields "".
func ParseCommand(s string) Command {
	cmd := Command(strings.ToLower(strings.TrimSpace(s)))
	switch cmd {
	case CmdStart, CmdStop, CmdRotate, CmdRetry, CmdQuit:
		return cmd
	default:
		return ""
	}
}

// WriteCommand writes cmd to <stateDir>/cmd.txt.
func WriteCommand(stateDir string, cmd Command) error {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(CommandPath(stateDir), []byte(string(cmd)), 0644)
}

// ReadCommand reads and clears <stateDir>/cmd.txt.
// Returns empty string if no command or file doesn't exist
func ReadCommand(stateDir string) (Command, error) {
	cmdPath := CommandPath(stateDir)

	data, err := os.ReadFile(cmdPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	if len(data) == 0 {
		return "", nil
	}

	// Clear the file immediately to prevent re-execution
	if err := os.WriteFile(cmdPath, []byte(""), 0644); err != nil {
		return "", err
	}

	return ParseCommand(string(data)), nil
}
