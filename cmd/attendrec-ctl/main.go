package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/tiroq/attendrec/internal/config"
	"github.com/tiroq/attendrec/internal/ipc"
	"github.com/tiroq/attendrec/internal/pidfile"
)

const usage = `usage: attendrec-ctl <command>

commands:
  start    start recording
  stop     stop recording
  rotate   close the current segment and open the next
  retry    resubmit every failed upload
  quit     shut the daemon down
  status   print the daemon status`

const coreName = "attendrec-core"

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	os.Exit(run(os.Args[1:], cfg.Storage.StateDir, os.Stdout, os.Stderr))
}

func run(args []string, stateDir string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, usage)
		return 2
	}

	switch args[0] {
	case "status":
		return printStatus(stateDir, stdout, stderr)
	case "--version", "version":
		fmt.Fprintln(stdout, "attendrec-ctl", Version)
		return 0
	case "-h", "--help", "help":
		fmt.Fprintln(stdout, usage)
		return 0
	}

	cmd := ipc.ParseCommand(args[0])
	if cmd == "" {
		fmt.Fprintf(stderr, "unknown command %q\n\n%s\n", args[0], usage)
		return 2
	}
	if _, ok := pidfile.Running(pidfile.Path(stateDir, coreName)); !ok {
		fmt.Fprintf(stderr, "%s is not running\n", coreName)
		return 1
	}
	if err := ipc.WriteCommand(stateDir, cmd); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	fmt.Fprintf(stdout, "sent %s\n", cmd)
	return 0
}

func printStatus(stateDir string, stdout, stderr io.Writer) int {
	pid, running := pidfile.Running(pidfile.Path(stateDir, coreName))
	st, err := ipc.ReadStatus(stateDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(stderr, "no status published yet (%s running: %t)\n", coreName, running)
			return 1
		}
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}

	daemon := "stopped"
	if running {
		daemon = fmt.Sprintf("running (pid %d)", pid)
	}
	fmt.Fprintf(stdout, "daemon:      %s\n", daemon)
	fmt.Fprintf(stdout, "recording:   %t\n", st.Recording)
	fmt.Fprintf(stdout, "state:       %s\n", st.State)
	if st.FilePath != "" {
		fmt.Fprintf(stdout, "file:        %s\n", st.FilePath)
	}
	if st.Source != "" {
		fmt.Fprintf(stdout, "source:      %s\n", st.Source)
	}
	fmt.Fprintf(stdout, "segments:    %d\n", st.Segments)
	fmt.Fprintf(stdout, "uploads:     configured=%t failed=%d\n", st.Configured, len(st.FailedUploads))
	for _, p := range st.FailedUploads {
		fmt.Fprintf(stdout, "  failed:    %s\n", p)
	}
	fmt.Fprintf(stdout, "control:     connected=%t\n", st.ControlLinked)
	if st.LastAction != "" {
		fmt.Fprintf(stdout, "last action: %s\n", st.LastAction)
	}
	if st.LastError != "" {
		fmt.Fprintf(stdout, "last error:  %s\n", strings.TrimSpace(st.LastError))
	}
	fmt.Fprintf(stdout, "updated:     %s\n", st.Timestamp.Format(time.RFC3339))
	return 0
}
