package ipc

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWriteAndReadCommand(t *testing.T) {
	dir := t.TempDir()

	if err := WriteCommand(dir, CmdRotate); err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}
	cmd, err := ReadCommand(dir)
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}
	if cmd != CmdRotate {
		t.Errorf("got %q, want %q", cmd, CmdRotate)
	}

	// The file is cleared so the command is not executed twice.
	cmd, err = ReadCommand(dir)
	if err != nil {
		t.Fatalf("second ReadCommand: %v", err)
	}
	if cmd != "" {
		t.Errorf("second read = %q, want empty", cmd)
	}
}

func TestReadCommandMissingFile(t *testing.T) {
	cmd, err := ReadCommand(t.TempDir())
	if err != nil || cmd != "" {
		t.Errorf("got (%q, %v), want empty and nil", cmd, err)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want Command
	}{
		{"start", CmdStart},
		{" STOP\n", CmdStop},
		{"rotate", CmdRotate},
		{"retry", CmdRetry},
		{"quit", CmdQuit},
		{"toggle", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ParseCommand(tt.in); got != tt.want {
			t.Errorf("ParseCommand(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStatusRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	in := &StatusSnapshot{
		Recording:     true,
		FilePath:      "/data/recording_20260101_100000.mp4",
		SessionID:     "abc",
		State:         "recording",
		FailedUploads: []string{"/data/recording_20260101_095940.mp4"},
		Timestamp:     time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := WriteStatus(dir, in); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}
	out, err := ReadStatus(dir)
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if !out.Recording || out.FilePath != in.FilePath || out.SessionID != "abc" {
		t.Errorf("status = %+v", out)
	}
	if len(out.FailedUploads) != 1 {
		t.Errorf("failed uploads = %v", out.FailedUploads)
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("state dir has %d entries, want 1", len(entries))
	}
}

type received struct {
	mu   sync.Mutex
	cmds []Command
}

func (r *received) handle(_ context.Context, cmd Command) {
	r.mu.Lock()
	r.cmds = append(r.cmds, cmd)
	r.mu.Unlock()
}

func (r *received) snapshot() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.cmds...)
}

func waitForCommands(t *testing.T, r *received, n int) []Command {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d commands, got %v", n, r.snapshot())
	return nil
}

func TestWatcherDispatchesCommands(t *testing.T) {
	dir := t.TempDir()
	r := &received{}
	w := NewWatcher(dir, r.handle)
	w.pollInterval = 20 * time.Millisecond
	w.settle = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	if err := WriteCommand(dir, CmdStart); err != nil {
		t.Fatal(err)
	}
	waitForCommands(t, r, 1)

	if err := WriteCommand(dir, CmdStop); err != nil {
		t.Fatal(err)
	}
	got := waitForCommands(t, r, 2)
	if got[0] != CmdStart || got[1] != CmdStop {
		t.Errorf("commands = %v, want [start stop]", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}

func TestWatcherPicksUpPendingCommand(t *testing.T) {
	dir := t.TempDir()
	if err := WriteCommand(dir, CmdRetry); err != nil {
		t.Fatal(err)
	}

	r := &received{}
	w := NewWatcher(dir, r.handle)
	w.pollInterval = 20 * time.Millisecond
	w.settle = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	got := waitForCommands(t, r, 1)
	if got[0] != CmdRetry {
		t.Errorf("command = %q, want retry", got[0])
	}
}

func TestPollFallbackDispatches(t *testing.T) {
	dir := t.TempDir()
	r := &received{}
	w := NewWatcher(dir, r.handle)
	w.pollInterval = 20 * time.Millisecond
	w.settle = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.poll(ctx) }()

	if err := WriteCommand(dir, CmdQuit); err != nil {
		t.Fatal(err)
	}
	if got := waitForCommands(t, r, 1); got[0] != CmdQuit {
		t.Errorf("command = %q, want quit", got[0])
	}
}
