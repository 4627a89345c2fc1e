package ipc

import (
	"context"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tiroq/attendrec/internal/diaglog"
)

// Handler receives each command picked up from the command file.
type Handler func(ctx context.Context, cmd Command)

// Watcher monitors <stateDir>/cmd.txt with fsnotify and a polling fallback.
type Watcher struct {
	stateDir     string
	handle       Handler
	pollInterval time.Duration
	settle       time.Duration
	logger       *diaglog.Logger
}

// NewWatcher returns a Watcher polling at 1s when fsnotify is quiet or
// unavailable.
func NewWatcher(stateDir string, handle Handler) *Watcher {
	return &Watcher{
		stateDir:     stateDir,
		handle:       handle,
		pollInterval: time.Second,
		settle:       50 * time.Millisecond,
	}
}

// SetLogger injects a diaglog.Logger.
func (w *Watcher) SetLogger(l *diaglog.Logger) { w.logger = l }

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.stateDir, 0755); err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.warn("fsnotify_unavailable", err)
		return w.poll(ctx)
	}
	defer fw.Close()

	if err := fw.Add(w.stateDir); err != nil {
		w.warn("watch_failed", err)
		return w.poll(ctx)
	}

	cmdPath := CommandPath(w.stateDir)
	pollTicker := time.NewTicker(w.pollInterval)
	defer pollTicker.Stop()

	// A command written before Run started is still honoured.
	lastCheck := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return w.poll(ctx)
			}
			if event.Name == cmdPath && event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.dispatch(ctx, event.Op.String())
				lastCheck = time.Now()
			}

		case <-pollTicker.C:
			if w.modifiedSince(lastCheck) {
				w.dispatch(ctx, "poll")
				lastCheck = time.Now()
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return w.poll(ctx)
			}
			w.warn("watch_error", err)
		}
	}
}

// poll is the pure polling fallback.
func (w *Watcher) poll(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	lastCheck := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if w.modifiedSince(lastCheck) {
				w.dispatch(ctx, "poll")
				lastCheck = time.Now()
			}
		}
	}
}

func (w *Watcher) modifiedSince(t time.Time) bool {
	info, err := os.Stat(CommandPath(w.stateDir))
	if err != nil {
		return false
	}
	return info.Size() > 0 && info.ModTime().After(t)
}

func (w *Watcher) dispatch(ctx context.Context, via string) {
	// Small delay to ensure write is complete
	time.Sleep(w.settle)

	cmd, err := ReadCommand(w.stateDir)
	if err != nil {
		w.warn("read_failed", err)
		return
	}
	if cmd == "" {
		return
	}
	w.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentIPC,
		Event:     diaglog.EventCommandReceived,
		Payload:   map[string]interface{}{"command": string(cmd), "via": via},
	})
	w.handle(ctx, cmd)
}

func (w *Watcher) warn(reason string, err error) {
	w.logger.Log(diaglog.LogEntry{
		Level:     diaglog.LevelWarn,
		Component: diaglog.ComponentIPC,
		Event:     diaglog.EventCommandReceived,
		Reason:    reason,
		Payload:   map[string]interface{}{"error": err.Error()},
	})
}
