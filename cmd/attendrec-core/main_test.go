package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tiroq/attendrec/internal/capture"
	"github.com/tiroq/attendrec/internal/config"
	"github.com/tiroq/attendrec/internal/controller"
	"github.com/tiroq/attendrec/internal/diaglog"
	"github.com/tiroq/attendrec/internal/ipc"
	"github.com/tiroq/attendrec/internal/segment"
	"github.com/tiroq/attendrec/internal/upload"
	"github.com/tiroq/attendrec/testutil"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Storage.SegmentDir = filepath.Join(root, "segments")
	cfg.Storage.StateDir = filepath.Join(root, "state")
	cfg.Storage.LogDir = filepath.Join(root, "logs")
	return cfg
}

// newTestDaemon wires a daemon around a fake capture device.
func newTestDaemon(t *testing.T) (*daemon, *observer.ObservedLogs) {
	t.Helper()
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.Storage.SegmentDir, 0755); err != nil {
		t.Fatal(err)
	}
	core, logs := observer.New(zapcore.InfoLevel)

	up := upload.NewUploader(upload.Config{}, nil)
	ctrl := controller.New(controller.Options{}, controller.Deps{
		Device:   testutil.NewFakeDevice(),
		Store:    segment.NewStore(cfg.Storage.SegmentDir, capture.DefaultProfile.Ext, nil),
		Uploader: up,
	})
	d := &daemon{cfg: cfg, ctrl: ctrl, log: zap.New(core).Sugar(), diag: diaglog.NewNoOp()}
	ctrl.OnChange(func(controller.Status) { d.publish("") })
	t.Cleanup(func() { _ = ctrl.Shutdown(context.Background()) })
	return d, logs
}

func readStatus(t *testing.T, d *daemon) *ipc.StatusSnapshot {
	t.Helper()
	st, err := ipc.ReadStatus(d.cfg.Storage.StateDir)
	testutil.AssertNoError(t, err, "read status.json")
	return st
}

func TestHandleCommandLifecycle(t *testing.T) {
	d, logs := newTestDaemon(t)
	ctx := context.Background()

	d.handleCommand(ctx, ipc.CmdStart)
	st := readStatus(t, d)
	testutil.AssertTrue(t, st.Recording, "recording after start")
	testutil.AssertEqual(t, "start", st.LastAction, "last action")
	first := st.FilePath

	d.handleCommand(ctx, ipc.CmdRotate)
	st = readStatus(t, d)
	testutil.AssertTrue(t, st.Recording, "still recording after rotate")
	testutil.AssertTrue(t, st.FilePath != first, "rotate opens a new segment")

	d.handleCommand(ctx, ipc.CmdStop)
	d.ctrl.Wait()
	st = readStatus(t, d)
	testutil.AssertFalse(t, st.Recording, "not recording after stop")
	testutil.AssertEqual(t, 2, st.Segments, "segments closed")
	testutil.AssertEqual(t, 2, len(st.FailedUploads), "unconfigured uploads are failed")
	testutil.AssertEqual(t, os.Getpid(), st.PID, "pid")

	testutil.AssertEqual(t, 3, logs.FilterMessageSnippet("Received command").Len(), "command log lines")
}

func TestHandleCommandRetryAndQuit(t *testing.T) {
	d, logs := newTestDaemon(t)
	ctx := context.Background()
	d.handleCommand(ctx, ipc.CmdStart)
	d.handleCommand(ctx, ipc.CmdStop)
	d.ctrl.Wait()

	d.handleCommand(ctx, ipc.CmdRetry)
	d.ctrl.Wait()
	testutil.AssertEqual(t, 1, logs.FilterMessageSnippet("resubmitted 1 failed uploads").Len(), "retry log")
	testutil.AssertEqual(t, "retry", readStatus(t, d).LastAction, "last action")

	quitCtx, cancel := context.WithCancel(ctx)
	d.quit = cancel
	d.handleCommand(ctx, ipc.CmdQuit)
	select {
	case <-quitCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("quit should cancel the daemon context")
	}
}

func TestStartFailureIsLogged(t *testing.T) {
	d, logs := newTestDaemon(t)
	dev := testutil.NewFakeDevice()
	for _, s := range capture.DefaultSources {
		dev.Reject[s] = true
	}
	d.ctrl = controller.New(controller.Options{}, controller.Deps{
		Device:   dev,
		Store:    segment.NewStore(d.cfg.Storage.SegmentDir, ".mp4", nil),
		Uploader: upload.NewUploader(upload.Config{}, nil),
	})
	d.ctrl.OnChange(func(controller.Status) { d.publish("") })

	d.handleCommand(context.Background(), ipc.CmdStart)

	errs := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	testutil.AssertEqual(t, 1, len(errs), "error lines")
	testutil.AssertStringContains(t, errs[0].Message, "could not acquire microphone", "error message")
	testutil.AssertStringContains(t, readStatus(t, d).LastError, "could not acquire microphone", "status last_error")
}

func TestNewDaemonWiresRetrier(t *testing.T) {
	cfg := testConfig(t)
	cfg.Upload.Endpoint = "https://api.example.com"
	cfg.Upload.Token = "tok"
	cfg.Upload.Retry.MaxAttempts = 3

	d, err := newDaemon(cfg, zap.NewNop().Sugar(), diaglog.NewNoOp(), nil)
	testutil.AssertNoError(t, err, "newDaemon")
	testutil.AssertTrue(t, d.ctrl.Status().UploadConfigured, "endpoint from config applied")

	_, err = os.Stat(cfg.Storage.SegmentDir)
	testutil.AssertNoError(t, err, "segment dir created")
}

func TestNewDaemonRejectsBadEndpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Upload.Endpoint = "api.example.com"
	_, err := newDaemon(cfg, zap.NewNop().Sugar(), diaglog.NewNoOp(), nil)
	testutil.AssertErrorContains(t, err, "absolute http or https URL", "bad endpoint")
}

func TestReadinessReportsMissingFFmpeg(t *testing.T) {
	d, _ := newTestDaemon(t)
	d.ffmpeg = filepath.Join(t.TempDir(), "no-such-ffmpeg")
	srv := d.httpServer("127.0.0.1:0")

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	testutil.AssertEqual(t, http.StatusServiceUnavailable, rec.Code, "readyz status")
	testutil.AssertStringContains(t, rec.Body.String(), "ffmpeg", "failing check named")

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	testutil.AssertEqual(t, http.StatusOK, rec.Code, "healthz status")
}

func TestInitLoggingSplitsLevels(t *testing.T) {
	dir := t.TempDir()
	log, closeLog, err := initLogging(dir)
	testutil.AssertNoError(t, err, "initLogging")
	log.Info("[STARTUP] hello")
	log.Error("[STARTUP] broken")
	closeLog()

	out, _ := os.ReadFile(filepath.Join(dir, "attendrec-core.out.log"))
	errOut, _ := os.ReadFile(filepath.Join(dir, "attendrec-core.err.log"))
	testutil.AssertStringContains(t, string(out), "[STARTUP] hello", "out log")
	testutil.AssertStringContains(t, string(out), "[STARTUP] broken", "out log has errors too")
	testutil.AssertStringContains(t, string(errOut), "[STARTUP] broken", "err log")
	testutil.AssertFalse(t, strings.Contains(string(errOut), "hello"), "err log must not have info lines")
}

func TestExportDiagUsesConfiguredLogDir(t *testing.T) {
	root := t.TempDir()
	logDir := filepath.Join(root, "var-log")
	stateDir := filepath.Join(root, "state")
	testutil.AssertNoError(t, os.MkdirAll(logDir, 0755), "mkdir log dir")

	cfgPath := filepath.Join(root, "config.yaml")
	yaml := "storage:\n" +
		"  segment_dir: " + filepath.Join(root, "segments") + "\n" +
		"  state_dir: " + stateDir + "\n" +
		"  log_dir: " + logDir + "\n" +
		"session:\n  rotation_interval: 45s\n"
	testutil.AssertNoError(t, os.WriteFile(cfgPath, []byte(yaml), 0644), "write config")
	t.Setenv("ATTENDREC_CONFIG", cfgPath)
	t.Setenv("ATTENDREC_LOG_PATH", "")
	t.Setenv("ATTENDREC_STORAGE_DIR", "")
	t.Setenv("ATTENDREC_ROTATION_INTERVAL", "")

	diag, err := diaglog.New(filepath.Join(logDir, "attendrec-debug.log"))
	testutil.AssertNoError(t, err, "open diag log")
	diag.Log(diaglog.LogEntry{Component: diaglog.ComponentCore, Event: diaglog.EventCommandReceived})
	testutil.AssertNoError(t, diag.Close(), "close diag log")
	testutil.AssertNoError(t, os.WriteFile(filepath.Join(logDir, outLogName), []byte("INFO [STARTUP] Ready\n"), 0644), "write out log")
	testutil.AssertNoError(t, ipc.WriteStatus(stateDir, &ipc.StatusSnapshot{Recording: true, State: "recording"}), "write status")

	dest := t.TempDir()
	testutil.AssertEqual(t, 0, exportDiag(dest), "exit code")

	bundles, err := filepath.Glob(filepath.Join(dest, "attendrec-diag-*.ndjson"))
	testutil.AssertNoError(t, err, "glob")
	if len(bundles) != 1 {
		t.Fatalf("bundles = %v, want one", bundles)
	}
	entries := testutil.ReadNDJSON(t, bundles[0])
	if len(entries) != 3 {
		t.Fatalf("bundle has %d lines, want header + diag entry + out log line", len(entries))
	}
	header := entries[0]
	testutil.AssertEqual(t, filepath.Join(logDir, "attendrec-debug.log"), header["log_file"], "log_file")
	testutil.AssertEqual(t, cfgPath, header["config_path"], "config_path")
	testutil.AssertEqual(t, "45s", header["rotation_interval"], "rotation_interval")
	status, ok := header["status"].(map[string]interface{})
	testutil.AssertTrue(t, ok && status["recording"] == true, "status.json embedded")
	testutil.AssertEqual(t, "[STARTUP] Ready", strings.TrimPrefix(entries[2]["line"].(string), "INFO "), "out log tail")
}

func TestExportDiagMissingLog(t *testing.T) {
	root := t.TempDir()
	cfgPath := filepath.Join(root, "config.yaml")
	testutil.AssertNoError(t, os.WriteFile(cfgPath, []byte("storage:\n  log_dir: "+filepath.Join(root, "logs")+"\n"), 0644), "write config")
	t.Setenv("ATTENDREC_CONFIG", cfgPath)
	t.Setenv("ATTENDREC_LOG_PATH", "")

	testutil.AssertEqual(t, 1, exportDiag(t.TempDir()), "exit code")
}
