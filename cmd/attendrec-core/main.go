package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tiroq/attendrec/internal/capture"
	"github.com/tiroq/attendrec/internal/config"
	"github.com/tiroq/attendrec/internal/controller"
	"github.com/tiroq/attendrec/internal/ctlws"
	"github.com/tiroq/attendrec/internal/diaglog"
	"github.com/tiroq/attendrec/internal/ipc"
	"github.com/tiroq/attendrec/internal/observe"
	"github.com/tiroq/attendrec/internal/pidfile"
	"github.com/tiroq/attendrec/internal/segment"
	"github.com/tiroq/attendrec/internal/upload"
	"github.com/tiroq/attendrec/internal/validation"
)

const appName = "attendrec-core"

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--export-diag":
			os.Exit(exportDiag("."))
		case "--version":
			fmt.Println(appName, Version)
			return
		}
	}
	os.Exit(run())
}

// exportDiag bundles the diagnostic log of the configured log_dir together
// with the daemon logs and the last published status into dest.
func exportDiag(dest string) int {
	cfgPath := config.DefaultPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}

	logPath := diagLogPath(cfg.Storage.LogDir)
	diaglog.Version = Version
	path, n, err := diaglog.Export(diaglog.ExportOptions{
		LogPath:          logPath,
		Dest:             dest,
		ConfigPath:       cfgPath,
		RotationInterval: cfg.Session.RotationInterval,
		StatusPath:       ipc.StatusPath(cfg.Storage.StateDir),
		DaemonLogs:       daemonLogPaths(cfg.Storage.LogDir),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "hint: the daemon writes %s once it has run; check storage.log_dir or ATTENDREC_LOG_PATH\n", logPath)
			return 1
		}
		return 2
	}
	fmt.Printf("Wrote: %s (%d lines)\n", path, n)
	return 0
}

func diagLogPath(logDir string) string {
	if p := os.Getenv("ATTENDREC_LOG_PATH"); p != "" {
		return p
	}
	return filepath.Join(logDir, "attendrec-debug.log")
}

func run() (code int) {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	log, closeLog, err := initLogging(cfg.Storage.LogDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		return 1
	}
	defer closeLog()

	// Recover from any panics and log them
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "PANIC in %s: %v\n", appName, r)
			log.Errorf("PANIC: %v", r)
			code = 1
		}
	}()

	log.Info("===========================================")
	log.Infof("Starting Attendrec Core v%s...", Version)
	log.Infof("PID: %d", os.Getpid())
	log.Info("===========================================")

	pidPath := pidfile.Path(cfg.Storage.StateDir, appName)
	pf, err := pidfile.New(pidPath)
	if err != nil {
		log.Errorf("[STARTUP] Failed to create PID file: %v", err)
		if errors.Is(err, pidfile.ErrAlreadyRunning) {
			log.Errorf("[STARTUP] Another instance holds the capture device. If none is running, remove: %s", pidPath)
		}
		return 1
	}
	defer func() {
		if err := pf.Remove(); err != nil {
			log.Warnf("[SHUTDOWN] failed to remove PID file: %v", err)
		}
	}()

	diaglog.Version = Version
	diagPath := diagLogPath(cfg.Storage.LogDir)
	diagLogger, err := diaglog.New(diagPath)
	if err != nil {
		log.Warnf("[STARTUP] could not open diagnostic log at %s: %v (continuing)", diagPath, err)
		diagLogger = diaglog.NewNoOp()
	}
	defer func() { _ = diagLogger.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: appName, ServiceVersion: Version})
	if err != nil {
		log.Errorf("[STARTUP] metrics provider: %v", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(sctx)
	}()

	d, err := newDaemon(cfg, log, diagLogger, observe.DefaultMetrics())
	if err != nil {
		log.Errorf("[STARTUP] %v", err)
		return 1
	}
	log.Infof("[STARTUP] segments in %s, rotation every %s, sources %v",
		cfg.Storage.SegmentDir, cfg.Session.RotationInterval, cfg.CaptureSources())

	cctx, ccancel := context.WithTimeout(ctx, 5*time.Second)
	check := validation.CheckFFmpeg(cctx, cfg.Capture.FFmpeg, capture.DefaultProfile.Codec)
	ccancel()
	if check.OK {
		log.Infof("[STARTUP] %s", check.Message)
	} else {
		// Start will fail until this is fixed; keep serving control and retries.
		log.Warnf("[STARTUP] %s", check.Message)
		for _, fix := range check.Fixes {
			log.Warnf("[STARTUP]   fix: %s", fix)
		}
	}
	for _, w := range check.Warnings {
		log.Warnf("[STARTUP] %s", w)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.quit = cancel

	g, gctx := errgroup.WithContext(ctx)

	watcher := ipc.NewWatcher(cfg.Storage.StateDir, d.handleCommand)
	watcher.SetLogger(diagLogger)
	g.Go(func() error { return watcher.Run(gctx) })
	log.Infof("[STARTUP] Command watcher on %s", ipc.CommandPath(cfg.Storage.StateDir))

	if cfg.Control.Enabled {
		ws := ctlws.NewClient(ctlws.Config{URL: cfg.Control.URL, Token: cfg.Upload.Token}, d.ctrl)
		ws.SetLogger(diagLogger)
		d.ws = ws
		g.Go(func() error { return ws.Run(gctx) })
		log.Infof("[STARTUP] Control channel %s", cfg.Control.URL)
	}

	if cfg.Observe.ListenAddr != "" {
		srv := d.httpServer(cfg.Observe.ListenAddr)
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
		log.Infof("[STARTUP] Health and metrics on http://%s", cfg.Observe.ListenAddr)
	}

	d.publish("startup")
	log.Info("[STARTUP] Ready")

	if err := g.Wait(); err != nil {
		log.Errorf("[SHUTDOWN] %v", err)
		code = 1
	}

	log.Info("[SHUTDOWN] Stopping recording and draining uploads...")
	sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer scancel()
	if err := d.ctrl.Shutdown(sctx); err != nil {
		log.Warnf("[SHUTDOWN] stop: %v", err)
	}
	d.publish("shutdown")
	log.Info("[SHUTDOWN] Done")
	return code
}

// newDaemon builds the recorder stack from cfg.
func newDaemon(cfg *config.Config, log *zap.SugaredLogger, diag *diaglog.Logger, metrics *observe.Metrics) (*daemon, error) {
	if err := os.MkdirAll(cfg.Storage.SegmentDir, 0755); err != nil {
		return nil, fmt.Errorf("create segment dir: %w", err)
	}

	device := capture.NewFFmpegDevice(cfg.FFmpegConfig())
	store := segment.NewStore(cfg.Storage.SegmentDir, capture.DefaultProfile.Ext, nil)

	uploader := upload.NewUploader(upload.Config{
		Timeout:       cfg.Upload.Timeout,
		MaxConcurrent: cfg.Upload.MaxConcurrent,
		ContentType:   capture.DefaultProfile.ContentType,
	}, metrics)
	uploader.SetLogger(diag)

	var uploads controller.Uploads = uploader
	if cfg.Upload.Retry.MaxAttempts > 1 {
		r := upload.NewRetrier(uploader, upload.RetryPolicy{
			MaxAttempts: cfg.Upload.Retry.MaxAttempts,
			BaseDelay:   cfg.Upload.Retry.BaseDelay,
			MaxDelay:    cfg.Upload.Retry.MaxDelay,
		})
		r.SetLogger(diag)
		uploads = r
	}

	ctrl := controller.New(controller.Options{
		RotationInterval: cfg.Session.RotationInterval,
		Sources:          cfg.CaptureSources(),
		ContentType:      capture.DefaultProfile.ContentType,
		Version:          Version,
	}, controller.Deps{
		Device:   device,
		Store:    store,
		Uploader: uploader,
		Uploads:  uploads,
		Metrics:  metrics,
	})
	ctrl.SetLogger(diag)

	if cfg.Upload.Endpoint != "" {
		if err := ctrl.Configure(cfg.Upload.Endpoint, cfg.Upload.Token); err != nil {
			return nil, err
		}
	}

	d := &daemon{
		cfg:    cfg,
		ctrl:   ctrl,
		log:    log,
		diag:   diag,
		ffmpeg: cfg.Capture.FFmpeg,
	}
	ctrl.OnChange(func(controller.Status) { d.publish("") })
	return d, nil
}

func (d *daemon) httpServer(addr string) *http.Server {
	health := observe.NewHealth(
		observe.Checker{Name: "segment_dir", Check: func(context.Context) error {
			return checkWritable(d.cfg.Storage.SegmentDir)
		}},
		observe.Checker{Name: "ffmpeg", Check: func(ctx context.Context) error {
			return validation.CheckFFmpeg(ctx, d.ffmpeg, capture.DefaultProfile.Codec).Err()
		}},
	)
	mux := http.NewServeMux()
	health.Register(mux)
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".attendrec-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
