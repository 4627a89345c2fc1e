package main

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logMaxSizeMB  = 10
	logMaxBackups = 3

	outLogName = appName + ".out.log"
	errLogName = appName + ".err.log"
)

func daemonLogPaths(logDir string) []string {
	return []string{filepath.Join(logDir, outLogName), filepath.Join(logDir, errLogName)}
}

// initLogging builds the daemon logger: info and above go to
// attendrec-core.out.log, errors additionally to attendrec-core.err.log.
// Both files are size-rotated.
func initLogging(logDir string) (*zap.SugaredLogger, func(), error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, err
	}

	outFile := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, outLogName),
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
	}
	errFile := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, errLogName),
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
	}

	core := zapcore.NewTee(
		zapcore.NewCore(newEncoder(), zapcore.AddSync(outFile), zapcore.InfoLevel),
		zapcore.NewCore(newEncoder(), zapcore.AddSync(errFile), zapcore.ErrorLevel),
	)
	logger := zap.New(core).Named(appName).Sugar()

	closeFn := func() {
		_ = logger.Sync()
		_ = outFile.Close()
		_ = errFile.Close()
	}
	return logger, closeFn, nil
}

func newEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.ConsoleSeparator = " "
	return zapcore.NewConsoleEncoder(cfg)
}
