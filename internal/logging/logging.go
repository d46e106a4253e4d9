// Package logging builds the process-wide zap logger. Output goes to a
// size-rotated file and to stderr. The file writer is wrapped in a
// buffered syncer with a background flusher so log I/O never runs on a
// pipeline worker's goroutine.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logFileName   = "widesky.log"
	maxSizeMB     = 5
	maxBackups    = 3
	flushInterval = time.Second
)

// New creates the logger writing to dir/widesky.log. The returned
// cleanup function flushes and closes the file writer; call it last
// during shutdown.
func New(dir string) (*zap.Logger, func(), error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("logging: create log dir %s: %w", dir, err)
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(dir, logFileName),
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
	}

	// Buffered syncer: workers append to an in-memory buffer, a
	// dedicated goroutine flushes to the rotating file.
	fileSync := &zapcore.BufferedWriteSyncer{
		WS:            zapcore.AddSync(rotator),
		FlushInterval: flushInterval,
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	core := zapcore.NewTee(
		zapcore.NewCore(enc, fileSync, zapcore.InfoLevel),
		zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zapcore.InfoLevel),
	)

	logger := zap.New(core)
	cleanup := func() {
		_ = logger.Sync()
		_ = fileSync.Stop()
		_ = rotator.Close()
	}
	return logger, cleanup, nil
}
