// Package logging builds the daemon's zap logger. Log entries go to a
// rotated JSON file under <agents_dir>/.daemon/logs/ and, in parallel,
// to an in-process stream hub that backs the /api/logs/stream endpoint.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"signet/internal/config"
)

// New builds the daemon logger from config. It returns the logger, the
// stream hub fed by it, and a flush function for shutdown.
func New(cfg config.LoggingConfig, logPath string) (*zap.Logger, *StreamHub, func(), error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	level := zapcore.InfoLevel
	if err := level.Set(cfg.Level); err != nil && cfg.Level != "" {
		return nil, nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if cfg.Format == "console" {
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	rotator := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}

	hub := NewStreamHub(256)

	fileCore := zapcore.NewCore(enc, zapcore.AddSync(rotator), level)
	// The hub always receives JSON regardless of the file format so SSE
	// consumers get one JSON object per event.
	hubCore := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(hub), level)

	logger := zap.New(zapcore.NewTee(fileCore, hubCore))

	flush := func() {
		_ = logger.Sync()
		_ = rotator.Close()
	}
	return logger, hub, flush, nil
}

// NewTest returns a no-op logger for tests.
func NewTest() *zap.Logger {
	return zap.NewNop()
}
