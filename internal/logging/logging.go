// Package logging builds the process logger.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the logger's level, encoding and destination.
type Config struct {
	// Verbose enables debug level, which includes per-session failures.
	Verbose bool
	// Format is "console" or "json".
	Format string
	// File, if set, is a path written through a rotating logger. Empty
	// means stderr.
	File string

	// Rotation limits; zero values take lumberjack's defaults.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds a zap.Logger from cfg, installs it as the global logger, and
// redirects the stdlib log package into it. The returned func undoes the
// global hooks and flushes the logger.
func New(cfg Config) (*zap.Logger, func(), error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if cfg.Verbose {
		level.SetLevel(zap.DebugLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "", "console":
		encoder = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	ws := zapcore.Lock(os.Stderr)
	var rotator *lumberjack.Logger
	if cfg.File != "" {
		if dir := filepath.Dir(cfg.File); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("log directory: %w", err)
			}
		}
		rotator = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		ws = zapcore.AddSync(rotator)
	}

	logger := zap.New(zapcore.NewCore(encoder, ws, level),
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	)

	undoGlobals := zap.ReplaceGlobals(logger)
	undoStdLog, err := zap.RedirectStdLogAt(logger, zap.InfoLevel)
	if err != nil {
		undoGlobals()
		return nil, nil, fmt.Errorf("redirect std log: %w", err)
	}

	closeFn := func() {
		_ = logger.Sync()
		undoStdLog()
		undoGlobals()
		if rotator != nil {
			_ = rotator.Close()
		}
	}
	return logger, closeFn, nil
}
