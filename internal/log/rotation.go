package log

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultRotationSizeMB = 10
	defaultRotationFiles  = 5
)

type RotationConfig struct {
	File       string
	MaxSizeMB  int
	MaxFiles   int
	MaxAgeDays int
	Compress   bool
}

// NewRotatingWriter opens a size-rotated log file. The file and its
// directory are created owner-only since records may name store keys.
func NewRotatingWriter(cfg RotationConfig) (*lumberjack.Logger, error) {
	if cfg.File == "" {
		return nil, fmt.Errorf("rotation file path must not be empty")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = defaultRotationSizeMB
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = defaultRotationFiles
	}
	if cfg.MaxAgeDays < 0 {
		cfg.MaxAgeDays = 0
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxFiles,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}, nil
}
