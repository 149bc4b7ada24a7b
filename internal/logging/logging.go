// Package logging builds the *log.Logger instances injected into every
// component. When a log file is configured, output goes to a size-rotated
// file and stderr; otherwise stderr only.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rosterd/rosterd/internal/config"
)

// New returns a logger with the given prefix writing per cfg.
func New(cfg config.LogConfig, prefix string) *log.Logger {
	return log.New(writer(cfg), prefix, log.LstdFlags)
}

func writer(cfg config.LogConfig) io.Writer {
	if cfg.File == "" {
		return os.Stderr
	}
	rotated := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	return io.MultiWriter(os.Stderr, rotated)
}
