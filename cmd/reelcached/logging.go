package main

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/arsfeld/reelcached/cfg"
	"github.com/arsfeld/reelcached/internal/obslog"
)

func severityLevel(s cfg.LogSeverity) slog.Level {
	switch s {
	case cfg.TraceLogSeverity:
		return slog.LevelDebug - 4
	case cfg.DebugLogSeverity:
		return slog.LevelDebug
	case cfg.WarningLogSeverity:
		return slog.LevelWarn
	case cfg.ErrorLogSeverity:
		return slog.LevelError
	case cfg.OffLogSeverity:
		return slog.LevelError + 100
	default:
		return slog.LevelInfo
	}
}

// newLogger builds the process-level logger: a size/age-rotated
// lumberjack sink (or stderr when no file path is configured) behind a
// text or JSON handler, with obslog's per-component filter layered on top
// so individual components can be turned up without restarting. The
// returned handler is kept so a config hot-reload can set each known
// component's level in place.
func newLogger(c cfg.LoggingConfig) (*slog.Logger, *obslog.ComponentFilterHandler) {
	var out io.Writer = os.Stderr
	if c.FilePath != "" {
		out = &lumberjack.Logger{
			Filename:   c.FilePath,
			MaxSize:    c.LogRotate.MaxFileSizeMB,
			MaxBackups: c.LogRotate.BackupFileCount,
			Compress:   c.LogRotate.Compress,
		}
	}

	level := severityLevel(c.Severity)
	opts := &slog.HandlerOptions{Level: level}

	var base slog.Handler
	if c.Format == cfg.LogFormatJSON {
		base = slog.NewJSONHandler(out, opts)
	} else {
		base = slog.NewTextHandler(out, opts)
	}

	filter := obslog.NewComponentFilterHandler(base, level)
	return slog.New(filter), filter
}
