package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"

	"terrarium-server/internal/config"
)

// New builds the process logger: colored tint output for dev builds, JSON for
// release builds. Release builds also write to a size-rotated cfg.LogFile
// when it is set.
func New(cfg config.Config, version string, appName string) *slog.Logger {
	return newWithWriter(cfg, version, appName, os.Stdout)
}

func newWithWriter(cfg config.Config, version string, appName string, stdout io.Writer) *slog.Logger {
	if version == "dev" {
		h := tint.NewHandler(stdout, &tint.Options{
			Level:      cfg.LogLevel,
			AddSource:  true,
			TimeFormat: time.Kitchen,
		})
		return slog.New(h).With("app", appName)
	}

	w := stdout
	if cfg.LogFile != "" {
		w = io.MultiWriter(stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})
	return slog.New(h).With(
		"app", appName,
		"version", version,
		"env", cfg.AppEnv,
	)
}
