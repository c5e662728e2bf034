// Package logging owns the process logger. Interception code logs through
// it so diagnostics land on stderr without touching the intercepted
// program's stdout.
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

var level = new(slog.LevelVar)

var logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{
	Level:      level,
	TimeFormat: time.TimeOnly,
}))

// Logger returns the process logger.
func Logger() *slog.Logger {
	return logger
}

// SetLevel adjusts the minimum level for all holders of the process logger.
func SetLevel(l slog.Level) {
	level.Set(l)
}
