package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	mu          sync.RWMutex
	verboseMode bool
	level       = new(slog.LevelVar)
	base        = newLogger(os.Stderr)
)

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// SetVerbose enables or disables verbose logging.
func SetVerbose(verbose bool) {
	mu.Lock()
	defer mu.Unlock()
	verboseMode = verbose
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}
}

// IsVerbose returns true if verbose mode is enabled.
func IsVerbose() bool {
	mu.RLock()
	defer mu.RUnlock()
	return verboseMode
}

// SetOutput redirects all log output to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base = newLogger(w)
}

// Logger returns the underlying structured logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func logf(lvl slog.Level, format string, v ...interface{}) {
	l := Logger()
	if !l.Enabled(context.Background(), lvl) {
		return
	}
	l.Log(context.Background(), lvl, fmt.Sprintf(format, v...))
}

// Debugf logs a formatted debug message if verbose mode is enabled.
func Debugf(format string, v ...interface{}) {
	logf(slog.LevelDebug, format, v...)
}

// Infof logs a formatted informational message.
func Infof(format string, v ...interface{}) {
	logf(slog.LevelInfo, format, v...)
}

// Warnf logs a formatted warning.
func Warnf(format string, v ...interface{}) {
	logf(slog.LevelWarn, format, v...)
}

// Errorf logs a formatted error message.
func Errorf(format string, v ...interface{}) {
	logf(slog.LevelError, format, v...)
}
