// Package logging provides the shared leveled logger for the selector.
// All packages import it as `log` and use the printf-style helpers.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

var logger atomic.Pointer[slog.Logger]

func init() {
	logger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))
}

// SetupBaseLogger configures the console logger. Call once at startup.
func SetupBaseLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// SetupDebugFile routes debug output to a rotating log file in addition to
// the console. Used when the user configures a debug-log path.
func SetupDebugFile(path string) {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
		Compress:   true,
	}
	w := io.MultiWriter(os.Stderr, rotator)
	logger.Store(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))
}

func get() *slog.Logger { return logger.Load() }

func Debugf(format string, args ...any) {
	get().Debug(fmt.Sprintf(format, args...))
}

func Infof(format string, args ...any) {
	get().Info(fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...any) {
	get().Warn(fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...any) {
	get().Error(fmt.Sprintf(format, args...))
}

// Fatalf logs at error level and exits.
func Fatalf(format string, args ...any) {
	get().Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}

// ErrorLogger carries a pre-bound error attribute.
type ErrorLogger struct {
	err error
}

// WithError returns a logger that appends err to each message.
func WithError(err error) *ErrorLogger {
	return &ErrorLogger{err: err}
}

func (l *ErrorLogger) Warn(msg string) {
	get().LogAttrs(context.Background(), slog.LevelWarn, msg, slog.Any("error", l.err))
}

func (l *ErrorLogger) Error(msg string) {
	get().LogAttrs(context.Background(), slog.LevelError, msg, slog.Any("error", l.err))
}
