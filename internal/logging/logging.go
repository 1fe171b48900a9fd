// Package logging is a small slog-based singleton shared by every package
// in the module, in the same spirit as the teacher's package-level logger:
// callers get plain top-level functions (Debug/Info/Warn/Error, plus the
// context-aware DebugContext/WarnContext/ErrorContext) without having to thread a *slog.Logger through
// every constructor.
package logging

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/go-logr/logr"
)

var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

// Set replaces the package-wide logger. Intended for callers that want to
// route module logs into their own handler, and for tests.
func Set(l *slog.Logger) {
	singleton.Store(l)
}

// Get returns the current package-wide logger.
func Get() *slog.Logger {
	return singleton.Load()
}

// NewLogr adapts the current logger to a logr.Logger, for callers already
// standardized on that interface (e.g. controller-runtime-style consumers).
func NewLogr() logr.Logger {
	return logr.FromSlogHandler(Get().Handler())
}

// Debug logs at debug level.
func Debug(msg string, args ...any) { Get().Debug(msg, args...) }

// Info logs at info level.
func Info(msg string, args ...any) { Get().Info(msg, args...) }

// Warn logs at warn level.
func Warn(msg string, args ...any) { Get().Warn(msg, args...) }

// Error logs at error level.
func Error(msg string, args ...any) { Get().Error(msg, args...) }

// DebugContext logs at debug level, attaching any slog fields carried by ctx.
func DebugContext(ctx context.Context, msg string, args ...any) {
	Get().DebugContext(ctx, msg, args...)
}

// WarnContext logs at warn level, attaching any slog fields carried by ctx.
func WarnContext(ctx context.Context, msg string, args ...any) {
	Get().WarnContext(ctx, msg, args...)
}

// ErrorContext logs at error level, attaching any slog fields carried by ctx.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	Get().ErrorContext(ctx, msg, args...)
}
