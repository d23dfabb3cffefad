package inbox

import (
	"context"
	"log/slog"
	"time"
)

// NoticeLevel classifies a user-facing notice.
type NoticeLevel string

// Notice levels.
const (
	NoticeSuccess NoticeLevel = "success"
	NoticeError   NoticeLevel = "error"
	NoticeInfo    NoticeLevel = "info"
)

// Notice is a transient, user-facing notification about the outcome of an
// operation. Reporters deliver it to the user; nothing is persisted.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Op      string      `json:"op"`
	UserID  string      `json:"user_id,omitempty"`
	Message string      `json:"message"`
	Err     error       `json:"-"`
	At      time.Time   `json:"at"`
}

// Reporter receives notices. Implementations must be safe for concurrent
// use and must not block for long.
type Reporter interface {
	Report(ctx context.Context, n Notice)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, n Notice)

// Report calls f(ctx, n).
func (f ReporterFunc) Report(ctx context.Context, n Notice) {
	f(ctx, n)
}

// LogReporter returns a Reporter that logs every notice.
// Errors are logged at warn level, everything else at info.
func LogReporter(logger *slog.Logger) Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return ReporterFunc(func(ctx context.Context, n Notice) {
		attrs := []any{"op", n.Op, "message", n.Message}
		if n.UserID != "" {
			attrs = append(attrs, "user_id", n.UserID)
		}
		if n.Err != nil {
			attrs = append(attrs, "error", n.Err)
		}
		if n.Level == NoticeError {
			logger.WarnContext(ctx, "notice", attrs...)
			return
		}
		logger.InfoContext(ctx, "notice", attrs...)
	})
}

// report fills the timestamp and forwards n, recovering reporter panics.
func report(ctx context.Context, r Reporter, logger *slog.Logger, n Notice) {
	if r == nil {
		return
	}
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	defer func() {
		if p := recover(); p != nil {
			logger.Error("panic in reporter", "op", n.Op, "panic", p)
		}
	}()
	r.Report(ctx, n)
}
