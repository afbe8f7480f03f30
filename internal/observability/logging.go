// Package observability carries job-scoped log attributes through a context.
package observability

import (
	"context"
	"log/slog"

	"git.home.luguber.info/inful/previewd/internal/logfields"
)

// LogContext holds the attributes attached to every log line of a job.
type LogContext struct {
	JobID     string
	UserID    string
	ProjectID string
	Stage     string
}

type logContextKeyType string

const logContextKey logContextKeyType = "log-context"

// WithJob attaches job identity to ctx.
func WithJob(ctx context.Context, jobID, userID, projectID string) context.Context {
	lc := extractLogContext(ctx)
	lc.JobID = jobID
	lc.UserID = userID
	lc.ProjectID = projectID
	return context.WithValue(ctx, logContextKey, lc)
}

// WithStage sets the current build stage on ctx.
func WithStage(ctx context.Context, stage string) context.Context {
	lc := extractLogContext(ctx)
	lc.Stage = stage
	return context.WithValue(ctx, logContextKey, lc)
}

// GetContext returns the log context carried by ctx.
func GetContext(ctx context.Context) LogContext {
	return extractLogContext(ctx)
}

func extractLogContext(ctx context.Context) LogContext {
	if lc, ok := ctx.Value(logContextKey).(LogContext); ok {
		return lc
	}
	return LogContext{}
}

func getLogAttrs(ctx context.Context) []slog.Attr {
	lc := extractLogContext(ctx)
	attrs := make([]slog.Attr, 0, 4)
	if lc.JobID != "" {
		attrs = append(attrs, logfields.JobID(lc.JobID))
	}
	if lc.UserID != "" {
		attrs = append(attrs, logfields.UserID(lc.UserID))
	}
	if lc.ProjectID != "" {
		attrs = append(attrs, logfields.ProjectID(lc.ProjectID))
	}
	if lc.Stage != "" {
		attrs = append(attrs, logfields.Stage(lc.Stage))
	}
	return attrs
}

func logContext(ctx context.Context, level slog.Level, msg string, attrs []slog.Attr) {
	slog.LogAttrs(ctx, level, msg, append(getLogAttrs(ctx), attrs...)...)
}

// InfoContext logs at info level with the job attributes from ctx.
func InfoContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	logContext(ctx, slog.LevelInfo, msg, attrs)
}

// WarnContext logs at warn level with the job attributes from ctx.
func WarnContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	logContext(ctx, slog.LevelWarn, msg, attrs)
}

// ErrorContext logs at error level with the job attributes from ctx.
func ErrorContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	logContext(ctx, slog.LevelError, msg, attrs)
}

// DebugContext logs at debug level with the job attributes from ctx.
func DebugContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	logContext(ctx, slog.LevelDebug, msg, attrs)
}
