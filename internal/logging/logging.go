// Package logging builds the service's slog loggers and carries them on the
// context. The HTTP middleware stores a logger tagged with the request id, the
// stream consumer one tagged with topic and offset; downstream code calls
// L(ctx) instead of holding its own.
package logging

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
)

type contextKey int

const (
	loggerKey contextKey = iota
	requestIDKey
)

// ParseLevel maps a LOG_LEVEL value to a slog level. Unknown values mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a logger writing to stdout. attrs are attached to every record.
func New(level, format string, attrs ...any) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format, attrs...)
}

// NewWithWriter creates a logger writing to w. format is "json" or text.
func NewWithWriter(w io.Writer, level, format string, attrs ...any) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   lvl == slog.LevelDebug,
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With(attrs...)
}

// redactAttr masks credentials in any string value that is a URL with a
// password, so connection strings can be logged as-is.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	if s := a.Value.String(); strings.Contains(s, "://") && strings.Contains(s, "@") {
		a.Value = slog.StringValue(RedactURL(s))
	}
	return a
}

// RedactURL replaces the password in a URL with ***. Values that do not parse
// are fully masked.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if _, ok := u.User.Password(); !ok {
		return raw
	}
	// Redacted masks the password as "xxxxx"; the username is escaped, so the
	// first ":xxxxx@" is the password slot.
	return strings.Replace(u.Redacted(), ":xxxxx@", ":***@", 1)
}

// WithLogger stores logger on the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// With stores a copy of the context logger enriched with args.
func With(ctx context.Context, args ...any) context.Context {
	return WithLogger(ctx, L(ctx).With(args...))
}

// WithRequestID records the request id and tags the context logger with it.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	ctx = context.WithValue(ctx, requestIDKey, requestID)
	return With(ctx, "request_id", requestID)
}

// RequestID returns the request id stored by WithRequestID.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// L returns the context logger, or slog.Default when none is stored.
func L(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
