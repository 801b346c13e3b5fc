package observability

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"regexp"

	"github.com/hellio/hrchat/internal/config"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

var keywordPasswordPattern = regexp.MustCompile(`(?i)(password\s*=\s*)('[^']*'|\S+)`)

func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	opts := &slog.HandlerOptions{Level: cfg.Observability.LogLevel}
	var handler slog.Handler
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}
	return slog.New(handler).With(
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
	)
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

// MaskDSN hides the password of a URL or keyword/value connection string.
func MaskDSN(dsn string) string {
	if parsed, err := url.Parse(dsn); err == nil && parsed.Scheme != "" && parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), "xxxxx")
			return parsed.String()
		}
		return dsn
	}
	return keywordPasswordPattern.ReplaceAllString(dsn, "${1}xxxxx")
}
