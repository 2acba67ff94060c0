// Package observability builds the process logger.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelAlert sits above Error. It marks conditions that must page someone,
// such as a balance invariant violation.
const LevelAlert = slog.LevelError + 4

// NewLogger returns a JSON logger writing to stdout, tagged with the service
// name and environment.
func NewLogger(level, serviceName, env string) *slog.Logger {
	return newLogger(os.Stdout, level, serviceName, env)
}

func newLogger(w io.Writer, level, serviceName, env string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: renameAlert,
	})
	return slog.New(h).With(
		slog.String("service", serviceName),
		slog.String("env", env),
	)
}

// ParseLevel maps a config string to a slog level. Unknown values mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "alert":
		return LevelAlert
	default:
		return slog.LevelInfo
	}
}

func renameAlert(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelAlert {
			a.Value = slog.StringValue("ALERT")
		}
	}
	return a
}

// Alert logs msg at LevelAlert.
func Alert(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Log(ctx, LevelAlert, msg, args...)
}
