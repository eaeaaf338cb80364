package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/shaiso/Fanout/internal/domain"
)

// LogLevel читает LOG_LEVEL (debug, info, warn, error; регистр не важен).
// Пустое или неизвестное значение — info.
func LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(os.Getenv("LOG_LEVEL")))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// NewLogger создаёт логгер сервиса, пишущий в w.
// format "text" — человекочитаемый вывод, иначе JSON.
func NewLogger(w io.Writer, service, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With("service", service)
}

// SetupLogger создаёт логгер из LOG_FORMAT/LOG_LEVEL и делает его глобальным.
func SetupLogger(service string) *slog.Logger {
	logger := NewLogger(os.Stdout, service, os.Getenv("LOG_FORMAT"), LogLevel())
	slog.SetDefault(logger)
	return logger
}

type loggerKey struct{}

// WithLogger кладёт логгер в контекст.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext достаёт логгер из контекста, иначе slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

func WithTaskID(logger *slog.Logger, id uuid.UUID) *slog.Logger {
	return logger.With("task_id", id.String())
}

func WithAccountID(logger *slog.Logger, id uuid.UUID) *slog.Logger {
	return logger.With("account_id", id.String())
}

func WithSubject(logger *slog.Logger, subj domain.Subject) *slog.Logger {
	return logger.With("subject_kind", string(subj.Kind()), "subject_id", subj.SubjectID().String())
}
