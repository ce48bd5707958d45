package telemetry

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Output is where new loggers write; the CLI keeps stdout for results
var Output io.Writer = os.Stderr

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// Logger wraps zerolog with OTEL integration
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a component logger writing to Output
func NewLogger(service string) *Logger {
	return NewLoggerTo(Output, service)
}

// NewLoggerTo creates a component logger writing to w
func NewLoggerTo(w io.Writer, service string) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	logger := zerolog.New(w).
		With().
		Timestamp().
		Str("service", service).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// SetLevel sets the global log level from a name like "debug" or "warn".
// Unknown names fall back to info.
func SetLevel(name string) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// LogTransition records a transaction state change
func (l *Logger) LogTransition(ctx context.Context, txID, state string, files int) {
	l.WithContext(ctx).Debug().
		Str("tx_id", txID).
		Str("state", state).
		Int("files", files).
		Msg("transaction state changed")
}

// LogRollback records a rollback with its cause
func (l *Logger) LogRollback(ctx context.Context, txID, reason string, err error) {
	l.WithContext(ctx).Warn().
		Err(err).
		Str("tx_id", txID).
		Str("reason", reason).
		Msg("rolling back transaction")
}

// LogDriftOverride records a forced bypass of drift refusal
func (l *Logger) LogDriftOverride(ctx context.Context, file, recorded, current string) {
	l.WithContext(ctx).Warn().
		Str("file", file).
		Str("recorded_hash", recorded).
		Str("current_hash", current).
		Str("operation", "drift_override").
		Msg("baseline drift overridden with --force")
}

func (l *Logger) LogStorageError(ctx context.Context, operation string, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("operation", operation).
		Msg("storage operation failed")
}
