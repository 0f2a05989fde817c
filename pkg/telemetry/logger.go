package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// Logger carries a zerolog logger enriched with plan, deployment and
// operation fields.
type Logger struct {
	zlog zerolog.Logger
}

type loggerContextKey struct{}

// timeFormats maps LoggingConfig.TimeFormat to zerolog field formats.
var timeFormats = map[string]string{
	"unix":      zerolog.TimeFormatUnix,
	"unixms":    zerolog.TimeFormatUnixMs,
	"unixmicro": zerolog.TimeFormatUnixMicro,
	"rfc3339":   time.RFC3339,
}

// NewLogger builds the process logger described by cfg.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	w, err := logOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	format, ok := timeFormats[cfg.TimeFormat]
	if !ok {
		format = time.RFC3339
	}
	zerolog.TimeFieldFormat = format

	if cfg.Format == "console" {
		consoleFormat := time.RFC3339
		if cfg.TimeFormat == "unix" {
			consoleFormat = "unix"
		}
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: consoleFormat}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	zctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	zlog := zctx.Logger()

	if cfg.EnableSampling {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}

	return &Logger{zlog: zlog}, nil
}

// logOutput opens stdout, stderr or an append-only log file.
func logOutput(output string) (io.Writer, error) {
	switch output {
	case "stdout":
		return os.Stdout, nil
	case "stderr", "":
		return os.Stderr, nil
	}
	return os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// NewLoggerFrom wraps an existing zerolog logger.
func NewLoggerFrom(zlog zerolog.Logger) *Logger {
	return &Logger{zlog: zlog}
}

// Zerolog returns the underlying zerolog logger for packages that take one
// directly.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zlog
}

// WithContext stores l in ctx. The zerolog logger is stored as well so
// zerolog.Ctx sees the same fields.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	ctx = l.zlog.WithContext(ctx)
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or a stderr logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{zlog: l.zlog.With().Fields(fields).Logger()}
}

// WithField returns a logger with a single additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{zlog: l.zlog.With().Interface(key, value).Logger()}
}

func (l *Logger) WithDeploymentID(deploymentID string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("deployment_id", deploymentID).Logger()}
}

func (l *Logger) WithPlanID(planID string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("plan_id", planID).Logger()}
}

// WithOperation adds the operation and its owning pair to the logger.
func (l *Logger) WithOperation(op engine.Operation) *Logger {
	return &Logger{zlog: l.zlog.With().
		Str("operation_id", string(op.ID)).
		Str("service", op.Service).
		Str("component", op.Component).
		Str("action", string(op.Action)).
		Logger()}
}

// WithExecutor adds the executor kind and plugin path to the logger.
func (l *Logger) WithExecutor(kind, path string) *Logger {
	return &Logger{zlog: l.zlog.With().
		Str("executor", kind).
		Str("executor_path", path).
		Logger()}
}

// Debug logs a debug-level message.
func (l *Logger) Debug(msg string) {
	l.zlog.Debug().Msg(msg)
}

// Info logs an info-level message.
func (l *Logger) Info(msg string) {
	l.zlog.Info().Msg(msg)
}
