package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"rentalconnect-realtime/pkg/env"
)

// Log is the process-wide logger. It is a no-op until Init so packages and
// tests can log unconditionally.
var Log = zap.NewNop()

// Config selects level, encoding and destination
type Config struct {
	Level    string // debug, info, warn, error
	Format   string // json or text
	Output   string // stdout or file
	FilePath string
}

// Init replaces Log according to cfg
func Init(cfg *Config) error {
	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig.TimeKey = "timestamp"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	zapConfig.OutputPaths = []string{"stdout"}
	zapConfig.ErrorOutputPaths = []string{"stderr"}
	if cfg.Output == "file" && cfg.FilePath != "" {
		zapConfig.OutputPaths = []string{cfg.FilePath}
		zapConfig.ErrorOutputPaths = []string{cfg.FilePath}
	}

	built, err := zapConfig.Build(zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	Log = built
	return nil
}

// InitDefault configures the logger from LOG_* variables. The call agent
// uses it since it has no service config of its own for logging.
func InitDefault() {
	err := Init(&Config{
		Level:    env.GetString("LOG_LEVEL", "info"),
		Format:   env.GetString("LOG_FORMAT", "text"),
		Output:   env.GetString("LOG_OUTPUT", "stdout"),
		FilePath: env.GetString("LOG_FILE_PATH", ""),
	})
	if err != nil {
		Log, _ = zap.NewProduction()
	}
}

type requestIDKey struct{}

// WithRequestID stores the request id for FromContext
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// FromContext returns Log tagged with the request id, if ctx carries one
func FromContext(ctx context.Context) *zap.Logger {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return Log.With(zap.String("request_id", id))
	}
	return Log
}

// Named returns a component logger bound to the current Log. Call it after
// Init (or lazily) to pick up the configured core.
func Named(component string) *zap.Logger {
	return Log.Named(component)
}

func Debug(msg string, fields ...zap.Field) { Log.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { Log.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Log.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Log.Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { Log.Fatal(msg, fields...) }

// Sync flushes buffered entries
func Sync() error {
	return Log.Sync()
}
