// Package logger wraps zap with the fields/context conventions used across
// this module's components.
package logger

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls how the root logger is constructed.
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // "console" or "json"
	OutputPath string `mapstructure:"output_path"`
}

// Logger is a thin wrapper around zap.Logger adding WithFields/WithContext.
type Logger struct {
	zap    *zap.Logger
	sugar  *zap.SugaredLogger
	fields []zap.Field
}

type ctxKey struct{}

var (
	defaultOnce sync.Once
	defaultLog  *Logger
)

// Default returns the process-wide default logger, building an info-level
// logger the first time it is called (JSON under Kubernetes or when
// DBG_ENV=production, console otherwise).
func Default() *Logger {
	defaultOnce.Do(func() {
		l, err := NewLogger(Config{Level: "info", Format: detectLogFormat()})
		if err != nil {
			l, _ = NewLogger(Config{Level: "info", Format: "console"})
		}
		defaultLog = l
	})
	return defaultLog
}

// SetDefault overrides the process-wide default logger, used once at
// startup after configuration has been loaded.
func SetDefault(l *Logger) {
	defaultOnce.Do(func() {})
	defaultLog = l
}

func detectLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" || os.Getenv("DBG_ENV") == "production" {
		return "json"
	}
	return "console"
}

// NewLogger builds a Logger from Config.
func NewLogger(cfg Config) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, err
		}
	}

	var encoder zapcore.Encoder
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	sink := zapcore.AddSync(os.Stdout)
	if cfg.OutputPath != "" {
		f, err := os.OpenFile(cfg.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		sink = zapcore.AddSync(f)
	}

	core := zapcore.NewCore(encoder, sink, level)
	zl := zap.New(core, zap.AddCaller())

	return &Logger{zap: zl, sugar: zl.Sugar()}, nil
}

// WithFields returns a child logger carrying the given structured fields on
// every subsequent call.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{
		zap:    l.zap.With(fields...),
		sugar:  l.zap.With(fields...).Sugar(),
		fields: append(append([]zap.Field{}, l.fields...), fields...),
	}
}

// WithContext pulls a correlation id out of ctx, if present, and attaches it
// as a field; otherwise returns the receiver unchanged.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if id, ok := v.(string); ok {
			return l.WithFields(zap.String("correlation_id", id))
		}
	}
	return l
}

// WithCorrelationID stores a correlation id on ctx for later retrieval by WithContext.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }

// Fatal logs at fatal level then exits the process, for unrecoverable
// startup failures in cmd/ entry points.
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.zap.Fatal(msg, fields...) }

func (l *Logger) Sync() error { return l.zap.Sync() }

// Zap exposes the underlying *zap.Logger for call sites needing raw zap API.
func (l *Logger) Zap() *zap.Logger { return l.zap }
