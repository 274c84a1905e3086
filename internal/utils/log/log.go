// Package log is a process-wide zap logger with package-level helpers.
package log

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger atomic.Pointer[zap.Logger]

func init() {
	l, err := New(false, "info")
	if err != nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

// New builds a production logger, or a console development logger when
// development is set. Outputs default to stderr.
func New(development bool, level string, outputs ...string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	if len(outputs) > 0 {
		cfg.OutputPaths = outputs
		cfg.ErrorOutputPaths = outputs
	}
	return cfg.Build(zap.AddCallerSkip(1))
}

// SetLogger replaces the global logger and returns the previous one.
func SetLogger(l *zap.Logger) *zap.Logger {
	return logger.Swap(l)
}

func Debug(msg string, fields ...zap.Field) { logger.Load().Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { logger.Load().Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { logger.Load().Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { logger.Load().Error(msg, fields...) }

func Fatal(msg string, fields ...zap.Field) { logger.Load().Fatal(msg, fields...) }

func Sync() error { return logger.Load().Sync() }
