package logger

import (
	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
)

// Logger is re-exported from eigensdk-go so callers don't import sdklogging directly.
type Logger = sdklogging.Logger

// NoOpLogger discards everything. It backs optional logger parameters.
type NoOpLogger struct{}

func (l *NoOpLogger) Info(msg string, tags ...any)              {}
func (l *NoOpLogger) Infof(format string, args ...interface{})  {}
func (l *NoOpLogger) Debug(msg string, tags ...any)             {}
func (l *NoOpLogger) Debugf(format string, args ...interface{}) {}
func (l *NoOpLogger) Error(msg string, tags ...any)             {}
func (l *NoOpLogger) Errorf(format string, args ...interface{}) {}
func (l *NoOpLogger) Warn(msg string, tags ...any)              {}
func (l *NoOpLogger) Warnf(format string, args ...interface{})  {}
func (l *NoOpLogger) Fatal(msg string, tags ...any)             {}
func (l *NoOpLogger) Fatalf(format string, args ...interface{}) {}
func (l *NoOpLogger) With(tags ...any) Logger                   { return l }

func NewNoOpLogger() Logger {
	return &NoOpLogger{}
}

// EnsureLogger returns the logger if not nil, otherwise a no-op logger.
func EnsureLogger(logger Logger) Logger {
	if logger == nil {
		return NewNoOpLogger()
	}
	return logger
}

// New builds the zap backed logger for an environment ("production" or "development").
func New(environment string) (Logger, error) {
	if environment == "" {
		environment = string(sdklogging.Production)
	}
	return sdklogging.NewZapLogger(sdklogging.LogLevel(environment))
}

// Component tags every line with the component name.
func Component(l Logger, name string) Logger {
	return EnsureLogger(l).With("component", name)
}
