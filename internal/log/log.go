// Package log is the agent's logging surface. Every other package in this
// module accepts a Logger rather than reaching for the global zap logger
// directly, so tests can swap in a no-op or observer implementation.
package log

import "go.uber.org/zap"

// Logger is the minimal surface the agent needs. It matches the calling
// convention of a zap.Logger closely enough that a *zap.Logger satisfies it
// without a shim, but keeps our call sites decoupled from zap's full API.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

// NewZap wraps a *zap.Logger as a Logger.
func NewZap(l *zap.Logger) Logger {
	return &zapLogger{l: l}
}

// NewNoop returns a Logger that discards everything, for tests and for
// callers that don't want the agent's ambient logging.
func NewNoop() Logger {
	return NewZap(zap.NewNop())
}

type zapLogger struct {
	l *zap.Logger
}

func (z *zapLogger) Debug(msg string, fields ...zap.Field) { z.l.Debug(msg, fields...) }
func (z *zapLogger) Info(msg string, fields ...zap.Field)  { z.l.Info(msg, fields...) }
func (z *zapLogger) Warn(msg string, fields ...zap.Field)  { z.l.Warn(msg, fields...) }
func (z *zapLogger) Error(msg string, fields ...zap.Field) { z.l.Error(msg, fields...) }
