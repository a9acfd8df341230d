package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts a *zap.Logger to the Logger interface.
type ZapLogger struct {
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
}

var _ Logger = (*ZapLogger)(nil)

// NewZap wraps an existing zap core with the given minimum level.
//
// The level is enforced by the returned logger, so the core should be built with a level that lets
// everything through (for example zapcore.DebugLevel).
func NewZap(core zapcore.Core, level LogLevel) Logger {
	atom := zap.NewAtomicLevelAt(toZapLevel(level))
	filtered, err := zapcore.NewIncreaseLevelCore(core, atom)
	if err != nil {
		// the core is more restrictive than the requested level; use it as is
		filtered = core
	}

	return &ZapLogger{
		sugar: zap.New(filtered, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar(),
		level: atom,
	}
}

func (l *ZapLogger) Debug(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l *ZapLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Infow(msg, keysAndValues...)
}

func (l *ZapLogger) Warn(msg string, keysAndValues ...any) {
	l.sugar.Warnw(msg, keysAndValues...)
}

func (l *ZapLogger) Error(msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, keysAndValues...)
}

func (l *ZapLogger) Fatal(msg string, keysAndValues ...any) {
	l.sugar.Fatalw(msg, keysAndValues...)
}

func (l *ZapLogger) With(keyValues ...any) Logger {
	return &ZapLogger{
		sugar: l.sugar.With(keyValues...),
		level: l.level,
	}
}

func (l *ZapLogger) Level() LogLevel {
	switch l.level.Level() {
	case zapcore.DebugLevel:
		return DebugLevel
	case zapcore.InfoLevel:
		return InfoLevel
	case zapcore.WarnLevel:
		return WarnLevel
	case zapcore.ErrorLevel:
		return ErrorLevel
	default:
		return FatalLevel
	}
}

func (l *ZapLogger) SetLevel(level LogLevel) {
	l.level.SetLevel(toZapLevel(level))
}

// Sync flushes any buffered log entries.
func (l *ZapLogger) Sync() error {
	return l.sugar.Sync()
}

func toZapLevel(level LogLevel) zapcore.Level {
	switch level {
	case DebugLevel:
		return zapcore.DebugLevel
	case InfoLevel:
		return zapcore.InfoLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.FatalLevel
	}
}
