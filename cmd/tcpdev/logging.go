package main

import (
	"os"

	"github.com/arloliu/go-tcpdev/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger creates the logger of the CLI. Logs go to stderr, or to a rotated file
// when a log file is configured.
func newLogger(cfg *cliConfig) logger.Logger {
	level := logger.ParseLevel(cfg.LogLevel)

	if cfg.LogFile == "" {
		return logger.NewSlogWriter(os.Stderr, level, false)
	}

	writer := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSize, // MB
		MaxBackups: cfg.LogMaxBackups,
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(writer), zapcore.DebugLevel)

	return logger.NewZap(core, level)
}

// syncLogger flushes buffered log entries of loggers that buffer.
func syncLogger(l logger.Logger) {
	if s, ok := l.(interface{ Sync() error }); ok {
		_ = s.Sync()
	}
}
