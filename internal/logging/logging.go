package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the logging surface every component receives at construction.
type Logger interface {
	Error(msg string, err error, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Debug(msg string, fields ...zap.Field)
	With(fields ...zap.Field) Logger
}

type zapLogger struct {
	logger *zap.Logger
}

var _ Logger = (*zapLogger)(nil)

func (l *zapLogger) Error(msg string, err error, fields ...zap.Field) {
	l.logger.Error(msg, append(fields, zap.Error(err))...)
}

func (l *zapLogger) Warn(msg string, fields ...zap.Field) {
	l.logger.Warn(msg, fields...)
}

func (l *zapLogger) Info(msg string, fields ...zap.Field) {
	l.logger.Info(msg, fields...)
}

func (l *zapLogger) Debug(msg string, fields ...zap.Field) {
	l.logger.Debug(msg, fields...)
}

func (l *zapLogger) With(fields ...zap.Field) Logger {
	return &zapLogger{logger: l.logger.With(fields...)}
}

var root Logger = Nop()

// Init builds the process logger from LOG_LEVEL and LOG_FILE.
//
// Production only shows errors. When LOG_FILE is set, output goes to a
// rotated file instead of stderr so the terminal room view stays clean.
func Init() Logger {
	level := zapcore.ErrorLevel

	if l, ok := os.LookupEnv("LOG_LEVEL"); ok {
		switch l {
		case "dev", "development", "debug":
			level = zapcore.DebugLevel
		case "info":
			level = zapcore.InfoLevel
		case "warn", "warning":
			level = zapcore.WarnLevel
		case "error", "production", "prod":
			level = zapcore.ErrorLevel
		}
	}

	var sink zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	encoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())

	if file := os.Getenv("LOG_FILE"); file != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    10, // MB
			MaxBackups: 2,
			MaxAge:     3, // days
		})
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	core := zapcore.NewCore(encoder, sink, level)
	root = &zapLogger{logger: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))}
	return root
}

// L returns the logger built by Init, or a no-op logger before Init runs.
func L() Logger {
	return root
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return &zapLogger{logger: zap.NewNop()}
}

// New wraps an existing zap logger.
func New(logger *zap.Logger) Logger {
	return &zapLogger{logger: logger}
}
