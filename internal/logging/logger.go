package logging

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger *zap.Logger
	globalMu     sync.RWMutex
)

func init() {
	// Default to a production logger until SetGlobal is called
	globalLogger, _ = zap.NewProduction()
}

// Config describes where and how much to log.
type Config struct {
	Level string
	// Output is "stdout", "stderr" or a file path. Files are rotated.
	Output     string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
	LocalTime  bool
}

// ParseLevel maps a level name to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// EncoderConfig is the JSON encoder configuration shared by application and
// access logs.
func EncoderConfig() zapcore.EncoderConfig {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	return enc
}

// OpenOutput returns a writer for output. The closer is non-nil for rotated
// files.
func OpenOutput(cfg Config) (zapcore.WriteSyncer, io.Closer) {
	switch cfg.Output {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
		LocalTime:  cfg.LocalTime,
	}
	return zapcore.AddSync(lj), lj
}

// New creates a JSON logger from cfg. The returned closer, when non-nil,
// must be closed after the final Sync.
func New(cfg Config) (*zap.Logger, io.Closer, error) {
	ws, closer := OpenOutput(cfg)
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(EncoderConfig()),
		ws,
		zap.NewAtomicLevelAt(ParseLevel(cfg.Level)),
	)
	return zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1), // Skip one level to account for our wrapper functions
		zap.AddStacktrace(zapcore.ErrorLevel),
	), closer, nil
}

// Global returns the global logger.
func Global() *zap.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// SetGlobal sets the global logger.
func SetGlobal(l *zap.Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// Info logs at info level using the global logger.
func Info(msg string, fields ...zap.Field) {
	Global().Info(msg, fields...)
}

// Warn logs at warn level using the global logger.
func Warn(msg string, fields ...zap.Field) {
	Global().Warn(msg, fields...)
}

// Error logs at error level using the global logger.
func Error(msg string, fields ...zap.Field) {
	Global().Error(msg, fields...)
}

// Debug logs at debug level using the global logger.
func Debug(msg string, fields ...zap.Field) {
	Global().Debug(msg, fields...)
}

// With creates a child logger with additional fields.
func With(fields ...zap.Field) *zap.Logger {
	return Global().With(fields...)
}

// Sync flushes any buffered log entries.
func Sync() {
	Global().Sync()
}
