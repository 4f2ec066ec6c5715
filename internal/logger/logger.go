// Package logger wraps zap with a rotating file sink and an in-memory ring
// of recent entries that the monitoring endpoints serve.
package logger

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures Init.
type Options struct {
	Level    string // debug, info, warn, error
	Path     string // rotating file; empty disables the file sink
	RingSize int    // entries kept in memory
	Console  bool   // also write JSON to stdout
}

var (
	mu   sync.RWMutex
	log  = zap.NewNop()
	ring = NewRing(1000)
)

// Init builds the process logger. It is safe to call more than once; the
// last call wins.
func Init(opts Options) error {
	level := zap.NewAtomicLevel()
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return err
		}
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderConfig)

	r := NewRing(opts.RingSize)
	cores := []zapcore.Core{NewRingCore(r, level)}

	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o750); err != nil {
			return err
		}
		writer := &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(writer), level))
	}
	if opts.Console {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level))
	}

	l := zap.New(zapcore.NewTee(cores...))

	mu.Lock()
	log, ring = l, r
	mu.Unlock()

	zap.ReplaceGlobals(l)
	return nil
}

// L returns the process logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Recent returns the ring backing the logger.
func Recent() *Ring {
	mu.RLock()
	defer mu.RUnlock()
	return ring
}

// Info logs an info message
func Info(msg string, fields ...zap.Field) { L().Info(msg, fields...) }

// Warn logs a warning message
func Warn(msg string, fields ...zap.Field) { L().Warn(msg, fields...) }

// Error logs an error message
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// Debug logs a debug message
func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }

// Sync flushes any buffered log entries
func Sync() error {
	return L().Sync()
}
