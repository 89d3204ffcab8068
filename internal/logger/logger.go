// Package logger holds the process-wide zap logger and a few helpers that keep
// component log lines in a common shape.
package logger

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.Mutex
	base *zap.Logger
)

// Setup builds the logger from LOG_LEVEL (debug|info|warn|error) and
// LOG_FORMAT (json|console). Calling it again replaces the logger.
func Setup() *zap.Logger {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(strings.ToLower(os.Getenv("LOG_LEVEL")))); err != nil {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	l := zap.New(zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level), zap.AddCaller())
	Set(l)
	return l
}

// Set installs l as the process logger. Tests use it with zaptest or zap.NewNop.
func Set(l *zap.Logger) {
	mu.Lock()
	base = l
	mu.Unlock()
}

// Z returns the structured logger, building a default one on first use.
func Z() *zap.Logger {
	mu.Lock()
	l := base
	mu.Unlock()
	if l == nil {
		return Setup()
	}
	return l
}

// L returns the sugared logger.
func L() *zap.SugaredLogger { return Z().Sugar() }

// Named returns a child logger tagged with the component name.
func Named(component string) *zap.SugaredLogger {
	return Z().Named(component).Sugar()
}

// Op logs a completed operation with its duration.
func Op(component, op string, took time.Duration, keysAndValues ...interface{}) {
	kv := append([]interface{}{"op", op, "duration_ms", took.Milliseconds()}, keysAndValues...)
	Named(component).Infow(op+" done", kv...)
}

// Err logs a failed operation.
func Err(component, op string, err error, keysAndValues ...interface{}) {
	kv := append([]interface{}{"op", op, "error", err}, keysAndValues...)
	Named(component).Errorw(op+" failed", kv...)
}

// Sync flushes buffered entries; call from main before exit.
func Sync() {
	_ = Z().Sync()
}
