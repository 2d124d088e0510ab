// Package logx provides component-scoped structured logging for the
// orchestrator, backed by zap.
package logx

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls log output.
type Config struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console or json
}

// Logger is a component-scoped logger. Each component constructs its own
// instance via NewLogger so log lines carry the component name.
type Logger struct {
	sugar *zap.SugaredLogger
}

var (
	rootMu   sync.RWMutex
	rootZap  *zap.Logger
	rootOnce sync.Once
)

// Init configures the process-wide log backend. Components created before
// Init use a default console logger at info level. Safe to call once at
// startup; later calls replace the backend for newly created loggers.
func Init(cfg Config) {
	rootMu.Lock()
	defer rootMu.Unlock()
	rootZap = build(cfg)
}

func build(cfg Config) *zap.Logger {
	level := zapcore.InfoLevel
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if strings.EqualFold(cfg.Format, "json") {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}

func root() *zap.Logger {
	rootMu.RLock()
	if rootZap != nil {
		defer rootMu.RUnlock()
		return rootZap
	}
	rootMu.RUnlock()

	rootOnce.Do(func() {
		rootMu.Lock()
		defer rootMu.Unlock()
		if rootZap == nil {
			rootZap = build(Config{Level: "info", Format: "console"})
		}
	})
	rootMu.RLock()
	defer rootMu.RUnlock()
	return rootZap
}

// NewLogger creates a logger scoped to the named component.
func NewLogger(component string) *Logger {
	return &Logger{
		sugar: root().Sugar().With("component", component),
	}
}

// With returns a child logger with an extra key/value pair attached.
func (l *Logger) With(key string, value any) *Logger {
	return &Logger{sugar: l.sugar.With(key, value)}
}

// Debug logs a formatted message at debug level.
func (l *Logger) Debug(format string, args ...any) {
	l.sugar.Debugf(format, args...)
}

// Info logs a formatted message at info level.
func (l *Logger) Info(format string, args ...any) {
	l.sugar.Infof(format, args...)
}

// Warn logs a formatted message at warn level.
func (l *Logger) Warn(format string, args ...any) {
	l.sugar.Warnf(format, args...)
}

// Error logs a formatted message at error level.
func (l *Logger) Error(format string, args ...any) {
	l.sugar.Errorf(format, args...)
}

// Sync flushes buffered log entries. Called on shutdown.
func (l *Logger) Sync() {
	_ = l.sugar.Sync()
}
