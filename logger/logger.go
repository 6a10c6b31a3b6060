package logger

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Debugf logs formatted debug message
	Debugf logFormatFunc
	// Infof logs formatted info message
	Infof logFormatFunc
	// Warnf logs formatted warn message
	Warnf logFormatFunc
	// Errorf logs formatted error message
	Errorf logFormatFunc
	Fatalf logFormatFunc

	level = zap.NewAtomicLevelAt(zap.DebugLevel)
	mu    sync.RWMutex
	root  *zap.Logger
)

type logFormatFunc func(format string, args ...interface{})

func init() {
	l, err := New(level, "console")
	if err != nil {
		panic(err)
	}
	setLogger(l)
}

// New builds a zap logger writing to stderr with the given level and encoding ("console" or "json").
func New(lv zap.AtomicLevel, encoding string) (*zap.Logger, error) {
	cfg := zap.Config{
		Level:            lv,
		Encoding:         encoding,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			MessageKey:     "message",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
	}
	return cfg.Build()
}

// Configure replaces the process logger. Encoding is "console" or "json".
func Configure(lv string, encoding string) error {
	level.SetLevel(ParseLevel(lv))
	l, err := New(level, encoding)
	if err != nil {
		return err
	}
	setLogger(l)
	return nil
}

// SetSource tags every following log line with the component name (node, bench, ...)
func SetSource(comp string) {
	setLogger(L().With(zap.String("source", comp)))
}

func setLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
	sugar := l.Sugar()
	Debugf = sugar.Debugf
	Infof = sugar.Infof
	Warnf = sugar.Warnf
	Errorf = sugar.Errorf
	Fatalf = sugar.Fatalf
}

// L returns the process logger
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Named returns a sugared child of the process logger.
func Named(name string) *zap.SugaredLogger {
	return L().Named(name).Sugar()
}

// SetLevel changes the level of the process logger
func SetLevel(lv string) {
	level.SetLevel(ParseLevel(lv))
}

// Sync flushes buffered log entries
func Sync() {
	_ = L().Sync()
}

// ParseLevel converts a level name to a zap level, unknown names map to debug.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	case "panic":
		return zap.PanicLevel
	case "fatal":
		return zap.FatalLevel
	}
	return zap.DebugLevel
}

// OrDefault returns l, or the named process logger when l is nil.
func OrDefault(l *zap.Logger, name string) *zap.SugaredLogger {
	if l == nil {
		return Named(name)
	}
	return l.Named(name).Sugar()
}
