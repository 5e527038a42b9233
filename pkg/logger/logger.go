// Package logger wraps zap with the field names the presence server logs under.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a wrapper around zap.Logger.
type Logger struct {
	*zap.Logger
}

// Output formats accepted by New.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// New builds a logger at the given level. format is FormatJSON (the default)
// or FormatConsole for colored local output.
func New(level, format string) (*Logger, error) {
	encoder := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	encoding := FormatJSON
	switch strings.ToLower(format) {
	case "", FormatJSON:
	case FormatConsole:
		encoding = FormatConsole
		encoder.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(parseLevel(level)),
		Encoding:         encoding,
		EncoderConfig:    encoder,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{Logger: logger}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// With creates a child logger with additional fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// WithContext creates a child logger with request context fields.
// Empty values are omitted.
func (l *Logger) WithContext(correlationID, browserSessionID, userID string) *Logger {
	fields := make([]zap.Field, 0, 3)
	if correlationID != "" {
		fields = append(fields, zap.String("correlation_id", correlationID))
	}
	if browserSessionID != "" {
		fields = append(fields, BrowserSessionID(browserSessionID))
	}
	if userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	return l.With(fields...)
}

// Named returns a child logger scoped to a component.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger.Named(component)}
}

// ReplaceGlobals installs l as zap's global logger and returns a restore func.
func (l *Logger) ReplaceGlobals() func() {
	return zap.ReplaceGlobals(l.Logger)
}

// SessionID tags a log line with a presence session.
func SessionID(id string) zap.Field { return zap.String("session_id", id) }

// BrowserSessionID tags a log line with a browser tab.
func BrowserSessionID(id string) zap.Field { return zap.String("browser_session_id", id) }

// Endpoint tags a log line with a hook endpoint.
func Endpoint(endpoint string) zap.Field { return zap.String("endpoint", endpoint) }

// HookID tags a log line with a hook registration.
func HookID(id string) zap.Field { return zap.String("hook_id", id) }

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}
