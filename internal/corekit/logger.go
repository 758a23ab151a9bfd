// Package corekit provides the ambient stack shared by every engine
// component: structured logging, a common error taxonomy, and env-first
// configuration loading.
package corekit

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

// Logger is the minimal structured logging interface used throughout the
// engine. Implementations are expected to be safe for concurrent use.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})

	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger lets a component stamp its own name onto every log
// line it emits, the way the council engine tags "engine/council" and the
// pipeline engine tags "engine/pipeline" while sharing one underlying
// logger configuration.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger discards everything. It is the zero-value default so that
// components never need a nil check before logging.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, map[string]interface{}) {}
func (NoOpLogger) Info(string, map[string]interface{})  {}
func (NoOpLogger) Warn(string, map[string]interface{})  {}
func (NoOpLogger) Error(string, map[string]interface{}) {}

func (NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{}) {}

// LogLevel controls the minimum severity SimpleLogger emits.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// SimpleLogger is a dependency-free structured logger backed by the
// standard library's log package. It is the engine's default when no
// production logging backend is wired in.
type SimpleLogger struct {
	mu        sync.Mutex
	level     LogLevel
	component string
	fields    map[string]interface{}
}

// NewSimpleLogger creates a SimpleLogger at InfoLevel.
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{level: InfoLevel, fields: map[string]interface{}{}}
}

// SetLevel sets the minimum severity level from a case-insensitive string.
func (l *SimpleLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch strings.ToUpper(level) {
	case "DEBUG":
		l.level = DebugLevel
	case "WARN", "WARNING":
		l.level = WarnLevel
	case "ERROR":
		l.level = ErrorLevel
	default:
		l.level = InfoLevel
	}
}

// WithComponent returns a logger that tags every line with component.
func (l *SimpleLogger) WithComponent(component string) Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	fields := make(map[string]interface{}, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	return &SimpleLogger{level: l.level, component: component, fields: fields}
}

func (l *SimpleLogger) Debug(msg string, fields map[string]interface{}) { l.log(DebugLevel, "DEBUG", msg, fields) }
func (l *SimpleLogger) Info(msg string, fields map[string]interface{})  { l.log(InfoLevel, "INFO", msg, fields) }
func (l *SimpleLogger) Warn(msg string, fields map[string]interface{})  { l.log(WarnLevel, "WARN", msg, fields) }
func (l *SimpleLogger) Error(msg string, fields map[string]interface{}) { l.log(ErrorLevel, "ERROR", msg, fields) }

func (l *SimpleLogger) DebugWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, fields)
}
func (l *SimpleLogger) InfoWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, fields)
}
func (l *SimpleLogger) WarnWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, fields)
}
func (l *SimpleLogger) ErrorWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, fields)
}

func (l *SimpleLogger) log(min LogLevel, level, msg string, fields map[string]interface{}) {
	l.mu.Lock()
	cur := l.level
	component := l.component
	base := l.fields
	l.mu.Unlock()

	if cur > min {
		return
	}

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(level)
	b.WriteString("] ")
	if component != "" {
		b.WriteString(component)
		b.WriteString(": ")
	}
	b.WriteString(msg)
	for k, v := range base {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	log.Println(b.String())
}

// LogLevelFromEnv returns LOG_LEVEL, defaulting to "INFO".
func LogLevelFromEnv() string {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		return v
	}
	return "INFO"
}
