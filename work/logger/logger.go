// Package logger provides leveled logging over the standard library logger.
// Messages follow the "{pkg - Func} ..." convention used across the relay so
// a grep for a package name finds its log lines.
package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// LogLevel orders message severities; anything below the configured level is
// suppressed.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

// String returns the level's wire name, INFO for anything unknown.
func (lv LogLevel) String() string {
	if name, ok := levelNames[lv]; ok {
		return name
	}
	return "INFO"
}

// ParseLogLevel maps a config string to a level, defaulting to INFO. WARNING
// is accepted as an alias for WARN.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Logger filters messages by level. The zero value is not usable; construct
// with New or use the package-level functions, which share one default
// instance.
type Logger struct {
	level LogLevel
	mu    sync.RWMutex
}

// New returns a logger filtering below the given level.
func New(level string) *Logger {
	return &Logger{level: ParseLogLevel(level)}
}

var (
	defaultLogger *Logger
	once          sync.Once
)

func getDefaultLogger() *Logger {
	once.Do(func() {
		defaultLogger = &Logger{level: INFO}
	})
	return defaultLogger
}

// SetLevel changes the logger's threshold at runtime.
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = ParseLogLevel(level)
}

// GetLevel reports the current threshold as a string.
func (l *Logger) GetLevel() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level.String()
}

func (l *Logger) shouldLog(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

func (l *Logger) output(level LogLevel, format string, v ...interface{}) {
	if !l.shouldLog(level) {
		return
	}
	log.Printf("[%s] %s", level, fmt.Sprintf(format, v...))
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(format string, v ...interface{}) { l.output(DEBUG, format, v...) }

// Info logs at INFO level.
func (l *Logger) Info(format string, v ...interface{}) { l.output(INFO, format, v...) }

// Warn logs at WARN level.
func (l *Logger) Warn(format string, v ...interface{}) { l.output(WARN, format, v...) }

// Error logs at ERROR level.
func (l *Logger) Error(format string, v ...interface{}) { l.output(ERROR, format, v...) }

// SetLogLevel changes the default logger's threshold.
func SetLogLevel(level string) {
	getDefaultLogger().SetLevel(level)
}

// GetLogLevel reports the default logger's threshold.
func GetLogLevel() string {
	return getDefaultLogger().GetLevel()
}

// Debug logs at DEBUG level on the default logger.
func Debug(format string, v ...interface{}) { getDefaultLogger().Debug(format, v...) }

// Info logs at INFO level on the default logger.
func Info(format string, v ...interface{}) { getDefaultLogger().Info(format, v...) }

// Warn logs at WARN level on the default logger.
func Warn(format string, v ...interface{}) { getDefaultLogger().Warn(format, v...) }

// Error logs at ERROR level on the default logger.
func Error(format string, v ...interface{}) { getDefaultLogger().Error(format, v...) }
