package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents logging verbosity level
type Level int

const (
	// LevelError only logs errors
	LevelError Level = iota
	// LevelWarn logs warnings and errors
	LevelWarn
	// LevelInfo logs info, warnings, and errors (default)
	LevelInfo
	// LevelDebug logs everything including debug messages
	LevelDebug
)

// Fields are structured key/value pairs attached to a log line.
type Fields map[string]any

// Logger provides leveled logging
type Logger struct {
	mu     sync.Mutex
	level  Level
	json   bool
	output io.Writer
}

var defaultLogger = &Logger{
	level:  LevelInfo,
	output: os.Stdout,
}

// ParseLevel converts a string to a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelInfo, fmt.Errorf("unknown verbosity level: %s (valid: debug, info, warn, error)", s)
	}
}

// String returns the string representation of a level
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// SetLevel sets the global log level
func SetLevel(level Level) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.level = level
}

// SetFormat switches between "text" (default) and "json" output.
func SetFormat(format string) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.json = strings.EqualFold(format, "json")
}

// SetOutput sets the output destination for logging. A nil writer restores stdout.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	defaultLogger.output = w
}

// Debug logs a debug message
func Debug(format string, args ...any) {
	defaultLogger.log(LevelDebug, nil, format, args...)
}

// Info logs an info message
func Info(format string, args ...any) {
	defaultLogger.log(LevelInfo, nil, format, args...)
}

// Warn logs a warning message
func Warn(format string, args ...any) {
	defaultLogger.log(LevelWarn, nil, format, args...)
}

// Error logs an error message
func Error(format string, args ...any) {
	defaultLogger.log(LevelError, nil, format, args...)
}

// Entry is a logger bound to a set of fields.
type Entry struct {
	fields Fields
}

// WithFields returns an Entry that adds fields to every line it logs.
func WithFields(fields Fields) *Entry {
	return &Entry{fields: fields}
}

// WithFields returns a new Entry carrying both the existing and the given fields.
func (e *Entry) WithFields(fields Fields) *Entry {
	merged := make(Fields, len(e.fields)+len(fields))
	for k, v := range e.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Entry{fields: merged}
}

func (e *Entry) Debug(format string, args ...any) {
	defaultLogger.log(LevelDebug, e.fields, format, args...)
}

func (e *Entry) Info(format string, args ...any) {
	defaultLogger.log(LevelInfo, e.fields, format, args...)
}

func (e *Entry) Warn(format string, args ...any) {
	defaultLogger.log(LevelWarn, e.fields, format, args...)
}

func (e *Entry) Error(format string, args ...any) {
	defaultLogger.log(LevelError, e.fields, format, args...)
}

func (l *Logger) log(level Level, fields Fields, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level > l.level {
		return
	}

	msg := strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	now := time.Now()

	if l.json {
		entry := make(map[string]any, len(fields)+3)
		for k, v := range fields {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			entry[k] = v
		}
		entry["ts"] = now.Format(time.RFC3339Nano)
		entry["level"] = strings.ToLower(level.String())
		entry["msg"] = msg
		data, err := json.Marshal(entry)
		if err != nil {
			fmt.Fprintf(l.output, "{\"level\":\"error\",\"msg\":%q}\n", err.Error())
			return
		}
		l.output.Write(append(data, '\n'))
		return
	}

	if strings.HasPrefix(msg, "\n") {
		// Preserve blank line formatting
		msg = strings.TrimPrefix(msg, "\n")
		fmt.Fprint(l.output, "\n")
	}
	fmt.Fprintf(l.output, "%s [%s] %s%s\n", now.Format("2006-01-02 15:04:05"), level.String(), msg, formatFields(fields))
}

func formatFields(fields Fields) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

// IsDebug returns true if debug level is enabled
func IsDebug() bool {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	return defaultLogger.level >= LevelDebug
}
