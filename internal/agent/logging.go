package agent

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger writes "<rfc3339> <LEVEL> <component>: <message>" lines, dropping
// anything below its level.
type Logger struct {
	out       *log.Logger
	level     LogLevel
	component string
}

func NewLogger(out *log.Logger, level LogLevel, component string) *Logger {
	if out == nil {
		out = log.New(io.Discard, "", 0)
	}
	return &Logger{out: out, level: level, component: component}
}

func DiscardLogger() *Logger {
	return NewLogger(nil, LogLevelError, "")
}

// With returns a logger sharing the sink and level under another component name.
func (l *Logger) With(component string) *Logger {
	return &Logger{out: l.out, level: l.level, component: component}
}

func (l *Logger) Enabled(level LogLevel) bool {
	return level >= l.level
}

func (l *Logger) Log(level LogLevel, format string, args ...any) {
	if l == nil || level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("%s %s %s: %s", time.Now().Format(time.RFC3339), level, l.component, msg)
}
