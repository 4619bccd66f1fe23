package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes one JSON object per line. Loggers derived with WithComponent
// share the writer and its lock.
type Logger struct {
	level     Level
	component string
	out       *syncWriter
	now       func() time.Time
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewLogger(levelStr string) *Logger {
	return NewLoggerWithWriter(levelStr, os.Stdout)
}

func NewLoggerWithWriter(levelStr string, w io.Writer) *Logger {
	return &Logger{
		level: ParseLevel(levelStr),
		out:   &syncWriter{w: w},
		now:   time.Now,
	}
}

// Nop discards everything; handy for tests and optional dependencies.
func Nop() *Logger {
	return NewLoggerWithWriter("error", io.Discard)
}

func (l *Logger) WithComponent(component string) *Logger {
	cp := *l
	cp.component = component
	return &cp
}

func (l *Logger) Enabled(level Level) bool {
	return l != nil && level >= l.level
}

func (l *Logger) Debugw(msg string, fields map[string]any) { l.log(LevelDebug, msg, fields) }
func (l *Logger) Infow(msg string, fields map[string]any)  { l.log(LevelInfo, msg, fields) }
func (l *Logger) Warnw(msg string, fields map[string]any)  { l.log(LevelWarn, msg, fields) }
func (l *Logger) Errorw(msg string, fields map[string]any) { l.log(LevelError, msg, fields) }

func (l *Logger) Debug(format string, args ...any) { l.log(LevelDebug, sprintf(format, args), nil) }
func (l *Logger) Info(format string, args ...any)  { l.log(LevelInfo, sprintf(format, args), nil) }
func (l *Logger) Warn(format string, args ...any)  { l.log(LevelWarn, sprintf(format, args), nil) }
func (l *Logger) Error(format string, args ...any) { l.log(LevelError, sprintf(format, args), nil) }

func (l *Logger) Fatal(format string, args ...any) {
	l.log(LevelError, sprintf(format, args), map[string]any{"fatal": true})
	os.Exit(1)
}

func sprintf(format string, args []any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

func (l *Logger) log(level Level, msg string, fields map[string]any) {
	if !l.Enabled(level) {
		return
	}
	rec := make(map[string]any, len(fields)+4)
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		rec[k] = v
	}
	rec["ts"] = l.now().UTC().Format(time.RFC3339Nano)
	rec["level"] = level.String()
	rec["msg"] = msg
	if l.component != "" {
		rec["component"] = l.component
	}

	line, err := json.Marshal(rec)
	if err != nil {
		line = []byte(fmt.Sprintf(`{"level":"error","msg":"log.marshal_failed","error":%q}`, err.Error()))
	}
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	_, _ = l.out.w.Write(append(line, '\n'))
}
