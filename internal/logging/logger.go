package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract.
//
// Gateway packages depend on this interface rather than a concrete logger so
// tests can swap in capture or no-op implementations.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level represents the severity of a log message.
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
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a level name to a Level, defaulting to info.
func ParseLevel(name string) Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

type componentLogger struct {
	component  string
	level      Level
	mu         sync.Mutex
	out        *log.Logger
	file       *os.File
	enableFile bool
}

var (
	rootOnce sync.Once
	rootFile *os.File
)

// logFile opens the shared debug log once. TOOLGATE_LOG_DIR overrides the
// default location next to the user's home directory.
func logFile() *os.File {
	rootOnce.Do(func() {
		dir := os.Getenv("TOOLGATE_LOG_DIR")
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return
			}
			dir = home
		}
		path := filepath.Join(dir, "toolgate-debug.log")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Printf("failed to open log file %s: %v", path, err)
			return
		}
		rootFile = file
	})
	return rootFile
}

// NewComponentLogger returns a logger scoped to a component name.
// Level comes from TOOLGATE_LOG_LEVEL; file output from TOOLGATE_LOG_FILE=1.
func NewComponentLogger(component string) Logger {
	l := &componentLogger{
		component: component,
		level:     ParseLevel(os.Getenv("TOOLGATE_LOG_LEVEL")),
		out:       log.New(os.Stderr, "", 0),
	}
	if os.Getenv("TOOLGATE_LOG_FILE") == "1" {
		if file := logFile(); file != nil {
			l.file = file
			l.enableFile = true
		}
	}
	return l
}

func (l *componentLogger) logAt(level Level, format string, args ...any) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("%s [%s] [%s] %s",
		time.Now().Format("2006-01-02 15:04:05.000"), level, l.component, msg)
	l.out.Print(line)
	if l.enableFile && l.file != nil {
		fmt.Fprintln(l.file, line)
	}
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.logAt(LevelDebug, format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	l.logAt(LevelInfo, format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.logAt(LevelWarn, format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	l.logAt(LevelError, format, args...)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}
