package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract.
//
// It intentionally stays interface-shaped so packages can depend on it
// without importing the concrete file-backed implementation.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
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

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
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

var (
	rootInstance *fileLogger
	rootOnce     sync.Once
)

// fileLogger writes timestamped component-prefixed lines to stackvm-debug.log.
type fileLogger struct {
	mu        sync.Mutex
	backend   *log.Logger
	level     Level
	component string
}

func root() *fileLogger {
	rootOnce.Do(func() {
		rootInstance = &fileLogger{level: LevelDebug}
		home, err := os.UserHomeDir()
		if err != nil {
			rootInstance.backend = log.New(os.Stderr, "", 0)
			return
		}
		path := filepath.Join(home, "stackvm-debug.log")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			rootInstance.backend = log.New(os.Stderr, "", 0)
			return
		}
		rootInstance.backend = log.New(file, "", 0)
	})
	return rootInstance
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	parent := root()
	return &fileLogger{
		backend:   parent.backend,
		level:     parent.level,
		component: component,
	}
}

// SetRootLevel sets the minimum level for loggers created afterwards.
func SetRootLevel(level Level) {
	r := root()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.level = level
}

func (l *fileLogger) write(level Level, format string, args ...any) {
	if level < l.level || l.backend == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	prefix := ""
	if l.component != "" {
		prefix = "[" + l.component + "] "
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.backend.Printf("%s [%s] %s%s", time.Now().Format("2006-01-02 15:04:05.000"), level, prefix, msg)
}

func (l *fileLogger) Debug(format string, args ...any) { l.write(LevelDebug, format, args...) }
func (l *fileLogger) Info(format string, args ...any)  { l.write(LevelInfo, format, args...) }
func (l *fileLogger) Warn(format string, args ...any)  { l.write(LevelWarn, format, args...) }
func (l *fileLogger) Error(format string, args ...any) { l.write(LevelError, format, args...) }
