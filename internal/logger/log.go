package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// EnvLevel names the environment variable consulted when no level is given.
const EnvLevel = "DISTMR_LOG_LEVEL"

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel maps a level name to a Level, defaulting to INFO.
func ParseLevel(level string) Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
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

type Logger struct {
	level    Level
	name     string
	out      io.Writer
	mu       *sync.Mutex
	debugLog *log.Logger
	infoLog  *log.Logger
	warnLog  *log.Logger
	errorLog *log.Logger
}

// New creates a logger writing to stderr. An empty level falls back to
// $DISTMR_LOG_LEVEL, then INFO.
func New(level string) *Logger {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(level string, w io.Writer) *Logger {
	if level == "" {
		level = os.Getenv(EnvLevel)
	}
	return build(ParseLevel(level), "", w, &sync.Mutex{})
}

func build(lvl Level, name string, w io.Writer, mu *sync.Mutex) *Logger {
	flags := log.LstdFlags | log.Lshortfile | log.Lmicroseconds
	prefix := func(tag string) string {
		if name == "" {
			return tag + " "
		}
		return tag + " " + name + ": "
	}

	return &Logger{
		level:    lvl,
		name:     name,
		out:      w,
		mu:       mu,
		debugLog: log.New(w, prefix("[DEBUG]"), flags|log.Lmsgprefix),
		infoLog:  log.New(w, prefix("[INFO]"), flags|log.Lmsgprefix),
		warnLog:  log.New(w, prefix("[WARN]"), flags|log.Lmsgprefix),
		errorLog: log.New(w, prefix("[ERROR]"), flags|log.Lmsgprefix),
	}
}

// Named returns a logger sharing this one's output and level whose lines are
// tagged with the component name.
func (l *Logger) Named(name string) *Logger {
	if l.name != "" {
		name = l.name + "." + name
	}
	return build(l.level, name, l.out, l.mu)
}

// Level returns the minimum level that is written.
func (l *Logger) Level() Level {
	return l.level
}

func (l *Logger) logf(lvl Level, dst *log.Logger, format string, args ...interface{}) {
	if l.level > lvl {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	dst.Output(3, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.logf(DEBUG, l.debugLog, format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.logf(INFO, l.infoLog, format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.logf(WARN, l.warnLog, format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.logf(ERROR, l.errorLog, format, args...)
}

// HCLog returns an hclog.Logger for libraries (raft, memberlist) that write
// to the same output at the same level.
func (l *Logger) HCLog(name string) hclog.Logger {
	if l.name != "" {
		name = l.name + "." + name
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Level:  hclog.LevelFromString(l.level.String()),
		Output: &lockedWriter{mu: l.mu, w: l.out},
	})
}

// lockedWriter serializes hclog output with the logger's own lines.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}
