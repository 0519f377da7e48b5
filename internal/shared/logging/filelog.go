package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

const logDirEnvVar = "BUILDD_LOG_DIR"

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level, defaulting to info.
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

// Category selects the log file a message is written to.
type Category string

const (
	CategoryService   Category = "service"
	CategoryScheduler Category = "scheduler"
	CategoryHTTP      Category = "http"
)

var (
	categoryMu      sync.Mutex
	categoryLoggers = make(map[Category]*FileLogger)

	stdoutMu     sync.RWMutex
	mirrorStdout bool
)

// SetMirrorStdout toggles mirroring of log lines to stdout. Deployments that
// want container-native logging enable this from config.
func SetMirrorStdout(enabled bool) {
	stdoutMu.Lock()
	mirrorStdout = enabled
	stdoutMu.Unlock()
}

func stdoutMirrorEnabled() bool {
	stdoutMu.RLock()
	defer stdoutMu.RUnlock()
	return mirrorStdout
}

// FileLogger writes formatted lines to a per-category log file.
type FileLogger struct {
	file       *os.File
	logger     *log.Logger
	level      Level
	mu         sync.Mutex
	component  string
	enableFile bool
	category   Category
}

// NewCategorizedLogger creates a logger for a specific category and component.
// Loggers of the same category share one underlying file handle.
func NewCategorizedLogger(category Category, component string) *FileLogger {
	base := getOrCreateCategoryLogger(category)
	return &FileLogger{
		file:       base.file,
		logger:     base.logger,
		level:      base.level,
		component:  component,
		enableFile: base.enableFile,
		category:   category,
	}
}

func getOrCreateCategoryLogger(category Category) *FileLogger {
	categoryMu.Lock()
	defer categoryMu.Unlock()

	if logger, ok := categoryLoggers[category]; ok {
		return logger
	}

	logger := newFileLogger(LevelDebug, true, category)
	categoryLoggers[category] = logger
	return logger
}

// SetCategoryLevel adjusts the minimum level for every logger sharing the
// category's sink. Takes effect for loggers created afterwards.
func SetCategoryLevel(category Category, level Level) {
	getOrCreateCategoryLogger(category).SetLevel(level)
}

func newFileLogger(level Level, enableFile bool, category Category) *FileLogger {
	l := &FileLogger{
		level:      level,
		enableFile: enableFile,
		category:   category,
	}

	if enableFile {
		logDir, err := resolveLogDirectory()
		if err != nil {
			log.Printf("resolve log directory: %v", err)
			return l
		}
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			log.Printf("create log directory %s: %v", logDir, err)
			return l
		}

		logPath := filepath.Join(logDir, logFileName(category))
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Printf("open log file: %v", err)
			return l
		}

		l.file = file
		l.logger = log.New(file, "", 0) // lines are formatted below
	}

	return l
}

func resolveLogDirectory() (string, error) {
	if override := strings.TrimSpace(os.Getenv(logDirEnvVar)); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".buildd", "logs"), nil
}

func logFileName(category Category) string {
	switch category {
	case CategoryScheduler:
		return "buildd-scheduler.log"
	case CategoryHTTP:
		return "buildd-http.log"
	default:
		return "buildd-server.log"
	}
}

// SetLevel sets the minimum log level.
func (l *FileLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Close closes the log file.
func (l *FileLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *FileLogger) log(level Level, format string, args ...any) {
	if level < l.level || !l.enableFile {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// Format: 2025-09-30 12:34:56 [INFO] [Claim] claim.go:123 - Message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	component := l.component
	if component == "" {
		component = "BUILDD"
	}
	message := fmt.Sprintf(format, args...)

	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		timestamp, levelToString(level), component, file, line, message)

	if l.logger != nil {
		l.logger.Print(logLine)
	}
	if stdoutMirrorEnabled() {
		fmt.Print(logLine)
	}
}

// Debug logs a debug message.
func (l *FileLogger) Debug(format string, args ...any) {
	l.log(LevelDebug, format, args...)
}

// Info logs an info message.
func (l *FileLogger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

// Warn logs a warning message.
func (l *FileLogger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

// Error logs an error message.
func (l *FileLogger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

func levelToString(level Level) string {
	switch level {
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
